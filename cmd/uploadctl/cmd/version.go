package cmd

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_upload/internal/ingest"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var clientOnly bool

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version of uploadctl and, unless --client is set, of the daemon it talks to.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := map[string]string{
			"version":   Version,
			"gitCommit": GitCommit,
			"buildTime": BuildTime,
			"goVersion": runtime.Version(),
			"goos":      runtime.GOOS,
			"goarch":    runtime.GOARCH,
		}

		var server *ingest.VersionInfo
		if !clientOnly {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if v, err := serverVersion(ctx); err == nil {
				server = &v
				info["serverVersion"] = v.Version
			} else {
				info["serverVersion"] = "unavailable"
			}
		}

		if outputJSON {
			printOutput(info)
			return
		}
		fmt.Printf("uploadctl version %s\n", Version)
		fmt.Printf("Git commit: %s\n", GitCommit)
		fmt.Printf("Built: %s\n", BuildTime)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		if clientOnly {
			return
		}
		if server == nil {
			fmt.Println("Server: unavailable")
			return
		}
		fmt.Printf("Server version: %s\n", server.Version)
	},
}

func serverVersion(ctx context.Context) (ingest.VersionInfo, error) {
	var v ingest.VersionInfo
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/v1/version", nil)
	if err != nil {
		return v, err
	}
	err = decodeResponse(resp, &v)
	return v, err
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&clientOnly, "client", false, "only print the client version")
}
