package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_upload/internal/ingest"
)

var startOpts struct {
	method      string
	mode        string
	fieldName   string
	contentType string
	headers     map[string]string
	params      map[string]string
	maxRetries  int
	wait        bool
}

var startCmd = &cobra.Command{
	Use:   "start [file] [server-url]",
	Short: "Start a background upload",
	Long:  `Hand a file to the daemon for upload to server-url. The command returns the task id as soon as the upload is queued.`,
	Example: heredoc.Doc(`
		# Upload raw bytes with a bearer header
		$ uploadctl start ./photo.jpg https://api.example.com/photos -H Authorization="Bearer abc"

		# Multipart upload with a form field, then wait for the outcome
		$ uploadctl start ./report.pdf https://api.example.com/docs --mode multipart \
		    --field-name document -p userId=42 --wait
	`),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildStartRequest(cmd, args[0], args[1])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		resp, err := makeHTTPRequest(ctx, http.MethodPost, "/v1/uploads", req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		var out ingest.StartUploadResponse
		if err := decodeResponse(resp, &out); err != nil {
			return fmt.Errorf("failed to start upload: %w", err)
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Started upload: %s\n", out.ID)
		}

		if !startOpts.wait {
			return nil
		}
		return watchEvents(cmd.Context(), cmd.OutOrStdout(), watchOptions{taskID: out.ID, ack: true, untilFinished: true})
	},
}

// buildStartRequest turns arguments and flags into the daemon's request. Relative paths
// are made absolute since the daemon resolves them against its own working directory.
func buildStartRequest(cmd *cobra.Command, file, serverURL string) (ingest.StartUploadRequest, error) {
	if file == "" || serverURL == "" {
		return ingest.StartUploadRequest{}, fmt.Errorf("file and server-url are required")
	}
	if !strings.Contains(file, "://") && !strings.HasPrefix(file, "~") {
		abs, err := filepath.Abs(file)
		if err != nil {
			return ingest.StartUploadRequest{}, fmt.Errorf("resolve %s: %w", file, err)
		}
		file = abs
	}
	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return ingest.StartUploadRequest{}, fmt.Errorf("invalid server-url: %w", err)
	}

	req := ingest.StartUploadRequest{
		ServerURL:   serverURL,
		FilePath:    file,
		Method:      startOpts.method,
		Mode:        startOpts.mode,
		FieldName:   startOpts.fieldName,
		ContentType: startOpts.contentType,
		Headers:     startOpts.headers,
		Parameters:  startOpts.params,
	}
	if cmd.Flags().Changed("max-retries") {
		retries := startOpts.maxRetries
		req.MaxRetries = &retries
	}
	return req, nil
}

var removeCmd = &cobra.Command{
	Use:     "remove [task-id]",
	Aliases: []string{"cancel"},
	Short:   "Cancel a running upload",
	Long:    `Cancel a running upload. Unknown or already finished ids are accepted and ignored.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodDelete, "/v1/uploads/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		if err := decodeResponse(resp, nil); err != nil {
			return fmt.Errorf("failed to remove upload: %w", err)
		}

		if outputJSON {
			printOutput(map[string]string{"id": args[0], "status": "removed"})
		} else {
			fmt.Printf("Removed upload: %s\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(removeCmd)

	startCmd.Flags().StringVarP(&startOpts.method, "method", "X", "", "HTTP method (default POST)")
	startCmd.Flags().StringVar(&startOpts.mode, "mode", "", "upload mode: binary or multipart (default binary)")
	startCmd.Flags().StringVar(&startOpts.fieldName, "field-name", "", "multipart file field name (default file)")
	startCmd.Flags().StringVar(&startOpts.contentType, "content-type", "", "content type of the file (default derived from the extension)")
	startCmd.Flags().StringToStringVarP(&startOpts.headers, "header", "H", nil, "request header as key=value (repeatable)")
	startCmd.Flags().StringToStringVarP(&startOpts.params, "param", "p", nil, "query or form parameter as key=value (repeatable)")
	startCmd.Flags().IntVar(&startOpts.maxRetries, "max-retries", 2, "retries after the first attempt")
	startCmd.Flags().BoolVar(&startOpts.wait, "wait", false, "wait for the upload to finish and acknowledge its outcome")
}
