package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configDefaults are written by config init and accepted by config set
var configDefaults = map[string]any{
	"server":      "localhost:8080",
	"grpc-server": "localhost:50051",
	"timeout":     "30s",
	"tls":         false,
	"json":        false,
	"pretty":      false,
	"token":       "",
}

func configKeys() []string {
	keys := make([]string, 0, len(configDefaults))
	for k := range configDefaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue validates value for key and stores it in v
func setConfigValue(v *viper.Viper, key, value string) error {
	def, ok := configDefaults[key]
	if !ok {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys(), ", "))
	}

	switch def.(type) {
	case bool:
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			v.Set(key, true)
		case "false", "0", "no", "off":
			v.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	default:
		if key == "timeout" {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration for timeout: %s", value)
			}
		}
		v.Set(key, value)
	}
	return nil
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage uploadctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			printOutput(map[string]any{
				"server":      serverAddr,
				"grpc-server": grpcAddr,
				"timeout":     timeout.String(),
				"tls":         useTLS,
				"json":        outputJSON,
				"pretty":      prettyJSON,
				"token":       jwtToken != "",
			})
			return
		}
		fmt.Println("Current configuration:")
		fmt.Printf("  Server: %s\n", serverAddr)
		fmt.Printf("  gRPC server: %s\n", grpcAddr)
		fmt.Printf("  Timeout: %s\n", timeout)
		fmt.Printf("  TLS: %v\n", useTLS)
		fmt.Printf("  JSON Output: %v\n", outputJSON)
		fmt.Printf("  Pretty JSON: %v\n", prettyJSON)
		fmt.Printf("  Token set: %v\n", jwtToken != "")

		if prettyJSON && !checkJQAvailable() {
			fmt.Printf("  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Printf("  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Println("  Config file: none (using defaults)")
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Example: heredoc.Doc(`
		$ uploadctl config set server uploads.internal:8080
		$ uploadctl config set timeout 60s
		$ uploadctl config set tls true
	`),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := configPath()
		if err != nil {
			return err
		}

		// Only persist what the file already holds plus the new key, not flags or env
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read config file: %w", err)
		}

		if err := setConfigValue(v, key, value); err != nil {
			return err
		}
		if key == "pretty" && v.GetBool("pretty") && !checkJQAvailable() {
			fmt.Printf("⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.\n")
		}

		if err := v.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		fmt.Printf("Configuration saved to: %s\n", path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		v := viper.New()
		for k, val := range configDefaults {
			v.Set(k, val)
		}
		if err := v.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		fmt.Printf("Configuration file created: %s\n", path)
		fmt.Println("Default settings:")
		for _, k := range configKeys() {
			fmt.Printf("  %s: %v\n", k, configDefaults[k])
		}
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Configuration check:")
		fmt.Printf("  ✅ uploadctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("  ⚠️  Config file: not found (using defaults)\n")
		}

		if checkJQAvailable() {
			fmt.Printf("  ✅ jq: available\n")
		} else {
			fmt.Printf("  ❌ jq: not found in PATH\n")
			fmt.Printf("     Install from: https://jqlang.github.io/jq/download/\n")
		}

		fmt.Printf("  ✅ Server: %s\n", serverAddr)

		fmt.Println("\nTesting server connectivity...")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		err := func() error {
			resp, err := makeHTTPRequest(ctx, http.MethodGet, "/v1/ping", nil)
			if err != nil {
				return err
			}
			return decodeResponse(resp, nil)
		}()
		if err != nil {
			fmt.Printf("  ❌ Server connectivity: %v\n", err)
		} else {
			fmt.Printf("  ✅ Server connectivity: OK\n")
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
