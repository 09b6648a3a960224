package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

var useHTTP bool

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Upload daemon",
	Long:  `Check the daemon's health using the standard gRPC health service, or /healthz with --http.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if useHTTP {
			return httpHealth(ctx)
		}
		return grpcHealth(ctx)
	},
}

func httpHealth(ctx context.Context) error {
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()

	var st map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&st)
	if outputJSON {
		printOutput(st)
		return nil
	}
	if resp.StatusCode == http.StatusOK {
		fmt.Println("✓ Daemon is healthy (HTTP)")
	} else {
		fmt.Printf("✗ Daemon is unhealthy (HTTP %d): %v\n", resp.StatusCode, st["message"])
	}
	return nil
}

func grpcHealth(ctx context.Context) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if jwtToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+jwtToken)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Printf("✗ Daemon is unreachable: %v\n", err)
		return nil
	}

	if outputJSON {
		printOutput(map[string]string{"status": resp.GetStatus().String()})
		return nil
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		fmt.Println("✓ Daemon is healthy")
	} else {
		fmt.Printf("✗ Daemon is unhealthy: %s\n", resp.GetStatus())
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&useHTTP, "http", false, "check /healthz over HTTP instead of gRPC")
}
