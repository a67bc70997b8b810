package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/styxy-dev/styxy/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check if the styxy daemon is running",
	Long: `Check the health of a running styxy daemon by querying its /status
endpoint.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	addr := "127.0.0.1:" + strconv.Itoa(cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	//nolint:noctx // Simple status check doesn't need context propagation
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		fmt.Printf("✗ styxy is not running (%s)\n", addr)
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Logger.Warn().Err(closeErr).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ styxy returned unexpected status: %d\n", resp.StatusCode)
		return fmt.Errorf("status check failed with status %d", resp.StatusCode)
	}

	var body struct {
		Version       string `json:"version"`
		UptimeSeconds int    `json:"uptime_seconds"`
		Allocations   int    `json:"allocations"`
		Instances     int    `json:"instances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	fmt.Printf("✓ styxy %s is running (%s)\n", body.Version, addr)
	fmt.Printf("  uptime:      %s\n", (time.Duration(body.UptimeSeconds) * time.Second).String())
	fmt.Printf("  allocations: %d\n", body.Allocations)
	fmt.Printf("  instances:   %d\n", body.Instances)
	return nil
}

// loadDaemonConfig loads the daemon config, falling back to built-in
// defaults when no --config flag was given.
func loadDaemonConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
