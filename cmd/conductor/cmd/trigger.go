package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/conductor/internal/config"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request an immediate heartbeat from a running engine",
	RunE:  runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/api/heartbeat/trigger", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the engine running? %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger failed: %s: %s", resp.Status, body)
	}
	cmd.Printf("%s\n", body)
	return nil
}
