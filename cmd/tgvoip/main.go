package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sanji78/telegram-voip/internal/client"
	"github.com/Sanji78/telegram-voip/internal/daemon"
)

const requestTimeout = 10 * time.Second

var (
	rootCmd  *cobra.Command
	apiAddr  string
	instance string
)

func main() {
	rootCmd = &cobra.Command{
		Use:           "tgvoip",
		Short:         "Control the tgvoip daemon: place announcement calls, watch call state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://"+daemon.DefaultBind, "daemon API base URL")
	rootCmd.PersistentFlags().StringVar(&instance, "instance", "default", "instance name")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")

	rootCmd.AddCommand(newCallCommand())
	rootCmd.AddCommand(newHangupCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newIdentityCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func apiClient() *client.Client {
	return client.New(apiAddr, http.DefaultTransport)
}

// OutputFormatter handles output in JSON or human-readable format.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format. In human mode, strings are
// printed as-is and other values fall back to indented JSON.
func (f *OutputFormatter) Print(data any) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}
