package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tgvoipversion "github.com/Sanji78/telegram-voip/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		RunE:  runVersion,
	}
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := tgvoipversion.String()

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	daemonVersion := ""
	if status, err := apiClient().DaemonStatus(ctx); err == nil {
		daemonVersion = status.Version
	}

	if out.jsonMode {
		data := map[string]any{"client": clientVersion}
		if daemonVersion != "" {
			data["daemon"] = daemonVersion
		}
		return out.Print(data)
	}

	fmt.Printf("client: %s\n", tgvoipversion.FormatVersion(clientVersion))
	if daemonVersion != "" {
		fmt.Printf("daemon: %s\n", tgvoipversion.FormatVersion(daemonVersion))
	} else {
		fmt.Println("daemon: unreachable")
	}
	return nil
}
