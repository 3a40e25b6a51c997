package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Sanji78/telegram-voip/internal/config"
	configstore "github.com/Sanji78/telegram-voip/internal/config/store"
	"github.com/Sanji78/telegram-voip/internal/daemon"
	tgvoipversion "github.com/Sanji78/telegram-voip/internal/version"
)

func main() {
	var (
		bind     string
		instance string
	)

	rootCmd := &cobra.Command{
		Use:           "tgvoipd",
		Short:         "Telegram voice call daemon - places announcement calls over the HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), instance, bind)
		},
	}
	rootCmd.Flags().StringVar(&bind, "bind", daemon.DefaultBind, "API listen address")
	rootCmd.Flags().StringVar(&instance, "instance", config.DefaultInstance, "instance name")
	rootCmd.Version = tgvoipversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, instance, bind string) error {
	if daemon.IsRunning(instance) {
		return fmt.Errorf("daemon is already running")
	}

	if _, err := config.EnsureInstanceDirs(instance); err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: instance})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer store.Close()

	d, err := daemon.New(daemon.Options{Store: store, Bind: bind})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %s, shutting down...", sig)
		cancel()
	}()

	log.Printf("tgvoip daemon started (PID: %d)", os.Getpid())
	return d.Run(runCtx)
}
