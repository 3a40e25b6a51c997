package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	configstore "github.com/Sanji78/telegram-voip/internal/config/store"
	"github.com/Sanji78/telegram-voip/internal/daemon"
)

func newIdentityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage calling identities",
	}
	cmd.AddCommand(newIdentityAddCommand())
	cmd.AddCommand(newIdentityListCommand())
	cmd.AddCommand(newIdentityRemoveCommand())
	return cmd
}

func openStore() (*configstore.Store, error) {
	return configstore.Open(configstore.Options{InstanceName: instance})
}

func newIdentityAddCommand() *cobra.Command {
	var (
		apiID        int
		apiHash      string
		bridge       string
		target       string
		language     string
		restoreFirst string
		restoreLast  string
		restorePhoto string
		photoPath    string
		ringTimeout  int
		maxDuration  int
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an identity (api_hash is stored encrypted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if daemon.IsRunning(instance) {
				fmt.Fprintln(os.Stderr, "Note: restart the daemon to pick up identity changes.")
			}

			if apiHash == "" {
				hash, err := promptSecret("API hash: ")
				if err != nil {
					return err
				}
				apiHash = hash
			}
			if apiHash == "" {
				return fmt.Errorf("api hash is required")
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			err = store.SaveIdentity(ctx, configstore.Identity{
				Name:             name,
				APIID:            apiID,
				APIHash:          apiHash,
				BridgeCommand:    bridge,
				DefaultTarget:    target,
				DefaultLanguage:  language,
				RestoreFirstName: restoreFirst,
				RestoreLastName:  restoreLast,
				RestorePhotoPath: restorePhoto,
				PhotoPath:        photoPath,
				RingTimeout:      time.Duration(ringTimeout) * time.Second,
				MaxDuration:      time.Duration(maxDuration) * time.Second,
			})
			if err != nil {
				return err
			}
			return newOutputFormatter(cmd).Print(fmt.Sprintf("identity %s saved", name))
		},
	}

	cmd.Flags().IntVar(&apiID, "api-id", 0, "Telegram API ID")
	cmd.Flags().StringVar(&apiHash, "api-hash", "", "Telegram API hash (prompted when omitted)")
	cmd.Flags().StringVar(&bridge, "bridge", "mock", "bridge command, or \"mock\" for the in-memory dialer")
	cmd.Flags().StringVar(&target, "target", "", "default callee")
	cmd.Flags().StringVar(&language, "language", "en", "default speech language")
	cmd.Flags().StringVar(&restoreFirst, "restore-first-name", "", "profile first name restored after calls")
	cmd.Flags().StringVar(&restoreLast, "restore-last-name", "", "profile last name restored after calls")
	cmd.Flags().StringVar(&restorePhoto, "restore-photo", "", "profile photo restored after calls")
	cmd.Flags().StringVar(&photoPath, "photo", "", "default override photo shown during calls")
	cmd.Flags().IntVar(&ringTimeout, "ring-timeout", 0, "default ring timeout in seconds")
	cmd.Flags().IntVar(&maxDuration, "max-duration", 0, "default max call duration in seconds")
	cmd.MarkFlagRequired("api-id")
	return cmd
}

// promptSecret reads a value without echoing when stdin is a terminal.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if terminal.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	var value string
	if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(value), nil
}

func newIdentityListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered identities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			identities, err := store.ListIdentities(ctx)
			if err != nil {
				return err
			}
			if out.jsonMode {
				return out.Print(identities)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAPI ID\tBRIDGE\tTARGET\tLANGUAGE")
			for _, ident := range identities {
				bridge := ident.BridgeCommand
				if bridge == "" {
					bridge = "mock"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					ident.Name, ident.APIID, bridge, ident.DefaultTarget, ident.DefaultLanguage)
			}
			return w.Flush()
		},
	}
	return cmd
}

func newIdentityRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if err := store.DeleteIdentity(ctx, args[0]); err != nil {
				return err
			}
			return newOutputFormatter(cmd).Print(fmt.Sprintf("identity %s removed", args[0]))
		},
	}
	return cmd
}
