package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sanji78/telegram-voip/internal/client"
	"github.com/Sanji78/telegram-voip/internal/server"
)

func newCallCommand() *cobra.Command {
	var (
		identity    string
		target      string
		topic       string
		language    string
		photoPath   string
		ringTimeout int
		maxDuration int
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "call <message>",
		Short: "Place a voice call and speak the message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutputFormatter(cmd)
			c := apiClient()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			accepted, err := c.PlaceCall(ctx, server.CallRequestBody{
				Identity:       identity,
				Target:         target,
				Message:        args[0],
				Topic:          topic,
				Language:       language,
				PhotoPath:      photoPath,
				RingTimeoutSec: ringTimeout,
				MaxDurationSec: maxDuration,
			})
			if err != nil {
				return err
			}

			if !wait {
				if out.jsonMode {
					return out.Print(accepted)
				}
				return out.Print(fmt.Sprintf("call accepted: session %s (%s)", accepted.SessionID, accepted.State))
			}
			return waitForTerminal(cmd, c, accepted, out)
		},
	}

	cmd.Flags().StringVarP(&identity, "identity", "i", "default", "calling identity")
	cmd.Flags().StringVarP(&target, "target", "t", "", "callee: @username or phone in international format")
	cmd.Flags().StringVar(&topic, "topic", "", "display name shown to the callee during the call")
	cmd.Flags().StringVarP(&language, "language", "l", "", "speech language code (en, it, es, fr, de, pt, zh, ja)")
	cmd.Flags().StringVar(&photoPath, "photo", "", "profile photo shown during the call")
	cmd.Flags().IntVar(&ringTimeout, "ring-timeout", 0, "seconds to wait for an answer")
	cmd.Flags().IntVar(&maxDuration, "max-duration", 0, "hard cap on call duration in seconds")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the call to finish")
	return cmd
}

// waitForTerminal follows the WebSocket stream until the accepted session
// reaches a terminal state.
func waitForTerminal(cmd *cobra.Command, c *client.Client, accepted server.CallAccepted, out *OutputFormatter) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	var final server.Message
	err := c.Watch(ctx, func(msg server.Message) {
		if msg.SessionID != accepted.SessionID || msg.Type != "call_state" {
			return
		}
		if !out.jsonMode {
			fmt.Printf("%s  %s\n", msg.Timestamp.Format(time.TimeOnly), describeState(msg))
		}
		if isTerminalState(msg) {
			final = msg
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	if out.jsonMode && final.Type != "" {
		return out.Print(final)
	}
	return nil
}

func newHangupCommand() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "hangup",
		Short: "Terminate the identity's active call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if err := apiClient().Hangup(ctx, identity); err != nil {
				return err
			}
			return out.Print("hangup requested")
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "default", "calling identity")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show call status for one identity or all",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)
			c := apiClient()
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if identity != "" {
				status, err := c.Status(ctx, identity)
				if err != nil {
					return err
				}
				return out.Print(status)
			}

			statuses, err := c.StatusAll(ctx)
			if err != nil {
				return err
			}
			if out.jsonMode {
				return out.Print(statuses)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSTATE\tPEER\tERROR")
			for _, status := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", status.Identity, status.State, status.Peer, status.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "limit to one identity")
	return cmd
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live call events from the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				<-sigChan
				cancel()
			}()

			err := apiClient().Watch(ctx, func(msg server.Message) {
				if out.jsonMode {
					out.Print(msg)
					return
				}
				fmt.Printf("%s  [%s] %s  %s\n",
					msg.Timestamp.Format(time.TimeOnly), msg.Identity, msg.Type, describeState(msg))
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	return cmd
}
