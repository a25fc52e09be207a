package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"presencebot/internal/app"
	"presencebot/internal/config"
	"presencebot/internal/credentials"
	"presencebot/internal/registry"
	"presencebot/internal/storage"
	logx "presencebot/pkg/logx"
)

const cliActor = "cli"

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "presencebot",
		Short:         "Keeps a chat bot present across many Twitch channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newChannelsCmd(&cfgPath),
		newTokenCmd(&cfgPath),
	)
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and stay present in every enabled channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

// openStore loads the config and opens its store without starting the bot.
func openStore(cfgPath string) (storage.Store, *config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func withRegistry(cfgPath string, fn func(*registry.Registry) error) error {
	st, _, err := openStore(cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(registry.New(st, logx.Nop()))
}

func newChannelsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channels",
		Aliases: []string{"ch"},
		Short:   "Manage the channel registry",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(*cfgPath, func(r *registry.Registry) error {
				chans, err := r.ListChannels(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHANNEL\tUSER ID\tENABLED")
				for _, c := range chans {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", c.Handle, c.UserID, c.Enabled)
				}
				return tw.Flush()
			})
		},
	}

	var userID string
	add := &cobra.Command{
		Use:   "add <channel>...",
		Short: "Register channels (enabled)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID != "" && len(args) > 1 {
				return errors.New("--user-id applies to a single channel")
			}
			return withRegistry(*cfgPath, func(r *registry.Registry) error {
				for _, h := range args {
					if err := r.Add(cmd.Context(), h, userID, cliActor); err != nil {
						return fmt.Errorf("%s: %w", h, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", storage.NormalizeLogin(h))
				}
				return nil
			})
		},
	}
	add.Flags().StringVar(&userID, "user-id", "", "platform user id of the channel")

	cmd.AddCommand(list, add, newToggleCmd(cfgPath, "enable", true), newToggleCmd(cfgPath, "disable", false))
	return cmd
}

func newToggleCmd(cfgPath *string, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <channel>...",
		Short: verb + " registered channels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(*cfgPath, func(r *registry.Registry) error {
				for _, h := range args {
					ok, err := r.SetEnabled(cmd.Context(), h, enabled, cliActor)
					if err != nil {
						return fmt.Errorf("%s: %w", h, err)
					}
					if !ok {
						return fmt.Errorf("%s: unknown channel", h)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, storage.NormalizeLogin(h))
				}
				return nil
			})
		},
	}
}

func newTokenCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage per-channel credentials",
	}

	var (
		access, refresh, userID string
		expiresIn               time.Duration
	)
	set := &cobra.Command{
		Use:   "set <channel>",
		Short: "Store an access/refresh token pair for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			repo := credentials.New(st, credentials.OfflineRefresher{}, logx.Nop())
			err = repo.Put(cmd.Context(), storage.Credential{
				Login:        args[0],
				UserID:       userID,
				AccessToken:  access,
				RefreshToken: refresh,
				ExpiresAt:    time.Now().Add(expiresIn),
			})
			if err != nil {
				return err
			}
			if err := st.AppendAudit(cmd.Context(), storage.AuditEntry{Actor: cliActor, Action: "token.set", Target: storage.NormalizeLogin(args[0])}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored token for %s\n", storage.NormalizeLogin(args[0]))
			return nil
		},
	}
	set.Flags().StringVar(&access, "access", "", "access token (required)")
	set.Flags().StringVar(&refresh, "refresh", "", "refresh token")
	set.Flags().StringVar(&userID, "user-id", "", "platform user id (required for subscriptions)")
	set.Flags().DurationVar(&expiresIn, "expires-in", 4*time.Hour, "access token lifetime")
	_ = set.MarkFlagRequired("access")

	cmd.AddCommand(set)
	return cmd
}
