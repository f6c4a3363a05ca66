package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentbridge/internal/config"
	"agentbridge/internal/domain"
	"agentbridge/internal/session"
	"agentbridge/internal/store"
)

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <user> <message>",
		Short: "Send a message to the reasoning engine as a user and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			eng, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			registry, st, err := newRegistry(ctx, cfg, eng)
			if err != nil {
				return err
			}
			defer st.Close()

			user := args[0]
			sessionID, err := registry.ResolveOrCreate(ctx, user)
			if err != nil {
				return err
			}
			reply, err := eng.SendMessage(ctx, session.UserIDFor(user), sessionID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func transcribeCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "transcribe <file|gs://bucket/object>",
		Short: "Transcribe a local voice note or a long recording in Cloud Storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			tr, rec, err := newTranscriber(ctx, cfg)
			if err != nil {
				return err
			}
			defer rec.Close()

			opts := speechOptions(cfg)
			if language != "" {
				opts.LanguageCode = language
			}

			var res domain.TranscriptionResult
			if strings.HasPrefix(args[0], "gs://") {
				res = tr.TranscribeLong(ctx, args[0], opts)
			} else {
				audio, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				res = tr.Transcribe(ctx, audio, opts)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("transcription failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "BCP-47 language code (default from config)")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete stored user sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List user to engine session mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st domain.SessionStore) error {
				list, err := st.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tSESSION\tCREATED")
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.UserKey, s.EngineSessionID, s.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <user>",
		Short: "Forget the session mapping of one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st domain.SessionStore) error {
				ok, err := st.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], domain.ErrSessionNotFound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted session for %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

// withStore opens the configured session store. The in-memory backend only
// lives inside a running server, so it is rejected here.
func withStore(fn func(ctx context.Context, st domain.SessionStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Sessions.Backend == "memory" {
		return fmt.Errorf("session backend is memory; use the server's /sessions endpoint or configure sqlite/firestore")
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := store.Open(ctx, cfg.Sessions, cfg.Engine.Project, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(config.Sanitize(cfg))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
