package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/google"
	_ "modernc.org/sqlite"

	"agentbridge/internal/config"
	"agentbridge/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge configuration",
		Long: `Verifies that the configuration loads, required settings are present,
Google credentials resolve, the session database is writable and the
upstream APIs are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("agentbridge doctor v%s\n\n", version)

			var passed, failed, warned int

			cfg, err := loadConfig()
			if err != nil {
				printFail("Config", err.Error())
				return fmt.Errorf("config does not load")
			}
			printPass("Config", "valid")
			passed++

			if err := config.RequireServe(cfg); err != nil {
				printFail("Serve settings", err.Error())
				failed++
			} else {
				printPass("Serve settings", "complete")
				passed++
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if cfg.Engine.AccessToken != "" {
				printWarn("Credentials", "static access token configured; it will not refresh")
				warned++
			} else if creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform"); err != nil {
				printFail("Credentials", err.Error())
				failed++
			} else {
				printPass("Credentials", "application default credentials (project "+creds.ProjectID+")")
				passed++
			}

			switch cfg.Sessions.Backend {
			case "sqlite":
				if err := checkDatabase(ctx, cfg.Sessions.DBPath); err != nil {
					printFail("Session store", err.Error())
					failed++
				} else {
					printPass("Session store", "sqlite "+cfg.Sessions.DBPath)
					passed++
					switch v, err := store.InspectSchema(ctx, cfg.Sessions.DBPath); {
					case err != nil:
						printFail("Schema", err.Error())
						failed++
					case v < store.SchemaVersion:
						printWarn("Schema", fmt.Sprintf("v%d, migrates to v%d on serve", v, store.SchemaVersion))
						warned++
					default:
						printPass("Schema", fmt.Sprintf("v%d", v))
						passed++
					}
				}
			case "memory":
				printWarn("Session store", "in-memory; sessions are lost on restart")
				warned++
			default:
				printPass("Session store", cfg.Sessions.Backend)
				passed++
			}

			engineHost := cfg.Engine.Location + "-aiplatform.googleapis.com:443"
			if cfg.Engine.APIBase != "" {
				engineHost = hostPort(cfg.Engine.APIBase)
			}
			for name, addr := range map[string]string{
				"Engine API":   engineHost,
				"WhatsApp API": hostPort(cfg.WhatsApp.APIBase),
				"Speech API":   "speech.googleapis.com:443",
			} {
				if err := checkReachable(addr); err != nil {
					printWarn(name, err.Error())
					warned++
				} else {
					printPass(name, addr)
					passed++
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

// hostPort turns a base URL into host:port for a dial check.
func hostPort(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return u.Host + ":80"
	}
	return u.Host + ":443"
}

func checkReachable(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-16s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-16s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-16s %s\n", check, detail)
}
