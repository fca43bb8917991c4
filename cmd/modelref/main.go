// Package main is the entry point for the model reference service and CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modelref/config"
	"modelref/internal/app"
	"modelref/internal/backend"
	"modelref/internal/core"
	"modelref/internal/logging"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 30 * time.Second

type cli struct {
	configPath string
	cfg        *config.Config
	out        io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "modelref",
		Short:         "Serve and inspect AI Horde model reference data",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := logging.Setup(cfg.Logging); err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")

	root.AddCommand(
		c.serveCmd(),
		c.fetchCmd(),
		c.categoriesCmd(),
		c.markStaleCmd(),
		c.warmCmd(),
		c.healthCmd(),
		c.statsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(c.out, "modelref %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the model reference HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				c.cfg.Server.Port = port
			}
			slog.Info("starting modelref", "version", version, "commit", commit)

			a, err := app.New(cmd.Context(), app.Config{AppConfig: c.cfg})
			if err != nil {
				return err
			}

			go func() {
				quit := make(chan os.Signal, 1)
				signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
				<-quit

				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.Shutdown(ctx); err != nil {
					slog.Error("shutdown error", "error", err)
				}
			}()

			if err := a.Start(":" + c.cfg.Server.Port); err != nil {
				_ = a.Shutdown(context.Background())
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Override server.port")
	return cmd
}

func (c *cli) fetchCmd() *cobra.Command {
	var legacy, force bool
	cmd := &cobra.Command{
		Use:   "fetch <category>",
		Short: "Print the reference data for one category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := core.ParseCategory(args[0])
			if err != nil {
				return err
			}
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend.Backend) error {
				if legacy {
					raw, ok := b.LegacyJSONString(ctx, category, force)
					if !ok {
						return core.NewNotFoundError(category, "no legacy reference data")
					}
					_, err := io.WriteString(c.out, raw)
					return err
				}
				payload := b.FetchCategory(ctx, category, force)
				if payload == nil {
					return core.NewNotFoundError(category, "no reference data")
				}
				return c.printJSON(payload)
			})
		},
	}
	cmd.Flags().BoolVar(&legacy, "legacy", false, "Print the legacy document as stored")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Bypass the cache and refetch from the source")
	return cmd
}

func (c *cli) categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List every category with its model count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend.Backend) error {
				all := <-b.FetchAllCategoriesAsync(ctx, false)
				counts := make(map[core.Category]any, len(all))
				for _, category := range core.Categories() {
					if payload := all[category]; payload != nil {
						counts[category] = len(payload)
					} else {
						counts[category] = nil
					}
				}
				return c.printJSON(counts)
			})
		},
	}
}

func (c *cli) markStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-stale <category>",
		Short: "Invalidate the cached copy of a category and refetch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := core.ParseCategory(args[0])
			if err != nil {
				return err
			}
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend.Backend) error {
				b.FetchCategory(ctx, category, false)
				b.MarkStale(category)
				return c.printJSON(map[string]any{
					"category":      category,
					"needs_refresh": b.NeedsRefresh(category),
					"models":        len(b.FetchCategory(ctx, category, false)),
				})
			})
		},
	}
}

func (c *cli) warmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Load every category into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend.Backend) error {
				start := time.Now()
				if err := b.WarmCache(ctx); err != nil {
					return err
				}
				return c.printJSON(map[string]any{
					"backend":  b.Name(),
					"duration": time.Since(start).String(),
				})
			})
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend can reach its data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend.Backend) error {
				if err := b.HealthCheck(ctx); err != nil {
					return err
				}
				return c.printJSON(map[string]any{"status": "ok", "backend": b.Name()})
			})
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print backend statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b backend.Backend) error {
				stats, err := b.Statistics(ctx)
				if err != nil {
					return err
				}
				return c.printJSON(stats)
			})
		},
	}
}

// withBackend builds the application, runs fn against its backend and shuts
// everything down again. No background tasks are started.
func (c *cli) withBackend(ctx context.Context, fn func(context.Context, backend.Backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, app.Config{AppConfig: c.cfg})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a.Backend())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
