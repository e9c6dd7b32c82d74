package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/goforj/sitecache"
	"github.com/goforj/sitecache/snapshot"
)

type rootFlags struct {
	config string
}

// newRootCmd builds the command tree. Each invocation gets its own viper
// instance so tests can run commands side by side.
func newRootCmd() *cobra.Command {
	v := viper.New()
	rf := new(rootFlags)

	root := &cobra.Command{
		Use:           "sitecache",
		Short:         "Warm, inspect and snapshot the site content cache.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&rf.config, "config", "c", "", "config file")
	pf.String("base-url", "", "API base URL")
	pf.String("mode", "", "development or production")
	pf.String("log-level", "", "log level")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	_ = v.BindPFlag("base_url", pf.Lookup("base-url"))
	_ = v.BindPFlag("mode", pf.Lookup("mode"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("metrics.addr", pf.Lookup("metrics-addr"))

	// run loads config, builds the app and hands it to fn.
	run := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		cfg, err := loadConfig(v, rf.config)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.serveMetrics(cfg.Metrics.Addr); err != nil {
			return err
		}
		return fn(ctx, a)
	}

	root.AddCommand(
		newWarmCmd(run),
		newFetchCmd(run),
		newSnapshotCmd(run),
		newClearCmd(run),
	)
	return root
}

type runner func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error

func newWarmCmd(run runner) *cobra.Command {
	var (
		retries int
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Pre-populate the cache for the site endpoints.",
		Long: "In production mode runs the cold-start warm schedule. " +
			"In development mode runs a single pre-cache pass.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				if retries <= 0 {
					retries = a.cfg.Fetch.RetryCount
				}
				w := sitecache.NewWarmer(a.client,
					sitecache.WithWarmerLogger(a.logger.Named("warm")),
					sitecache.WithHealthPath(a.cfg.Fetch.HealthPath),
				)
				defer w.Close()

				var (
					report sitecache.Report
					err    error
				)
				if a.mode == sitecache.ModeProduction {
					report, err = w.WarmCache(ctx)
				} else {
					report, err = w.PreCache(ctx, retries)
				}
				if err != nil {
					return err
				}
				if wait {
					w.Wait()
				}
				printReport(cmd.OutOrStdout(), report, w)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "attempts per endpoint (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for scheduled retries of failed endpoints")
	return cmd
}

func printReport(out io.Writer, report sitecache.Report, w *sitecache.Warmer) {
	fmt.Fprintf(out, "run %s (%s)\n", report.RunID, report.Duration.Round(time.Millisecond))
	for _, res := range report.Results {
		line := fmt.Sprintf("  %-16s %-15s attempts=%d", res.Endpoint.Name, w.State(res.Endpoint.Name), res.Attempts)
		if res.Err != nil {
			line += " err=" + res.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
}

func newFetchCmd(run runner) *cobra.Command {
	var (
		key string
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch <path>",
		Short: "Fetch a path through the cache and print the body.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				body, err := a.client.Fetch(ctx, args[0], sitecache.FetchOptions{CacheKey: key, TTL: ttl})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
				a.client.Wait()
				return err
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "cache key (defaults to the path)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "fresh TTL (default 5m)")
	return cmd
}

func newSnapshotCmd(run runner) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write static JSON snapshots of the site API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				if dir == "" {
					dir = a.cfg.Snapshot.Dir
				}
				// Snapshots must reflect the API, not whatever the cache holds.
				direct, err := sitecache.NewClient(
					sitecache.NewCache(nil, sitecache.WithCleanupInterval(0)),
					a.cfg.BaseURL,
					sitecache.WithMode(a.mode),
					sitecache.WithTimeouts(a.cfg.Fetch.DevTimeout, a.cfg.Fetch.ProdTimeout),
					sitecache.WithClientLogger(a.logger.Named("fetch")),
				)
				if err != nil {
					return err
				}
				defer direct.Close()
				info, err := snapshot.Generate(ctx, direct, dir, nil,
					snapshot.WithBaseURL(a.cfg.BaseURL),
					snapshot.WithLogger(a.logger.Named("snapshot")),
				)
				if err != nil {
					return err
				}
				a.logger.Info("snapshots generated", zap.String("build_id", info.BuildID), zap.String("dir", dir))
				for _, f := range info.Files {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n", f.Name, f.Source, f.Bytes)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "output directory (default from config)")
	return cmd
}

func newClearCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the persistent cache keys from the durable store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				a.cache.ClearCtx(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d keys from %s store\n", 2*len(sitecache.PersistentKeys), a.cache.Driver())
				return nil
			})
		},
	}
}
