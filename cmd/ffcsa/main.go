// Command ffcsa runs price sync, pricelist export and schema migrations from the shell.
//
// Usage:
//
//	ffcsa sync-prices [--id N...] [--dry-run] [--enqueue] [--link-missing]
//	ffcsa export-pricelist [--dir exports]
//	ffcsa preview --id N
//	ffcsa migrate
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/killdeer/ffcsa-ops/internal/app"
	"github.com/killdeer/ffcsa-ops/internal/config"
	"github.com/killdeer/ffcsa-ops/internal/export"
	"github.com/killdeer/ffcsa-ops/internal/obs"
	"github.com/killdeer/ffcsa-ops/internal/pricesync"
	"github.com/killdeer/ffcsa-ops/internal/queue"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

var version = "dev"

func main() {
	cliApp := &cli.App{
		Name:    "ffcsa",
		Usage:   "FFCSA pricing and LocalLine catalog operations",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"OBS_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (console, json)",
				EnvVars: []string{"FFCSA_CLI_LOG_FORMAT"},
				Value:   "console",
			},
		},
		Commands: []*cli.Command{
			syncPricesCommand(),
			exportCommand(),
			previewCommand(),
			migrateCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func load(c *cli.Context) (env, error) {
	cfg, err := config.Load()
	if err != nil {
		return env{}, err
	}
	logger := obs.NewLoggerTo(os.Stderr, c.String("log-format"), c.String("log-level")).With().
		Str("env", cfg.AppEnv).Logger()
	return env{cfg: cfg, logger: logger}, nil
}

func connect(c *cli.Context, e env, skipRedis bool) (*app.Dependencies, error) {
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	return app.New(ctx, e.cfg, e.logger, app.Options{AppName: "ffcsa-cli", SkipRedis: skipRedis})
}

func syncPricesCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-prices",
		Usage: "Push derived prices to every LocalLine price list",
		Flags: []cli.Flag{
			&cli.Int64SliceFlag{
				Name:  "id",
				Usage: "Product id to sync; repeat for several. Defaults to every linked product",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Log the writes without calling LocalLine",
			},
			&cli.BoolFlag{
				Name:  "link-missing",
				Usage: "Add products to price lists they are not on",
			},
			&cli.BoolFlag{
				Name:  "enqueue",
				Usage: "Enqueue one background task per product instead of syncing inline",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Products synced in parallel (defaults to SYNC_CONCURRENCY)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the run summary as JSON",
			},
		},
		Action: runSyncPrices,
	}
}

func runSyncPrices(c *cli.Context) error {
	e, err := load(c)
	if err != nil {
		return err
	}
	stopTracing := app.InitTracing(c.Context, e.cfg, e.cfg.Obs.ServiceName+"-cli", e.logger)
	defer stopTracing()

	deps, err := connect(c, e, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	syncer, err := deps.Syncer()
	if err != nil {
		return err
	}
	opts := syncer.Options()
	opts.DryRun = opts.DryRun || c.Bool("dry-run")
	opts.LinkMissing = c.Bool("link-missing")
	if n := c.Int("concurrency"); n > 0 {
		opts.Concurrency = n
	}
	syncer = syncer.WithOptions(opts)
	ids := c.Int64Slice("id")

	if c.Bool("enqueue") {
		return enqueueSync(c, e, deps, ids, opts)
	}

	summary, err := syncer.Run(c.Context, ids, e.cfg.Sync.LockTTL)
	if errors.Is(err, pricesync.ErrRunInProgress) {
		return cli.Exit("another price sync is running", 2)
	}
	if c.Bool("json") {
		if werr := writeJSON(c.App.Writer, summary); werr != nil {
			return werr
		}
	} else {
		printSummary(c.App.Writer, summary)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return cli.Exit(fmt.Sprintf("%d products failed", summary.Failed), 1)
	}
	return nil
}

func enqueueSync(c *cli.Context, e env, deps *app.Dependencies, ids []int64, opts pricesync.Options) error {
	if e.cfg.RedisURL == "" {
		return errors.New("--enqueue needs REDIS_URL")
	}
	redisOpt, err := asynq.ParseRedisURI(e.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis uri: %w", err)
	}
	client := asynq.NewClient(redisOpt)
	defer func() { _ = client.Close() }()

	if len(ids) == 0 {
		if ids, err = deps.Products.ListIDs(c.Context, true); err != nil {
			return err
		}
	}
	enqueuer := queue.Enqueuer{Client: client, MaxRetry: e.cfg.Queue.MaxRetry}
	for i, id := range ids {
		if err := enqueuer.EnqueueProductSync(c.Context, id, opts); err != nil {
			return fmt.Errorf("enqueue product %d after %d tasks: %w", id, i, err)
		}
	}
	e.logger.Info().Int("enqueued", len(ids)).Bool("dry_run", opts.DryRun).Msg("price sync tasks enqueued")
	return nil
}

func printSummary(w io.Writer, s pricesync.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRODUCT\tRESULT\tDETAIL")
	for _, r := range s.Reports {
		result := r.Result()
		if result == "ok" {
			continue
		}
		detail := r.Error
		if detail == "" {
			detail = r.Skipped
		}
		for _, l := range r.Lists {
			if l.Status == pricesync.StatusFailed {
				detail = l.PriceList + ": " + l.Reason
				break
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ProductID, r.Name, result, detail)
	}
	_ = tw.Flush()
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "run %s%s: %d products, %d ok, %d partial, %d skipped, %d failed in %s\n",
		s.RunID, mode, s.Products, s.OK, s.Partial, s.Skipped, s.Failed, s.Duration.Round(time.Millisecond))
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export-pricelist",
		Usage: "Write the master pricelist and variables CSVs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Output directory (defaults to EXPORT_DIR)",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := load(c)
			if err != nil {
				return err
			}
			deps, err := connect(c, e, true)
			if err != nil {
				return err
			}
			defer deps.Close()

			dir := c.String("dir")
			if dir == "" {
				dir = e.cfg.ExportDir
			}
			exporter := export.Exporter{Source: deps.Products, Engine: deps.Engine, Logger: obs.Component(e.logger, "export")}
			files, err := exporter.ExportFiles(c.Context, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s (%d rows, %d invalid)\n%s\n",
				files.Pricelist, files.Stats.Rows, files.Stats.Invalid, files.Variables)
			return nil
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Print the derived prices and price list entries of one product",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "id",
				Usage:    "Product id",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			e, err := load(c)
			if err != nil {
				return err
			}
			deps, err := connect(c, e, true)
			if err != nil {
				return err
			}
			defer deps.Close()

			syncer, err := deps.Syncer()
			if err != nil {
				return err
			}
			preview, err := syncer.Preview(c.Context, c.Int64("id"))
			if errors.Is(err, repo.ErrNotFound) {
				return cli.Exit(fmt.Sprintf("product %d not found", c.Int64("id")), 1)
			}
			if err != nil {
				return err
			}
			return writeJSON(c.App.Writer, preview)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			e, err := load(c)
			if err != nil {
				return err
			}
			if err := repo.Migrate(e.cfg.DatabaseURL); err != nil {
				return err
			}
			e.logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
