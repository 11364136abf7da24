// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/forumstore"
	"github.com/poiesic/forumstore/config"
	"github.com/poiesic/forumstore/ingestion"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "forumstore",
		Usage:  "Persistence and caching core for scraped forum threads",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file (default: user config dir)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Storage backend (sqlite, badger, memory); overrides config",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Database file or directory; overrides config",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Import scraper dump files (JSON lines)",
				ArgsUsage: "FILE...",
				Action:    importCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Print import progress to stderr",
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N entities",
						Value: 100,
					},
				},
			},
			{
				Name:      "thread",
				Usage:     "Print one thread",
				ArgsUsage: "ID",
				Action:    threadCommand,
			},
			{
				Name:   "recent",
				Usage:  "Print the most recently active threads",
				Action: recentCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of threads to print",
						Value: 20,
					},
				},
			},
			{
				Name:      "comments",
				Usage:     "Print a thread's comments, newest first",
				ArgsUsage: "THREAD_ID",
				Action:    commentsCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of comments to print",
						Value: 50,
					},
				},
			},
			{
				Name:   "cleanup",
				Usage:  "Delete threads inactive for longer than the retention window",
				Action: cleanupCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "max-age",
						Usage: "Retention window; overrides config",
					},
				},
			},
			{
				Name:   "run",
				Usage:  "Run the retention schedule until interrupted",
				Action: runCommand,
			},
		},
	}
}

// setup configures logging and loads the configuration.
func setup(c *cli.Context) error {
	if err := setupLogger(c); err != nil {
		return err
	}

	var opts []config.Option
	if backend := c.String("backend"); backend != "" {
		opts = append(opts, config.WithBackend(backend))
	}
	if db := c.String("db"); db != "" {
		opts = append(opts, config.WithDBPath(db))
	}
	if c.IsSet("log-level") {
		opts = append(opts, config.WithLogLevel(c.String("log-level")))
	}

	cfg, err := config.Load(c.String("config"), opts...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !c.IsSet("log-level") && cfg.LogLevel != "" {
		level, _ := config.ParseLevel(cfg.LogLevel)
		installLogger(level)
	}

	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	level, err := config.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}
	installLogger(level)
	return nil
}

func installLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func loadedConfig(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// withDatabase opens the database, runs fn, and closes the database with
// the configured shutdown bound.
func withDatabase(c *cli.Context, fn func(db *forumstore.Database, cfg *config.Config) error) error {
	cfg := loadedConfig(c)
	db, err := forumstore.NewDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	runErr := fn(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Cache.ShutdownTimeout)
	defer cancel()
	if err := db.Close(ctx); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to close database: %w", err))
	}
	return runErr
}

func importCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one dump file is required")
	}
	return withDatabase(c, func(db *forumstore.Database, cfg *config.Config) error {
		var opts []ingestion.Option
		if c.Bool("progress") {
			opts = append(opts, ingestion.WithProgress(os.Stderr, c.Int("report-interval")))
		}
		pipeline, err := db.NewIngestionPipeline(opts...)
		if err != nil {
			return fmt.Errorf("failed to create pipeline: %w", err)
		}
		defer pipeline.Release()

		stats, err := pipeline.ImportFiles(c.Context, c.Args().Slice()...)
		fmt.Fprintf(c.App.Writer, "files=%d threads=%d comments=%d invalid=%d failed=%d\n",
			stats.Files, stats.Threads, stats.Comments, stats.Invalid, stats.Failed)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		return nil
	})
}

func threadCommand(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("thread ID is required")
	}
	return withDatabase(c, func(db *forumstore.Database, cfg *config.Config) error {
		thread, err := db.Cache().GetThread(c.Context, id)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, thread)
	})
}

func recentCommand(c *cli.Context) error {
	return withDatabase(c, func(db *forumstore.Database, cfg *config.Config) error {
		threads, err := db.Cache().GetRecentThreads(c.Context, c.Int("limit"))
		if err != nil {
			return err
		}
		for _, thread := range threads {
			if err := printJSON(c.App.Writer, thread); err != nil {
				return err
			}
		}
		return nil
	})
}

func commentsCommand(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("thread ID is required")
	}
	return withDatabase(c, func(db *forumstore.Database, cfg *config.Config) error {
		comments, err := db.Cache().GetCommentsForThread(c.Context, id, c.Int("limit"))
		if err != nil {
			return err
		}
		for _, comment := range comments {
			if err := printJSON(c.App.Writer, comment); err != nil {
				return err
			}
		}
		return nil
	})
}

func cleanupCommand(c *cli.Context) error {
	return withDatabase(c, func(db *forumstore.Database, cfg *config.Config) error {
		maxAge := cfg.Retention.MaxAge
		if c.IsSet("max-age") {
			maxAge = c.Duration("max-age")
		}
		if maxAge <= 0 {
			return fmt.Errorf("max-age must be greater than 0")
		}

		ctx, cancel := context.WithTimeout(c.Context, cfg.Retention.RunTimeout)
		defer cancel()
		deleted, err := db.Cache().CleanupOldThreads(maxAge).Wait(ctx)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "deleted=%d\n", deleted)
		return nil
	})
}

func runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withDatabase(c, func(db *forumstore.Database, cfg *config.Config) error {
		if err := db.Cache().WarmUp(ctx); err != nil {
			slog.Warn("cache warm-up failed", "err", err)
		}
		db.StartRetention()
		slog.Info("retention running",
			"schedule", cfg.Retention.Schedule,
			"max_age", cfg.Retention.MaxAge,
			"next_run", db.Retention().NextRun().Format(time.RFC3339))

		<-ctx.Done()
		slog.Info("shutting down", "pending_writes", db.Cache().Pending())
		return nil
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}
