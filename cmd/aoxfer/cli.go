package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/woxQAQ/aoxfer/internal/config"
	"github.com/woxQAQ/aoxfer/internal/drive"
	"github.com/woxQAQ/aoxfer/internal/plan"
	"github.com/woxQAQ/aoxfer/internal/runner"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run a plan's round trips through one worker",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "plan",
			Aliases:  []string{"p"},
			Required: true,
			Usage:    "Path to the plan YAML",
		},
		&cli.StringFlag{
			Name:  "memory-in",
			Usage: "Memory image to start from instead of a fresh module",
		},
		&cli.StringFlag{
			Name:  "memory-out",
			Usage: "Write the final memory image to this file",
		},
		&cli.StringFlag{
			Name:  "store-memory",
			Usage: "Store the final memory image in the drive under this id",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, logger, err := loadConfig(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		p, err := plan.Parse(c.String("plan"))
		if err != nil {
			return err
		}

		var prior []byte
		if path := c.String("memory-in"); path != "" {
			if prior, err = os.ReadFile(path); err != nil {
				return fmt.Errorf("failed to read memory image: %w", err)
			}
		}

		r, err := runner.New(c.Context, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.Close(ctx); err != nil {
				logger.Error("Failed to shut down runner", zap.Error(err))
			}
		}()

		start := time.Now()
		outcomes, err := r.Run(c.Context, p, prior)
		for _, out := range outcomes {
			fmt.Fprintf(c.App.Writer, "round %d: memory %s\n", out.Round, humanize.IBytes(uint64(len(out.Memory))))
			if out.RemoteOutput != "" {
				fmt.Fprintf(c.App.Writer, "  remote: %s\n", out.RemoteOutput)
			}
			fmt.Fprintf(c.App.Writer, "  output: %s\n", out.Output)
		}
		if err != nil {
			return err
		}
		logger.Info("Plan complete", zap.String("plan", p.Name), zap.Duration("duration", time.Since(start)))

		if len(outcomes) == 0 {
			return nil
		}
		final := outcomes[len(outcomes)-1].Memory

		if path := c.String("memory-out"); path != "" {
			if err := os.WriteFile(path, final, 0o644); err != nil {
				return fmt.Errorf("failed to write memory image: %w", err)
			}
		}
		if id := c.String("store-memory"); id != "" {
			if err := r.Drive().Put(c.Context, id, final); err != nil {
				return err
			}
		}
		return nil
	},
}

var workerCmd = &cli.Command{
	Name:   runner.WorkerCommand,
	Usage:  "Serve transfer requests on stdin/stdout (started by run)",
	Hidden: true,
	Action: func(c *cli.Context) error {
		env, err := config.LoadWorkerEnv()
		if err != nil {
			return err
		}

		logger, err := newLogger(env.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()
		logger = logger.With(zap.Int("pid", os.Getpid()))

		r, err := runner.New(c.Context, env.Config(), logger)
		if err != nil {
			return err
		}
		defer r.Close(context.Background())

		return r.ServeWorker(c.Context, os.Stdin, os.Stdout)
	},
}

var planCmd = &cli.Command{
	Name:  "plan",
	Usage: "Validate a plan and print its rounds",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "plan",
			Aliases:  []string{"p"},
			Required: true,
			Usage:    "Path to the plan YAML",
		},
	},
	Action: func(c *cli.Context) error {
		p, err := plan.Parse(c.String("plan"))
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "%s: %d round(s)\n", p.Name, len(p.Rounds))
		for i, r := range p.Rounds {
			fmt.Fprintf(c.App.Writer, "  %d. produce=%s remote=%s resume=%s\n", i+1,
				describe(r.Produce), describe(r.Remote), describe(r.Resume))
		}
		return nil
	},
}

func describe(m *plan.MessageSpec) string {
	switch {
	case m == nil:
		return "-"
	case m.DataFile != "":
		return m.Action + "(" + m.DataFile + ")"
	default:
		return m.Action + "(" + humanize.Bytes(uint64(len(m.Data))) + ")"
	}
}

var idFlag = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "Content id",
}

var driveCmd = &cli.Command{
	Name:  "drive",
	Usage: "Manage the content drive read by weavedrive imports",
	Subcommands: []*cli.Command{
		{
			Name:  "put",
			Usage: "Store a file under an id",
			Flags: []cli.Flag{
				idFlag,
				&cli.StringFlag{
					Name:     "file",
					Required: true,
					Usage:    "File to store",
				},
			},
			Action: withDrive(func(c *cli.Context, store *drive.Store) error {
				data, err := os.ReadFile(c.String("file"))
				if err != nil {
					return err
				}
				if err := store.Put(c.Context, c.String("id"), data); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "stored %s (%s)\n", c.String("id"), humanize.IBytes(uint64(len(data))))
				return nil
			}),
		},
		{
			Name:  "get",
			Usage: "Write the content stored under an id",
			Flags: []cli.Flag{
				idFlag,
				&cli.StringFlag{
					Name:  "out",
					Usage: "Destination file; stdout when empty",
				},
			},
			Action: withDrive(func(c *cli.Context, store *drive.Store) error {
				data, err := store.Get(c.Context, c.String("id"))
				if err != nil {
					return err
				}
				if out := c.String("out"); out != "" {
					return os.WriteFile(out, data, 0o644)
				}
				_, err = c.App.Writer.Write(data)
				return err
			}),
		},
		{
			Name:  "has",
			Usage: "Report whether an id is stored, and its size",
			Flags: []cli.Flag{idFlag},
			Action: withDrive(func(c *cli.Context, store *drive.Store) error {
				size, err := store.Size(c.Context, c.String("id"))
				if errors.Is(err, drive.ErrNotFound) {
					fmt.Fprintf(c.App.Writer, "%s: not found\n", c.String("id"))
					return cli.Exit("", 1)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s: %s (%d bytes)\n", c.String("id"), humanize.IBytes(uint64(size)), size)
				return nil
			}),
		},
	},
}

// withDrive opens the configured drive around a subcommand.
func withDrive(action func(*cli.Context, *drive.Store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, logger, err := loadConfig(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Drive.Path == "" {
			return fmt.Errorf("drive.path is not configured; an in-memory drive would not persist")
		}
		store, err := drive.OpenLevelDB(cfg.Drive.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		return action(c, store)
	}
}
