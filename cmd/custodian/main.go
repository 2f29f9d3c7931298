package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/custodian/internal"
	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/fileservice"
	"github.com/starford/custodian/internal/mcpserver"
	pkgconfig "github.com/starford/custodian/pkg/config"
)

var version = "dev"

// Exit codes.
const (
	exitOther         = 1
	exitUnclean       = 2
	exitConflict      = 3
	exitNotFound      = 4
	exitHasDependents = 5
)

// errUnclean marks a standards check that left violations behind.
var errUnclean = errors.New("standards violations found")

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if root := cmd.String("workspace"); root != "" {
		cfg.Workspace.Root = root
	}
	return cfg, nil
}

// withService opens the workspace for the duration of fn.
func withService(fn func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := internal.Open(cfg, internal.NewLogger(cfg, os.Stderr))
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, fileservice.NewService(a.Guardian))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// content returns --content, or the file named by --from ("-" is stdin).
func content(cmd *cli.Command) ([]byte, error) {
	from := cmd.String("from")
	switch {
	case from == "-":
		return io.ReadAll(os.Stdin)
	case from != "":
		return os.ReadFile(from)
	case cmd.IsSet("content"):
		return []byte(cmd.String("content")), nil
	}
	return nil, errors.New("one of --content or --from is required")
}

var (
	fileFlag    = &cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Workspace path of the file", Required: true}
	contentFlag = &cli.StringFlag{Name: "content", Usage: "Content to write"}
	fromFlag    = &cli.StringFlag{Name: "from", Usage: "Read content from this file (- for stdin)"}
	purposeFlag = &cli.StringFlag{Name: "purpose", Aliases: []string{"p"}, Usage: "What the file is for"}
)

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "register",
			Usage: "Adopt an existing file into the registry",
			Flags: []cli.Flag{
				fileFlag,
				purposeFlag,
				&cli.StringSliceFlag{Name: "dep", Usage: "Path this file depends on (repeatable)"},
				&cli.BoolFlag{Name: "overwrite", Usage: "Re-register even if the registered content differs"},
			},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				rec, err := svc.Register(ctx, cmd.String("file"), cmd.String("purpose"), cmd.StringSlice("dep"), cmd.Bool("overwrite"))
				if err != nil {
					return err
				}
				return printJSON(rec)
			}),
		},
		{
			Name:  "scan",
			Usage: "Reconcile the registry with the files on disk",
			Action: withService(func(ctx context.Context, _ *cli.Command, svc *fileservice.Service) error {
				rep, err := svc.Scan(ctx)
				if err != nil {
					return err
				}
				return printJSON(rep)
			}),
		},
		{
			Name:  "check",
			Usage: "Run the organization standards",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "autofix", Usage: "Apply registry-only repairs"},
			},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				rep, err := svc.CheckStandards(ctx, cmd.Bool("autofix"))
				if err != nil {
					return err
				}
				if err := printJSON(rep); err != nil {
					return err
				}
				if !rep.Clean() {
					return errUnclean
				}
				return nil
			}),
		},
		{
			Name:  "conflict",
			Usage: "Check proposed content against the registry without writing it",
			Flags: []cli.Flag{fileFlag, purposeFlag, contentFlag, fromFlag},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				data, err := content(cmd)
				if err != nil {
					return err
				}
				d, err := svc.CheckConflict(ctx, cmd.String("file"), data, cmd.String("purpose"))
				if err != nil {
					return err
				}
				return printJSON(d)
			}),
		},
		{
			Name:  "create",
			Usage: "Create a tracked file",
			Flags: []cli.Flag{
				fileFlag, purposeFlag, contentFlag, fromFlag,
				&cli.BoolFlag{Name: "overwrite", Usage: "Replace an existing file"},
			},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				data, err := content(cmd)
				if err != nil {
					return err
				}
				d, err := svc.CreateFile(ctx, cmd.String("file"), data, cmd.String("purpose"), cmd.Bool("overwrite"))
				if err != nil {
					return err
				}
				return printJSON(d.FileRecord)
			}),
		},
		{
			Name:  "edit",
			Usage: "Replace the content of a tracked file",
			Flags: []cli.Flag{
				fileFlag, contentFlag, fromFlag,
				&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Why the file changes", Required: true},
				&cli.StringFlag{Name: "expect", Usage: "Fail unless the registered digest equals this"},
			},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				data, err := content(cmd)
				if err != nil {
					return err
				}
				d, err := svc.UpdateFile(ctx, cmd.String("file"), data, cmd.String("reason"), cmd.String("expect"))
				if err != nil {
					return err
				}
				return printJSON(d.FileRecord)
			}),
		},
		{
			Name:  "delete",
			Usage: "Delete a tracked file, keeping a backup and a tombstone",
			Flags: []cli.Flag{
				fileFlag,
				&cli.BoolFlag{Name: "force", Usage: "Delete even when other files reference it"},
			},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				rec, err := svc.DeleteFile(ctx, cmd.String("file"), cmd.Bool("force"))
				if err != nil {
					return err
				}
				return printJSON(rec)
			}),
		},
		{
			Name:  "history",
			Usage: "Show the version history and backups of a path",
			Flags: []cli.Flag{fileFlag},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				hist, err := svc.History(ctx, cmd.String("file"))
				if err != nil {
					return err
				}
				backups, err := svc.Backups(ctx, cmd.String("file"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"history": hist, "backups": backups})
			}),
		},
		{
			Name:  "restore",
			Usage: "Restore a file from one of its backups",
			Flags: []cli.Flag{
				fileFlag,
				&cli.StringFlag{Name: "backup", Aliases: []string{"b"}, Usage: "Backup identifier", Required: true},
			},
			Action: withService(func(ctx context.Context, cmd *cli.Command, svc *fileservice.Service) error {
				rec, err := svc.RestoreFile(ctx, cmd.String("file"), cmd.String("backup"))
				if err != nil {
					return err
				}
				return printJSON(rec)
			}),
		},
		{
			Name:  "prune",
			Usage: "Apply a retention policy to every file's backups",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "keep-last", Usage: "Keep the newest N backups per file (defaults to backup.keep_last)"},
				&cli.DurationFlag{Name: "max-age", Usage: "Prune backups older than this (defaults to backup.max_age)"},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				policy := cfg.Backup
				if cmd.IsSet("keep-last") {
					policy.KeepLast = int(cmd.Int("keep-last"))
				}
				if cmd.IsSet("max-age") {
					policy.MaxAge = cmd.Duration("max-age")
				}
				a, err := internal.Open(cfg, internal.NewLogger(cfg, os.Stderr))
				if err != nil {
					return err
				}
				defer a.Close()
				pruned, err := fileservice.NewService(a.Guardian).PruneBackups(ctx, policy.Policy())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"pruned": pruned})
			},
		},
		{
			Name:  "watch",
			Usage: "Run the watch daemon (with the HTTP API when http.enabled)",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				opts := []internal.Option{
					internal.WithConfig(cfg),
					internal.WithVersion(version),
				}
				if err := internal.Run(ctx, opts...); err != nil {
					return fmt.Errorf("app run error: %w", err)
				}
				return nil
			},
		},
		{
			Name:  "mcp",
			Usage: "Serve the custodian tools over MCP on stdio",
			Action: withService(func(_ context.Context, _ *cli.Command, svc *fileservice.Service) error {
				return mcpserver.New(svc, version).ServeStdio()
			}),
		},
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrHasDependents):
		return exitHasDependents
	case errors.Is(err, apperr.ErrNotFound):
		return exitNotFound
	case errors.Is(err, apperr.ErrConflict):
		return exitConflict
	case errors.Is(err, errUnclean):
		return exitUnclean
	}
	return exitOther
}

func main() {
	cmd := &cli.Command{
		Name:    "custodian",
		Usage:   "File registry with guarded edits, backups and cross-reference tracking",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/custodian.yaml",
				Value:       "config/custodian.yaml",
				Sources:     cli.EnvVars("CUSTODIAN_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Workspace root (overrides workspace.root)",
				Sources: cli.EnvVars("CUSTODIAN_WORKSPACE"),
			},
		},
		Commands: commands(),
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("custodian error", slog.String("error", err.Error()))
		os.Exit(exitCode(err))
	}
}
