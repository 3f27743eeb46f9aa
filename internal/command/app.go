// Package command builds the codedeck CLI.
package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"

	"codedeck/internal/config"
)

// RunRequest selects the code for a one-shot run: either a stored file or an
// inline snippet.
type RunRequest struct {
	FileID string
	Code   string
}

type Deps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config) error
	RunAPIMode   func(context.Context, config.Config) error
	RunExecMode  func(context.Context, config.Config) error
	RunCode      func(context.Context, config.Config, RunRequest) error
	RunMigrateUp func(context.Context, config.Config) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "codedeck",
		Usage: "collaborative code editor runtime",
		Action: func(ctx *cli.Context) error {
			cfg := loadConfig(deps)
			return runServe(ctx.Context, deps, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the editor API and execution backend",
				Action: func(ctx *cli.Context) error {
					cfg := loadConfig(deps)
					return runServe(ctx.Context, deps, cfg)
				},
				Subcommands: []*cli.Command{
					{
						Name:  "api",
						Usage: "start only the editor API",
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return runAPIMode(ctx.Context, deps, cfg)
						},
					},
					{
						Name:  "exec",
						Usage: "start only the execution backend",
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return runExecMode(ctx.Context, deps, cfg)
						},
					},
				},
			},
			{
				Name:  "run",
				Usage: "run code against the execution backend",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "stored file id to run"},
					&cli.StringFlag{Name: "code", Usage: "inline code to run"},
				},
				Action: func(ctx *cli.Context) error {
					cfg := loadConfig(deps)
					req := RunRequest{FileID: ctx.String("file"), Code: ctx.String("code")}
					return runCode(ctx.Context, deps, cfg, req)
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return runMigrateUp(ctx.Context, deps, cfg)
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runAPIMode(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunAPIMode == nil {
		return errors.New("api mode runner is not configured")
	}
	return deps.RunAPIMode(ctx, cfg)
}

func runExecMode(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunExecMode == nil {
		return errors.New("exec mode runner is not configured")
	}
	return deps.RunExecMode(ctx, cfg)
}

func runCode(ctx context.Context, deps Deps, cfg config.Config, req RunRequest) error {
	if deps.RunCode == nil {
		return errors.New("run command is not configured")
	}
	return deps.RunCode(ctx, cfg, req)
}

func runMigrateUp(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunMigrateUp == nil {
		return errors.New("migrate up runner is not configured")
	}
	return deps.RunMigrateUp(ctx, cfg)
}
