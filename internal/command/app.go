package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"paneloom/internal/config"
)

// Deps wires the CLI's actions to the rest of the program; every field is
// overridable so tests can drive the app without starting real I/O.
type Deps struct {
	LoadConfig        func() config.Config
	RunServe          func(context.Context, config.Config) error
	RunSnapshotExport func(context.Context, config.Config, string) error
	RunSnapshotImport func(context.Context, config.Config, string) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "paneloom",
		Usage: "multi-pane agent-session monitor",
		Action: func(ctx *cli.Context) error {
			cfg := loadConfig(deps)
			return runServe(ctx.Context, deps, cfg, ctx)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the monitor service",
				Flags: serveFlags(),
				Action: func(ctx *cli.Context) error {
					cfg := loadConfig(deps)
					return runServe(ctx.Context, deps, cfg, ctx)
				},
			},
			{
				Name:  "snapshot",
				Usage: "manage the timeline snapshot file",
				Subcommands: []*cli.Command{
					{
						Name:  "export",
						Usage: "write the current snapshot to a file",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "out", Usage: "destination path", Required: true},
						},
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return runSnapshotExport(ctx.Context, deps, cfg, ctx.String("out"))
						},
					},
					{
						Name:  "import",
						Usage: "load a snapshot file, replacing the current store",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "in", Usage: "source path", Required: true},
						},
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return runSnapshotImport(ctx.Context, deps, cfg, ctx.String("in"))
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

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "local listen host",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "local listen port",
		},
		&cli.StringFlag{
			Name:  "config-file",
			Usage: "path to a TOML config file",
		},
		&cli.StringFlag{
			Name:  "snapshot-path",
			Usage: "path to the snapshot persistence file",
		},
		&cli.StringFlag{
			Name:  "default-range",
			Usage: "default timeline range tag",
		},
	}
}

func runServe(ctx context.Context, deps Deps, cfg config.Config, cliCtx *cli.Context) error {
	if cliCtx != nil && cliCtx.Args().Len() > 0 {
		return fmt.Errorf("unexpected argument: %s", cliCtx.Args().First())
	}
	cfg = applyServeFlagOverrides(cliCtx, cfg)
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func applyServeFlagOverrides(cliCtx *cli.Context, cfg config.Config) config.Config {
	if cliCtx == nil {
		return cfg
	}

	if cliCtx.IsSet("host") {
		cfg.ListenHost = strings.TrimSpace(cliCtx.String("host"))
	}
	if cliCtx.IsSet("port") {
		cfg.ListenPort = cliCtx.Int("port")
	}
	if cliCtx.IsSet("snapshot-path") {
		cfg.SnapshotPath = strings.TrimSpace(cliCtx.String("snapshot-path"))
	}
	if cliCtx.IsSet("default-range") {
		cfg.DefaultRangeTag = strings.TrimSpace(cliCtx.String("default-range"))
	}
	if cliCtx.IsSet("config-file") {
		_ = os.Setenv("PANELOOM_CONFIG_FILE", strings.TrimSpace(cliCtx.String("config-file")))
	}

	return cfg
}

func runSnapshotExport(ctx context.Context, deps Deps, cfg config.Config, out string) error {
	if out == "" {
		return errors.New("missing required --out path")
	}
	if deps.RunSnapshotExport == nil {
		return errors.New("snapshot export runner is not configured")
	}
	return deps.RunSnapshotExport(ctx, cfg, out)
}

func runSnapshotImport(ctx context.Context, deps Deps, cfg config.Config, in string) error {
	if in == "" {
		return errors.New("missing required --in path")
	}
	if deps.RunSnapshotImport == nil {
		return errors.New("snapshot import runner is not configured")
	}
	return deps.RunSnapshotImport(ctx, cfg, in)
}
