// Package command holds the sitecache CLI.
package command

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"sitecache/internal/config"
	"sitecache/internal/logging"
)

const (
	defaultConfigPath = "./configs/sitecache.yaml"
	defaultAdminURL   = "http://127.0.0.1:9090"
)

// NewApp builds the root command. Output goes to out.
func NewApp(out io.Writer) *cli.Command {
	app := &cli.Command{
		Name:   "sitecache",
		Usage:  "offline-capable caching layer for a static site",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   defaultConfigPath,
				Sources: cli.EnvVars("SITECACHE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "admin",
				Usage:   "base URL of a running admin server",
				Value:   defaultAdminURL,
				Sources: cli.EnvVars("SITECACHE_ADMIN"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "admin request timeout",
				Value: 10 * time.Second,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			precacheCommand(),
			messageCommand(),
			statusCommand(),
			kvCommand(),
		},
	}

	sort.Slice(app.Flags, func(i, j int) bool {
		return app.Flags[i].Names()[0] < app.Flags[j].Names()[0]
	})
	return app
}

func loadConfig(cmd *cli.Command) (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func out(cmd *cli.Command) io.Writer {
	return cmd.Root().Writer
}

func printf(cmd *cli.Command, format string, args ...any) {
	fmt.Fprintf(out(cmd), format, args...)
}
