package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v3"

	"sitecache/internal/expcache"
	"sitecache/internal/proxy"
)

func kvCommand() *cli.Command {
	return &cli.Command{
		Name:  "kv",
		Usage: "operate the local expiring cache directly on the configured store",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print a value as JSON",
				ArgsUsage: "<key>",
				Action: withKV(func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error {
					key, err := requireArg(cmd, 0, "key")
					if err != nil {
						return err
					}
					var raw json.RawMessage
					if !kv.Get(ctx, key, &raw) {
						return fmt.Errorf("%s: not found", key)
					}
					printf(cmd, "%s\n", raw)
					return nil
				}),
			},
			{
				Name:      "set",
				Usage:     "store a value; JSON is stored as-is, anything else as a string",
				ArgsUsage: "<key> <value>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Usage: "time to live; the cache default when unset"},
				},
				Action: withKV(func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error {
					key, err := requireArg(cmd, 0, "key")
					if err != nil {
						return err
					}
					value, err := requireArg(cmd, 1, "value")
					if err != nil {
						return err
					}

					var v any = value
					if gjson.Valid(value) {
						v = json.RawMessage(value)
					}
					if !kv.SetWithTTL(ctx, key, v, cmd.Duration("ttl")) {
						return fmt.Errorf("%s: store rejected the write", key)
					}
					return nil
				}),
			},
			{
				Name:      "rm",
				Usage:     "remove a key",
				ArgsUsage: "<key>",
				Action: withKV(func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error {
					key, err := requireArg(cmd, 0, "key")
					if err != nil {
						return err
					}
					if !kv.Remove(ctx, key) {
						return fmt.Errorf("%s: remove failed", key)
					}
					return nil
				}),
			},
			{
				Name:  "clear",
				Usage: "remove every key in the namespace",
				Action: withKV(func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error {
					if !kv.Clear(ctx) {
						return fmt.Errorf("clear failed")
					}
					return nil
				}),
			},
			{
				Name:  "cleanup",
				Usage: "drop expired entries and trim to the entry ceiling",
				Action: withKV(func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error {
					report, err := kv.Cleanup(ctx)
					if err != nil {
						return err
					}
					printf(cmd, "expired %d, evicted %d\n", report.Expired, report.Evicted)
					return nil
				}),
			},
			{
				Name:  "stats",
				Usage: "summarize the namespace",
				Action: withKV(func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error {
					st, err := kv.Stats(ctx)
					if err != nil {
						return err
					}
					printf(cmd, "namespace: %s\n", kv.Namespace())
					printf(cmd, "items:     %d (%d valid, %d expired, max %d)\n",
						st.TotalItems, st.ValidItems, st.ExpiredItems, kv.MaxEntries())
					printf(cmd, "size:      %s\n", humanize.Bytes(uint64(st.TotalSizeBytes)))
					return nil
				}),
			},
		},
	}
}

type kvAction func(ctx context.Context, cmd *cli.Command, kv *expcache.Cache) error

func withKV(fn kvAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		kv, closeKV, err := proxy.NewBuilder(cfg, logger).OpenKV(ctx)
		if err != nil {
			return err
		}
		defer closeKV()
		return fn(ctx, cmd, kv)
	}
}

func requireArg(cmd *cli.Command, i int, name string) (string, error) {
	v := cmd.Args().Get(i)
	if v == "" {
		return "", fmt.Errorf("missing <%s>", name)
	}
	return v, nil
}
