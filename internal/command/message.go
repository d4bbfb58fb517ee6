package command

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"sitecache/internal/admin"
	"sitecache/internal/worker"
)

func adminClient(cmd *cli.Command) *admin.Client {
	return admin.NewClient(cmd.String("admin"), cmd.Duration("timeout"))
}

func messageCommand() *cli.Command {
	return &cli.Command{
		Name:      "message",
		Usage:     "send a control message to a running worker",
		ArgsUsage: worker.ActionSkipWaiting + "|" + worker.ActionClearCache,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			action := cmd.Args().First()
			if action == "" {
				return fmt.Errorf("message: an action is required")
			}
			if err := adminClient(cmd).SendMessage(ctx, action); err != nil {
				return err
			}
			printf(cmd, "sent %s\n", action)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the worker phase and its partitions",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := adminClient(cmd).Status(ctx)
			if err != nil {
				return err
			}
			printf(cmd, "phase: %s\n", st.Phase)
			for _, p := range st.Partitions {
				printf(cmd, "  %-24s %d entries\n", p.Name, p.Entries)
			}
			return nil
		},
	}
}
