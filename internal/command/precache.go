package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"sitecache/internal/config"
	"sitecache/internal/proxy"
	"sitecache/internal/worker"
)

var errVolatileStorage = errors.New("precache needs a persistent worker.storage driver (bolt)")

func precacheCommand() *cli.Command {
	return &cli.Command{
		Name:   "precache",
		Usage:  "install and activate the worker against persistent storage, then exit",
		Action: precacheAction,
	}
}

func precacheAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Worker.Storage.Driver != config.DriverBolt {
		return errVolatileStorage
	}

	b := proxy.NewBuilder(cfg, logger)

	storage, closeStorage, err := b.OpenResponseStorage()
	if err != nil {
		return err
	}
	defer closeStorage()

	pool, err := b.BuildPool(ctx)
	if err != nil {
		return err
	}

	scheduler := &worker.AsyncScheduler{}
	defer scheduler.Wait()

	w, err := b.BuildWorker(storage, pool, scheduler)
	if err != nil {
		return err
	}

	installed, err := w.Install(ctx)
	if err != nil {
		return err
	}
	if installed.PartitionErr != nil {
		return installed.PartitionErr
	}
	activated, err := w.Activate(ctx)
	if err != nil {
		return err
	}
	if activated.PartitionErr != nil {
		printf(cmd, "cleanup skipped: %v\n", activated.PartitionErr)
	}

	printf(cmd, "cached %d, failed %d\n", len(installed.Cached), len(installed.Failed))
	for _, f := range installed.Failed {
		printf(cmd, "  failed %s: %v\n", f.URL, f.Err)
	}
	for _, name := range activated.Deleted {
		printf(cmd, "deleted partition %s\n", name)
	}
	return nil
}
