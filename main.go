package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-mysql-org/go-mysql/client"

	"github.com/rillstream/go-mysql-cdc/admin"
	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/logger"
	"github.com/rillstream/go-mysql-cdc/offsets"
	"github.com/rillstream/go-mysql-cdc/publish"
	"github.com/rillstream/go-mysql-cdc/schema"
	"github.com/rillstream/go-mysql-cdc/snapshot"
	"github.com/rillstream/go-mysql-cdc/task"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	ctx := context.Background()

	conf, err := cfg.Load(*configPath)
	if err != nil {
		logger.ErrorWith(ctx, err).Msg("load config")
		os.Exit(1)
	}

	logger.Configure(conf.Logging.Format, conf.Logging.Verbose)

	store, err := openOffsetStore(conf.Offsets)
	if err != nil {
		logger.ErrorWith(ctx, err).Msg("open offset store")
		os.Exit(1)
	}

	metaStore, err := schema.NewStore(conf.Source)
	if err != nil {
		logger.ErrorWith(ctx, err).Msg("open source metadata store")
		os.Exit(1)
	}
	schemas := schema.NewCache(metaStore)

	sink, err := publish.NewKafkaSink(conf.Kafka)
	if err != nil {
		logger.ErrorWith(ctx, err).Msg("connect kafka")
		os.Exit(1)
	}

	source := conf.Source
	snapshotConn := func() (snapshot.Conn, error) {
		return client.Connect(
			fmt.Sprintf("%s:%d", source.Host, source.Port),
			source.User, source.Password, "")
	}

	supervisor := task.NewSupervisor(task.Deps{
		Source:       conf.Source,
		Offsets:      store,
		Schemas:      schemas,
		Tables:       metaStore,
		Sink:         sink,
		SnapshotConn: snapshotConn,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, pipeline := range conf.Pipelines {
		if _, err := supervisor.Deploy(runCtx, pipeline); err != nil {
			logger.ErrorWith(runCtx, err).Str("task", pipeline.Name).Msg("deploy pipeline")
			os.Exit(1)
		}
	}

	adminDone := make(chan error, 1)
	if conf.Admin.Enabled {
		go func() {
			adminDone <- admin.Serve(runCtx, conf.Admin, supervisor)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(runCtx).Str("signal", sig.String()).Msg("shutting down")
	case err := <-adminDone:
		if err != nil {
			logger.ErrorWith(runCtx, err).Msg("management API stopped")
		}
	}

	supervisor.StopAll(runCtx)
	cancel()
	if err := sink.Close(); err != nil {
		logger.ErrorWith(ctx, err).Msg("close kafka producer")
	}
	logger.Info(ctx).Msg("shutdown complete")
}

func openOffsetStore(conf cfg.OffsetsConfiguration) (offsets.Store, error) {
	if conf.StoreType == "mysql" {
		return offsets.NewMySQLStore(conf)
	}
	return offsets.NewFileStore(conf.Dir)
}
