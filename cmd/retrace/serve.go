package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/thanos-io/objstore/providers/filesystem"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/retrace/pkg/symbolizer"
	"github.com/grafana/retrace/pkg/util"
)

type serveParams struct {
	listenAddress   string
	storageDir      string
	shutdownTimeout time.Duration
}

func addServeParams(cmd *kingpin.CmdClause) *serveParams {
	params := &serveParams{}
	cmd.Flag("listen-address", "Address to listen on for the HTTP API.").Default(":4041").StringVar(&params.listenAddress)
	cmd.Flag("storage.dir", "Directory holding mapping files.").Default("./data").StringVar(&params.storageDir)
	cmd.Flag("shutdown-timeout", "Time to wait for in-flight requests on shutdown.").Default("10s").DurationVar(&params.shutdownTimeout)
	return params
}

func runServe(ctx context.Context, logger log.Logger, conf symbolizer.Config, params *serveParams) error {
	bucket, err := filesystem.NewBucket(params.storageDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer bucket.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("retrace"),
	)
	util.RegisterPanicCounter(reg)

	store := symbolizer.NewObjstoreMappingStore(bucket, conf.StoragePrefix)
	sym, err := symbolizer.NewWithStore(logger, conf, reg, store)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              params.listenAddress,
		Handler:           newHandler(logger, sym, store, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", params.listenAddress, "storage", params.storageDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), params.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
