package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	loop "github.com/hanpama/graphcache/internal/loop"
	network "github.com/hanpama/graphcache/internal/network"
	"github.com/hanpama/graphcache/internal/notify"
	"github.com/hanpama/graphcache/internal/otel"
	pending "github.com/hanpama/graphcache/internal/pending"
	querytracker "github.com/hanpama/graphcache/internal/querytracker"
	readystate "github.com/hanpama/graphcache/internal/readystate"
	runner "github.com/hanpama/graphcache/internal/runner"
	writer "github.com/hanpama/graphcache/internal/writer"
)

const (
	endpointFlag     = "endpoint"
	timeoutFlag      = "timeout"
	fetchModeFlag    = "fetch-mode"
	deferFlag        = "defer"
	outFlag          = "out"
	otelEndpointFlag = "otel-endpoint"
	otelEndpointConf = "otel.endpoint"
	otelServiceFlag  = "otel-service"
	otelServiceConf  = "otel.service"
)

func parseFetchMode(s string) (pending.FetchMode, error) {
	switch mode := pending.FetchMode(strings.ToUpper(s)); mode {
	case pending.FetchModeClient, pending.FetchModeRefetch, pending.FetchModePrefetch:
		return mode, nil
	}
	return "", fmt.Errorf("unknown fetch mode %q", s)
}

func (a *app) newFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the data of the queries and print their results",
		Long: `fetch runs the queries against the store: missing data is fetched from the
endpoint, written into the store and the disk cache, and the results are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.fetch(cmd)
		},
	}
	flags := cmd.Flags()
	flags.String(endpointFlag, "", "GraphQL endpoint URL")
	a.mustBindPFlag(endpointFlag, flags.Lookup(endpointFlag))
	flags.Duration(timeoutFlag, 10*time.Second, "per request timeout")
	a.mustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
	flags.String(fetchModeFlag, "client", "client, refetch or prefetch")
	a.mustBindPFlag(fetchModeFlag, flags.Lookup(fetchModeFlag))
	flags.Bool(deferFlag, false, "the endpoint supports @defer")
	a.mustBindPFlag(deferFlag, flags.Lookup(deferFlag))
	flags.String(outFlag, "", "write the resulting store snapshot to this file")
	a.mustBindPFlag(outFlag, flags.Lookup(outFlag))
	flags.String(otelEndpointFlag, "", "OTLP collector endpoint")
	a.mustBindPFlag(otelEndpointConf, flags.Lookup(otelEndpointFlag))
	flags.String(otelServiceFlag, "graphcache", "OpenTelemetry service name")
	a.mustBindPFlag(otelServiceConf, flags.Lookup(otelServiceFlag))
	return cmd
}

func (a *app) fetch(cmd *cobra.Command) error {
	mode, err := parseFetchMode(a.v.GetString(fetchModeFlag))
	if err != nil {
		return err
	}
	roots, err := a.loadQueries()
	if err != nil {
		return err
	}
	hub := notify.NewHub()
	st, err := a.loadStore(hub)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	shutdown, err := otel.Setup(bus, a.v.GetString(otelEndpointConf), a.v.GetString(otelServiceConf))
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	layerOpts := []network.Option{
		network.WithEndpoint(a.v.GetString(endpointFlag)),
		network.WithTimeout(a.v.GetDuration(timeoutFlag)),
		network.WithEventBus(bus),
	}
	if a.v.GetBool(deferFlag) {
		layerOpts = append(layerOpts, network.WithFeatures(network.FeatureDefer))
	}
	layer := network.NewHTTPLayer(layerOpts...)
	defer layer.Wait()

	l := loop.New()
	sink := a.sink()
	pt := pending.NewTracker(l, layer, pending.WithWriter(writer.New(st)), pending.WithEventBus(bus))
	opts := []runner.Option{
		runner.WithQueryTracker(querytracker.New()),
		runner.WithDiagnostics(sink),
		runner.WithEventBus(bus),
	}
	if a.v.GetString(cacheDirConf) != "" {
		c, err := a.openCache(st, l)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.WriteSnapshot(st.Snapshot()); err != nil {
				a.logger.Error("write disk cache", zap.Error(err))
			}
			_ = c.Close()
		}()
		opts = append(opts, runner.WithDiskCache(c))
	}
	r := runner.New(l, st, pt, layer, opts...)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var final readystate.State
	handle, err := r.Run(ctx, roots, func(s readystate.State) {
		a.logger.Debug("ready state", zap.Stringer("state", s))
		if s.Done || s.Aborted || s.Error != nil {
			final = s
			cancel()
		}
	}, mode)
	if err != nil {
		return err
	}
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	if !final.Done && !final.Aborted && final.Error == nil {
		// Interrupted before the run finished.
		handle.Abort()
		return context.Canceled
	}
	if final.Error != nil {
		return final.Error
	}

	if path := a.v.GetString(outFlag); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := writeJSON(f, st.Snapshot()); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return writeJSON(cmd.OutOrStdout(), resolveRoots(st, hub, sink, roots))
}
