// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"supercache/api"
	"supercache/config"
	"supercache/daemon"
	"supercache/dnsserver"
	"supercache/fullstats"
	"supercache/ipvalidator"
	"supercache/logger"
	"supercache/records"
	"supercache/resolver"
	"supercache/upstream"
)

type loadFunc func() (*config.Loaded, error)

// serveFlags mirror the config keys; only flags set on the command line override the file.
type serveFlags struct {
	bind           string
	port           string
	upstream       string
	timeout        int
	database       string
	negativePolicy string
	staleOnRefused bool
	staleTTL       int
	dedupe         bool
	api            bool
	apiPort        string
	fullStats      bool
	logSeverity    string
}

func newServeCmd(load loadFunc) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching DNS proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := load()
			if err != nil {
				return err
			}
			cfg := loaded.Config
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if loaded.Created {
				fmt.Fprintf(cmd.ErrOrStderr(), "created default config at %s\n", loaded.Path)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f.register(cmd)
	return cmd
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.bind, "bind", "", "address to listen on")
	fl.StringVar(&f.port, "port", "", "port to listen on (udp and tcp)")
	fl.StringVar(&f.upstream, "upstream", "", "upstream server as addr[:port][/udp|/tcp]")
	fl.IntVar(&f.timeout, "upstream-timeout", 0, "upstream timeout in seconds")
	fl.StringVar(&f.database, "database", "", "path of the sqlite record database")
	fl.StringVar(&f.negativePolicy, "negative-policy", "", "negative answers: passthrough or cache")
	fl.BoolVar(&f.staleOnRefused, "stale-on-refused", true, "serve stale records when upstream refuses")
	fl.IntVar(&f.staleTTL, "stale-ttl", 0, "TTL advertised on stale answers")
	fl.BoolVar(&f.dedupe, "dedupe", true, "share one upstream query between concurrent identical questions")
	fl.BoolVar(&f.api, "api", false, "enable the REST API")
	fl.StringVar(&f.apiPort, "apiport", "", "REST API port")
	fl.BoolVar(&f.fullStats, "full-stats", false, "record per-identity and per-client statistics")
	fl.StringVar(&f.logSeverity, "log-severity", "", "log level: debug, info, warn, error or none")
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("bind") {
		cfg.BindAddress = f.bind
	}
	if changed("port") {
		cfg.DNSPort = f.port
	}
	if changed("upstream") {
		cfg.Upstream = f.upstream
	}
	if changed("upstream-timeout") {
		cfg.UpstreamTimeout = f.timeout
	}
	if changed("database") {
		cfg.Database = f.database
	}
	if changed("negative-policy") {
		cfg.NegativePolicy = f.negativePolicy
	}
	if changed("stale-on-refused") {
		cfg.StaleOnRefused = f.staleOnRefused
	}
	if changed("stale-ttl") {
		cfg.StaleTTL = f.staleTTL
	}
	if changed("dedupe") {
		cfg.Dedupe = f.dedupe
	}
	if changed("api") {
		cfg.APIEnabled = f.api
	}
	if changed("apiport") {
		cfg.RESTPort = f.apiPort
	}
	if changed("full-stats") {
		cfg.FullStats = f.fullStats
	}
	if changed("log-severity") {
		cfg.Log.Severity = f.logSeverity
	}
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	dnsLog := logger.NewServerLogger(logger.DNSServerLog, cfg.Log.Dir, cfg.Log)
	apiLog := logger.NewServerLogger(logger.APIServerLog, cfg.Log.Dir, cfg.Log)

	state := daemon.NewState()
	store, err := records.Open(cfg.Database)
	if err != nil {
		dnsLog.Error("record store unavailable", "database", cfg.Database, "error", err)
		return err
	}
	defer store.Close()
	state.SetStoreReady(true)
	defer state.SetStoreReady(false)

	spec, err := cfg.UpstreamSpec()
	if err != nil {
		return err
	}
	client := upstream.NewClient(spec, upstream.Options{CacheNegative: cfg.CacheNegative()})
	res := resolver.New(resolver.Config{
		Store:           store,
		Upstream:        client,
		Logger:          dnsLog,
		UpstreamTimeout: cfg.UpstreamTimeoutDuration(),
		StaleOnRefused:  cfg.StaleOnRefused,
		StaleTTL:        uint32(cfg.StaleTTL),
		Dedupe:          cfg.Dedupe,
	})

	tracker, err := fullstats.New(cfg.FullStatsDir, cfg.FullStats, dnsLog)
	if err != nil {
		dnsLog.Warn("full stats disabled", "error", err)
		tracker = nil
	}
	defer tracker.Close()

	queue := logger.NewAsyncLogQueue(0)
	defer queue.Close()

	hcfg := dnsserver.Config{Resolver: res, Logger: dnsLog, LogQueue: queue}
	if tracker != nil {
		hcfg.Stats = tracker
	}
	handler := dnsserver.NewHandler(hcfg)

	port, err := cfg.DNSPortNumber()
	if err != nil {
		return err
	}
	listeners, err := dnsserver.Listen(ipvalidator.HostPort(cfg.BindAddress, port))
	if err != nil {
		dnsLog.Error("dns listen failed", "error", err)
		return err
	}
	state.UpdateListener(func(l *daemon.ListenerSettings) {
		l.BindAddress = cfg.BindAddress
		l.DNSPort = cfg.DNSPort
		l.Upstream = client.Spec().String()
		l.Database = cfg.Database
		l.APIPort = cfg.RESTPort
		l.APIEnabled = cfg.APIEnabled
	})

	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		state.SignalStop()
	}()
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-state.StopChannel()
		dnsLog.Info("shutdown requested")
		cancel()
	}()

	if cfg.APIEnabled {
		deps := api.Deps{State: state, Store: store, Resolver: res, FullStats: tracker, Logger: apiLog}
		if err := api.Start(runCtx, cfg.BindAddress, cfg.RESTPort, deps); err != nil {
			apiLog.Error("API server not started", "error", err)
		}
	}

	dnsLog.Info("supercache starting",
		"version", version,
		"listen", listeners.Addr(),
		"upstream", client.Spec().String(),
		"database", cfg.Database,
		"negative_policy", cfg.NegativePolicy,
		"stale_on_refused", cfg.StaleOnRefused,
		"dedupe", cfg.Dedupe)
	err = dnsserver.Serve(runCtx, listeners, handler, dnsLog, func() { state.SetServerStatus(true) })
	state.SetServerStatus(false)
	state.NotifyStopped()
	return err
}
