package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/dmtable/relay/backend/metrics"
	"github.com/dmtable/relay/backend/monitor"
	"github.com/dmtable/relay/backend/registry"
	"github.com/dmtable/relay/backend/router"
	"github.com/dmtable/relay/backend/sessions"
	httpServer "github.com/dmtable/relay/backend/server/http"
	websocketServer "github.com/dmtable/relay/backend/server/websocket"
)

type relayStats struct {
	reg   *registry.Registry
	table *sessions.Table
}

func (s relayStats) OpenConnections() int { return s.reg.Count() }
func (s relayStats) ActiveSessions() int  { return s.table.Count() }

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a",
			envOr("RELAY_API_ADDR", ":8080"), "api listen address")
		wsListenAddr = fs.StringP("ws-listen-addr", "w",
			envOr("RELAY_WS_ADDR", ":8888"), "websocket relay listen address")
		wsPath = fs.StringP("ws-path", "p",
			envOr("RELAY_WS_PATH", "/session"), "websocket relay endpoint path")
		livenessInterval = fs.DurationP("liveness-interval", "i",
			envDurationOr("RELAY_LIVENESS_INTERVAL", monitor.DefaultInterval), "liveness probe interval")
		logLevel = fs.StringP("log-level", "l",
			envOr("RELAY_LOG_LEVEL", "debug"), "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	reg := registry.New()
	table := sessions.NewTable(reg, &logger)
	m := metrics.New(prometheus.DefaultRegisterer, reg.Count, table.Count)
	rt := router.New(table, reg, m, &logger)
	mon := monitor.New(reg, table, *livenessInterval, &logger)

	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Stats:      relayStats{reg: reg, table: table},
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Router:     rt,
		Sessions:   table,
		Registry:   reg,
		ListenAddr: *wsListenAddr,
		Path:       *wsPath,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go mon.Run(ctx, wg)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
