package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/lcx/nodenet/config"
	"github.com/lcx/nodenet/directory"
	"github.com/lcx/nodenet/log"
	"github.com/lcx/nodenet/metrics"
	nodenet "github.com/lcx/nodenet/net"
	"github.com/lcx/nodenet/plugin"
)

var (
	tickRateFlag    int
	metricsAddrFlag string
	relayFlag       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a server until interrupted",
	RunE:  runServe,
}

// relay stands in for the gameplay layer: it logs lifecycle events and
// forwards each joined node's payload to the others.
type relay struct {
	server  *nodenet.Server
	forward bool
}

func (r *relay) OnClientEntered(id nodenet.NodeID) {
	info, _ := r.server.NodeInfo(id)
	log.Info().Uint32("node", uint32(id)).Str("name", info.Name).Int("joined", r.server.JoinedCount()).Msg("player entered")
}

func (r *relay) OnClientExited(id nodenet.NodeID) {
	log.Info().Uint32("node", uint32(id)).Int("joined", r.server.JoinedCount()).Msg("player left")
}

func (r *relay) OnConnectionEnded() {}

func (r *relay) OnPayload(from nodenet.NodeID, payload []byte) {
	if !r.forward {
		return
	}
	for _, id := range r.server.JoinedNodes() {
		if id == from {
			continue
		}
		if err := r.server.SendBuffer(id, payload); err != nil {
			log.Warn().Err(err).Uint32("node", uint32(id)).Msg("relay send failed")
		}
	}
}

// directoryOption wires the default directory plugin when plugin.yaml
// configures one.
func directoryOption() (nodenet.ServerOption, bool) {
	if err := plugin.InitPlugins(); err != nil {
		log.Info().Err(err).Msg("no plugins loaded")
		return nil, false
	}
	if _, err := plugin.GetDefaultPlugin(plugin.Directory, "consul"); err != nil {
		return nil, false
	}
	return nodenet.WithDirectory(directory.FromPlugin("consul", plugin.DefaultInsName)), true
}

func newServer(cm config.ConfigManager, opts ...nodenet.ServerOption) *nodenet.Server {
	s, err := nodenet.NewServerWithConfigManager(cm, opts...)
	if err != nil {
		log.Info().Err(err).Msg("using default node transport configuration")
		return nodenet.NewServer(nil, opts...)
	}
	return s
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}

func runServe(cmd *cobra.Command, _ []string) error {
	cm := setupConfig()

	r := &relay{forward: relayFlag}
	opts := []nodenet.ServerOption{nodenet.WithPayloadReceiver(r)}
	if opt, ok := directoryOption(); ok {
		opts = append(opts, opt)
	}
	s := newServer(cm, opts...)
	r.server = s

	if err := s.Open(); err != nil {
		return fmt.Errorf("open server: %w", err)
	}

	var metricsSrv *http.Server
	if metricsAddrFlag != "" {
		metricsSrv = serveMetrics(metricsAddrFlag)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pacer := nodenet.NewTickPacer(tickRateFlag)
	_ = pacer.Run(ctx, func() {
		s.Listen()
		s.DispatchEvents(r)
	})
	log.Info().Msg("shutting down")

	var result error
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}
	if err := plugin.DestroyPlugins(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := cm.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	log.Refresh()
	return result
}
