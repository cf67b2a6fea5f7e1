package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/fleetstream/bridge"
	"github.com/c360/fleetstream/config"
	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/gateway"
	"github.com/c360/fleetstream/geofence"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/multiplexer"
	"github.com/c360/fleetstream/natsclient"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/refdata"
	"github.com/c360/fleetstream/transport/memory"
	redistransport "github.com/c360/fleetstream/transport/redis"
	wstransport "github.com/c360/fleetstream/transport/websocket"
)

const (
	resyncTimeout   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Health component names reported on /healthz.
const (
	healthTransport = "transport"
	healthInventory = "inventory"
	healthZones     = "zones"
)

// daemon wires the pipeline: transport → multiplexer → bridge → store → gateway.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	nats     *natsclient.Client
	mux      *multiplexer.Multiplexer
	store    *entitystore.Store
	bridge   *bridge.Bridge
	monitor  *health.Monitor
	gateway  *gateway.Server

	// resync is signalled at startup and on every transition to connected
	resync chan struct{}
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
		resync:   make(chan struct{}, 1),
	}
	metrics := d.registry.CoreMetrics()

	transport, natsClient, err := buildTransport(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}
	d.nats = natsClient

	d.mux, err = multiplexer.New(transport,
		multiplexer.WithLogger(logger),
		multiplexer.WithMetrics(metrics),
		multiplexer.WithGracePeriod(cfg.Transport.GracePeriod),
		multiplexer.WithOpenRetry(retry.Fixed(cfg.Transport.ReconnectAttempts, cfg.Transport.ReconnectWait)),
		multiplexer.WithMaxQueued(cfg.Transport.MaxQueued),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Daemon", "New", "create multiplexer")
	}

	d.monitor.Update(healthTransport, health.FromConnectionState(healthTransport, d.mux.State()))
	d.mux.OnStateChange(func(_, to multiplexer.State) {
		d.monitor.Update(healthTransport, health.FromConnectionState(healthTransport, to))
		if to == multiplexer.StateConnected {
			d.requestResync()
		}
	})

	d.store = entitystore.New(entitystore.WithLogger(logger), entitystore.WithMetrics(metrics))

	provider := d.buildProvider()
	d.bridge, err = bridge.New(d.mux, d.store, provider,
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
		bridge.WithEvaluator(geofence.NewEvaluator(geofence.WithLogger(logger), geofence.WithMetrics(metrics))),
		bridge.WithBufferMeters(cfg.Geofence.BufferMeters),
	)
	if err != nil {
		return nil, err
	}

	d.gateway, err = gateway.New(d.store,
		gateway.WithBridge(d.bridge),
		gateway.WithSender(d.mux),
		gateway.WithHealth(d.monitor),
		gateway.WithMetricsRegistry(d.registry),
		gateway.WithLogger(logger),
		gateway.WithCORSOrigins("*"),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// buildTransport creates the transport for cfg. The NATS client is returned as well so it
// can be shared with the KV reference data provider.
func buildTransport(cfg config.TransportConfig, logger *slog.Logger) (multiplexer.Transport, *natsclient.Client, error) {
	switch cfg.Kind {
	case config.TransportNATS:
		client, err := natsclient.NewClient(cfg.URL,
			natsclient.WithMaxReconnects(cfg.ReconnectAttempts),
			natsclient.WithReconnectWait(cfg.ReconnectWait),
			natsclient.WithClientName(appName),
			natsclient.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return natsclient.NewTransport(client), client, nil

	case config.TransportWebSocket:
		wsCfg := wstransport.DefaultConfig(cfg.URL)
		wsCfg.ReconnectAttempts = cfg.ReconnectAttempts
		wsCfg.ReconnectWait = cfg.ReconnectWait
		wsCfg.Logger = logger
		t, err := wstransport.New(wsCfg)
		return t, nil, err

	case config.TransportRedis:
		redisCfg := redistransport.DefaultConfig(cfg.URL)
		redisCfg.ReconnectAttempts = cfg.ReconnectAttempts
		redisCfg.ReconnectWait = cfg.ReconnectWait
		redisCfg.Logger = logger
		t, err := redistransport.New(redisCfg)
		return t, nil, err

	case config.TransportMemory:
		return memory.New(memory.NewHub()), nil, nil

	default:
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("%w: transport kind %q", errors.ErrInvalidConfig, cfg.Kind),
			"Daemon", "buildTransport", "select transport")
	}
}

func (d *daemon) buildProvider() refdata.Provider {
	if d.cfg.Refdata.Kind == config.RefdataKV && d.nats != nil {
		return &lazyKVProvider{
			client:          d.nats,
			inventoryBucket: d.cfg.Refdata.InventoryBucket,
			zonesBucket:     d.cfg.Refdata.ZonesBucket,
			opts: []refdata.KVOption{
				refdata.WithLogger(d.logger),
				refdata.WithRetry(retry.Fixed(d.cfg.Transport.ReconnectAttempts, d.cfg.Transport.ReconnectWait)),
			},
		}
	}
	d.logger.Info("Using static reference data; entities are tracked on first HTTP telemetry")
	return &refdata.Static{}
}

// lazyKVProvider opens the KV buckets on first use, once the shared NATS client is
// connected. Until then every fetch fails with a transient error.
type lazyKVProvider struct {
	client          *natsclient.Client
	inventoryBucket string
	zonesBucket     string
	opts            []refdata.KVOption

	mu       sync.Mutex
	provider *refdata.KVProvider
}

func (p *lazyKVProvider) open(ctx context.Context) (*refdata.KVProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provider != nil {
		return p.provider, nil
	}
	if !p.client.IsHealthy() {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrReferenceUnavailable, errors.ErrNoConnection),
			"LazyKVProvider", "open", "check nats connection")
	}
	provider, err := refdata.OpenKVProvider(ctx, p.client, p.inventoryBucket, p.zonesBucket, p.opts...)
	if err != nil {
		return nil, err
	}
	p.provider = provider
	return provider, nil
}

func (p *lazyKVProvider) Inventory(ctx context.Context) ([]entitystore.InventoryItem, error) {
	provider, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	return provider.Inventory(ctx)
}

func (p *lazyKVProvider) Zones(ctx context.Context) ([]geofence.Zone, error) {
	provider, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	return provider.Zones(ctx)
}

func (d *daemon) requestResync() {
	select {
	case d.resync <- struct{}{}:
	default:
	}
}

// resyncLoop hydrates inventory and refreshes zones whenever a resync is requested.
func (d *daemon) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.resync:
			d.resyncOnce(ctx)
		}
	}
}

func (d *daemon) resyncOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	created, err := d.bridge.Hydrate(ctx)
	if err != nil {
		d.logger.Warn("Inventory hydration failed", "error", err)
	}
	d.monitor.Update(healthInventory, health.FromError(healthInventory, err,
		fmt.Sprintf("%d entities tracked", len(d.bridge.Tracked()))))
	if created > 0 {
		d.logger.Info("Inventory hydrated", "created", created, "tracked", len(d.bridge.Tracked()))
	}

	zones, err := d.bridge.FetchZones(ctx)
	if err != nil {
		d.logger.Warn("Zone refresh failed", "error", err)
	}
	d.monitor.Update(healthZones, health.FromError(healthZones, err, fmt.Sprintf("%d zones cached", len(zones))))
}

// run connects the multiplexer and serves HTTP until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	if err := d.mux.Connect(ctx); err != nil {
		return err
	}
	d.requestResync()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.resyncLoop(gctx) })

	if d.cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:              d.cfg.HTTP.Addr,
			Handler:           d.gateway.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info("HTTP server listening", "addr", d.cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return errors.WrapFatal(err, "Daemon", "run", "serve http")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			d.gateway.Close()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	d.close()
	return err
}

func (d *daemon) close() {
	d.gateway.Close()
	if err := d.mux.Close(); err != nil {
		d.logger.Warn("Multiplexer close failed", "error", err)
	}
	if d.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.nats.Close(ctx); err != nil {
			d.logger.Warn("NATS close failed", "error", err)
		}
	}
	d.logger.Info("fleetstream shutdown complete")
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}
