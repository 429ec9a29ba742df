package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/config"
	"github.com/wanmail/selenium-grid/grid/distributor"
	"github.com/wanmail/selenium-grid/grid/events"
	"github.com/wanmail/selenium-grid/grid/node"
	"github.com/wanmail/selenium-grid/grid/router"
	"github.com/wanmail/selenium-grid/grid/sessionmap"
	"github.com/wanmail/selenium-grid/grid/sessionmap/redismap"
	"github.com/wanmail/selenium-grid/grid/sessionqueue"
)

// lookPath finds driver binaries. Tests replace it.
var lookPath = exec.LookPath

// hub holds the components behind the router.
type hub struct {
	bus         events.Bus
	sessions    sessionmap.SessionMap
	queue       *sessionqueue.LocalNewSessionQueue
	distributor *distributor.Distributor
	scheduler   *distributor.Scheduler
	router      *router.Router

	closers []func()
}

func newHub(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*hub, error) {
	h := &hub{bus: events.NewBus(1024, logger.Named("events"))}
	h.closers = append(h.closers, h.bus.Close)

	switch cfg.Sessions.Implementation {
	case "redis":
		m, err := redismap.New(ctx, redismap.Config{
			Addr:      cfg.Sessions.RedisAddr,
			Password:  cfg.Sessions.RedisPassword,
			DB:        cfg.Sessions.RedisDB,
			KeyPrefix: cfg.Sessions.RedisKeyPrefix,
			TTL:       config.Seconds(cfg.Sessions.RedisSessionTTL),
		})
		if err != nil {
			h.Close()
			return nil, err
		}
		h.sessions = m
		h.closers = append(h.closers, func() { m.Close() })
	default:
		h.sessions = sessionmap.NewLocal()
	}
	subs := sessionmap.Listen(h.bus, h.sessions, logger.Named("sessions"))
	h.closers = append(h.closers, func() {
		for _, id := range subs {
			h.bus.Unsubscribe(id)
		}
	})

	h.queue = sessionqueue.NewLocal(sessionqueue.Options{
		RequestTimeout:       config.Seconds(cfg.SessionQueue.RequestTimeout),
		TimeoutCheckInterval: config.Seconds(cfg.SessionQueue.TimeoutCheckInterval),
		BatchSize:            cfg.SessionQueue.BatchSize,
		Bus:                  h.bus,
		Logger:               logger.Named("queue"),
	})
	h.closers = append(h.closers, h.queue.Close)

	h.distributor = distributor.New(distributor.Options{
		Bus:                 h.bus,
		SessionMap:          h.sessions,
		HealthCheckInterval: config.Seconds(cfg.Distributor.HealthCheckInterval),
		PurgeNodesInterval:  config.Seconds(cfg.Distributor.PurgeNodesInterval),
		Logger:              logger.Named("distributor"),
	})
	h.closers = append(h.closers, h.distributor.Close)

	h.scheduler = distributor.NewScheduler(distributor.SchedulerOptions{
		Queue:                 h.queue,
		Distributor:           h.distributor,
		Bus:                   h.bus,
		Workers:               cfg.Distributor.NewSessionThreadPoolSize,
		RetryInterval:         config.Seconds(cfg.SessionQueue.RetryInterval),
		RejectUnsupportedCaps: cfg.Distributor.RejectUnsupportedCaps,
		Logger:                logger.Named("scheduler"),
	})
	h.scheduler.Start()
	h.closers = append(h.closers, h.scheduler.Stop)

	h.router = router.New(router.Options{
		Queue:       h.queue,
		Distributor: h.distributor,
		SessionMap:  h.sessions,
		Logger:      logger.Named("router"),
	})
	return h, nil
}

// Close stops the components in the reverse order of their start.
func (h *hub) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

// knownDrivers are the drivers looked up on the PATH when detecting drivers.
var knownDrivers = []selenium.Driver{selenium.ChromeDriver, selenium.GeckoDriver, selenium.EdgeDriver, selenium.SafariDriver}

// buildSlots returns the slots of the configured drivers, of the drivers found
// on the PATH and of the relayed endpoint.
func buildSlots(cfg *config.Config, logger *zap.Logger) ([]node.SlotConfig, error) {
	var opts []selenium.ServiceOption
	if cfg.Node.FrameBuffer {
		opts = append(opts, selenium.StartFrameBuffer())
	}
	driverSlots := func(stereotype selenium.Capabilities, path string, count int) ([]node.SlotConfig, error) {
		f, err := node.NewDriverServiceFactory(stereotype, path, logger, opts...)
		if err != nil {
			return nil, err
		}
		var slots []node.SlotConfig
		for i := 0; i < count; i++ {
			slots = append(slots, node.SlotConfig{Stereotype: stereotype, Factory: f})
		}
		return slots, nil
	}

	var slots []node.SlotConfig
	for _, d := range cfg.Node.Drivers {
		stereotype, err := d.Capabilities()
		if err != nil {
			return nil, err
		}
		path := d.Executable
		if path == "" {
			driver, ok := selenium.DriverForBrowser(stereotype.BrowserName())
			if !ok {
				return nil, fmt.Errorf("no known driver for browser %q", stereotype.BrowserName())
			}
			if path, err = lookPath(driver.Name); err != nil {
				return nil, fmt.Errorf("driver %q: %w", d.DisplayName, err)
			}
		}
		count := d.MaxSessions
		if count <= 0 {
			count = cfg.Node.MaxSessions
		}
		s, err := driverSlots(stereotype, path, count)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s...)
	}

	if cfg.Node.DetectDrivers && len(cfg.Node.Drivers) == 0 {
		for _, d := range knownDrivers {
			path, err := lookPath(d.Name)
			if err != nil {
				continue
			}
			logger.Info("driver detected", zap.String("driver", d.Name), zap.String("path", path))
			s, err := driverSlots(selenium.Capabilities{selenium.BrowserNameCapability: d.BrowserName}, path, cfg.Node.MaxSessions)
			if err != nil {
				return nil, err
			}
			slots = append(slots, s...)
		}
	}

	relays, err := cfg.Relay.Slots()
	if err != nil {
		return nil, err
	}
	for _, r := range relays {
		f := &node.RelayFactory{Stereotype: r.Stereotype, URL: cfg.Relay.URL, Logger: logger}
		for i := 0; i < r.Count; i++ {
			slots = append(slots, node.SlotConfig{Stereotype: r.Stereotype, Factory: f})
		}
	}

	if len(slots) == 0 {
		return nil, errors.New("the node has no slots: configure drivers or a relay, or put a driver on the PATH")
	}
	return slots, nil
}

func newNode(cfg *config.Config, uri string, bus events.Bus, logger *zap.Logger) (*node.LocalNode, error) {
	slots, err := buildSlots(cfg, logger)
	if err != nil {
		return nil, err
	}
	maxSessions := cfg.Node.MaxSessions
	if len(cfg.Node.Drivers) > 0 || len(cfg.Relay.Configs) > 0 {
		// Per-driver counts already bound the slots.
		maxSessions = len(slots)
	}
	return node.NewLocalNode(node.Options{
		URI:             uri,
		Slots:           slots,
		MaxSessions:     maxSessions,
		SessionTimeout:  config.Seconds(cfg.Node.SessionTimeout),
		HeartbeatPeriod: config.Seconds(cfg.Node.HeartbeatPeriod),
		Version:         version,
		Bus:             bus,
		Logger:          logger,
	}), nil
}

// nodePrefix is where a standalone server mounts its node.
const nodePrefix = "/se/grid/standalone-node"

// newStandalone runs a hub and a node in one process behind one handler.
func newStandalone(ctx context.Context, cfg *config.Config, logger *zap.Logger) (http.Handler, func(), error) {
	h, err := newHub(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	n, err := newNode(cfg, cfg.ExternalURL()+nodePrefix, h.bus, logger.Named("node"))
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	if err := h.distributor.Add(ctx, n); err != nil {
		n.Close()
		h.Close()
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(nodePrefix+"/", http.StripPrefix(nodePrefix, n.Handler()))
	mux.Handle("/", h.router)
	return mux, func() {
		n.Close()
		h.Close()
	}, nil
}

// serve runs handler on addr until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func listenAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(cfg.Server.Host), cfg.Server.Port)
}
