// Package app assembles the daemon: configuration, subsystems, feature
// gating, and the actor group that runs them.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"acme/internal/compliance"
	"acme/internal/compliance/modules"
	"acme/internal/config"
	"acme/internal/configsync"
	"acme/internal/events"
	"acme/internal/features"
	"acme/internal/installer"
	"acme/internal/ipc"
	"acme/internal/metrics"
	"acme/internal/netstate"
	"acme/internal/platform"
	"acme/internal/registrar"
	"acme/internal/registration"
	"acme/pkg/logging"
)

// App is the assembled daemon.
type App struct {
	cfg   config.AgentConfig
	paths config.Paths

	features     *features.Manager
	net          netstate.Detector
	registrarCli *registrar.Client
	registration *registration.Manager
	forwarder    *events.Forwarder
	sink         *events.HTTPSink
	routes       *events.RouteMap
	controller   *compliance.Controller
	registry     *compliance.Registry
	configSync   *configsync.Controller
	ipcServer    *ipc.Server
	promRegistry *prometheus.Registry

	startTime time.Time
	shutdown  func()
}

// New wires every subsystem from the loaded configuration. Nothing is
// started; Run does that.
func New(cfg config.AgentConfig) (*App, error) {
	paths := config.NewPaths(cfg.BaseDir)
	paths.EnsureLayout()

	a := &App{cfg: cfg, paths: paths, startTime: time.Now()}

	featureMgr, err := features.NewManager(paths.FeatureControls())
	if err != nil {
		return nil, err
	}
	a.features = featureMgr

	a.net = netstate.NewFileDetector(paths.NetworkState())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.promRegistry = promRegistry

	// events first: nearly everything emits
	routes, err := events.LoadRouteMap(paths.RouteMap())
	if err != nil {
		return nil, err
	}
	a.routes = routes
	a.sink = events.NewHTTPSink(cfg.Events.SinkURL, cfg.Events.Timeout)
	a.forwarder = events.NewForwarder(routes, a.sink, events.NewDiskBuffer(paths.EventBuffer()))

	identity, err := registration.NewIdentity(paths.IdentityDir())
	if err != nil {
		return nil, err
	}
	a.registrarCli = registrar.New(registrar.Config{
		BaseURL:         cfg.Registrar.BaseURL,
		Timeout:         cfg.Registrar.Timeout,
		Platform:        cfg.Registrar.Platform,
		PlatformVersion: cfg.Registrar.PlatformVersion,
	}, identity, metrics.NewRegistrar(promRegistry))

	regManager, err := registration.NewManager(a.registrarCli, identity, paths.RegistrationData(), a.forwarder.Emit("registration"))
	if err != nil {
		return nil, err
	}
	a.registration = regManager

	modules.SetProbe(&platform.ExecProbe{
		FirewallCommand:       cfg.Probe.FirewallCommand,
		FirewallEnableCommand: cfg.Probe.FirewallEnableCommand,
		DiskEncryptionCommand: cfg.Probe.DiskEncryptionCommand,
		OSVersionCommand:      cfg.Probe.OSVersionCommand,
		ScreenLockCommand:     cfg.Probe.ScreenLockCommand,
	})

	a.registry = compliance.NewRegistry(paths.ManifestDir(), paths.StateDir(), a.forwarder.Emit("compliance"))
	a.controller = compliance.NewController(compliance.ControllerConfig{
		Registry:         a.registry,
		Qualifier:        compliance.NewQualifier(),
		NetState:         a.net,
		Emit:             a.forwarder.Emit("compliance"),
		Metrics:          metrics.NewCompliance(promRegistry),
		MaxExecutors:     cfg.Compliance.MaxExecutors,
		TickInterval:     cfg.Compliance.TickInterval,
		ExecutionTimeout: cfg.Compliance.ExecutionTimeout,
	})

	if err := a.buildConfigSync(); err != nil {
		return nil, err
	}

	regManager.OnRegistered(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.configSync.Restart(ctx); err != nil {
			logging.Error("App", err, "Config controller restart after registration failed")
		}
	})

	a.ipcServer = ipc.NewServer(paths.Socket(), &ipc.Dispatcher{
		Version:        cfg.Version,
		StartTime:      a.startTime,
		Controller:     a.controller,
		Registry:       a.registry,
		Registration:   regManager,
		Forwarder:      a.forwarder,
		Net:            a.net,
		GroupCachePath: paths.GroupCache(),
		ReloadFunc:     a.Reload,
		ShutdownFunc:   func() { a.shutdown() },
	})

	a.features.OnChange(a.onFeatureChange)
	return a, nil
}

func (a *App) buildConfigSync() error {
	cs := configsync.NewController()

	cs.Register(configsync.NewComplianceConfig(a.registrarCli, a.registry, a.reloadModules))

	host := platform.NewHost()
	host.VersionCommand = a.cfg.Installer.VersionCommand
	host.InstallCommand = a.cfg.Installer.InstallCommand
	host.CodeSignCommand = a.cfg.Installer.CodeSignCommand
	host.WatcherCheckCommand = a.cfg.Installer.WatcherCheckCommand

	signingAuthority := a.cfg.Installer.SigningAuthority
	if signingAuthority == "" {
		signingAuthority = a.paths.SigningAuthority()
	}
	pipeline, err := installer.New(installer.Config{
		StagingRoot:          a.paths.InstallerStaging(),
		LoadRoot:             a.paths.InstallersDir(),
		SigningAuthorityPath: signingAuthority,
		AgentIdentifier:      a.cfg.Installer.AgentIdentifier,
		CodeSignVerify:       a.cfg.Installer.CodeSignVerify,
		DownloadTimeout:      a.cfg.Installer.DownloadTimeout,
	}, host, a.forwarder.Emit("installer"))
	if err != nil {
		// the pipeline needs the signing authority; without it the
		// usher sub-module stays out of the rotation
		logging.Warn("App", "Installer pipeline unavailable: %v", err)
	} else {
		cs.Register(configsync.NewUsherConfig(a.registrarCli, pipeline, func() bool {
			return a.features.Current().UsherEnabled
		}))
	}

	signedFiles, err := configsync.NewSignedFiles(a.registrarCli, signingAuthority, map[string]string{
		"route_map.json":   a.paths.RouteMap(),
		"group_cache.data": a.paths.GroupCache(),
	}, func(name string) {
		if name != "route_map.json" {
			return
		}
		if err := a.routes.Reload(a.paths.RouteMap()); err != nil {
			logging.Error("App", err, "Route map reload failed")
		}
	})
	if err != nil {
		logging.Warn("App", "Signed file sync unavailable: %v", err)
	} else {
		cs.Register(signedFiles)
	}

	cs.Register(configsync.NewSTSToken(a.registrarCli, a.sink, a.forwarder))

	a.configSync = cs
	return nil
}

// reloadModules is the swap step of the reload sequence: pause config
// ticks, drain in-flight responses, swap settings, resume.
func (a *App) reloadModules() {
	a.configSync.Stop()
	defer func() {
		if err := a.configSync.Start(context.Background()); err != nil {
			logging.Error("App", err, "Config controller resume failed")
		}
	}()

	a.drainResponses(10 * time.Second)
	a.registry.Load(true)
}

// drainResponses waits for in-flight compliance work to settle.
func (a *App) drainResponses(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.controller.PendingRequests() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	logging.Warn("App", "Reload proceeding with %d requests still in flight", a.controller.PendingRequests())
}

// Reload re-reads feature controls, the route map, and module
// manifests. Bound to SIGHUP and the IPC Reload command.
func (a *App) Reload() error {
	logging.Info("App", "Reload requested")
	if err := a.features.Reload(); err != nil {
		return err
	}
	if err := a.routes.Reload(a.paths.RouteMap()); err != nil {
		return err
	}
	a.reloadModules()
	return nil
}

func (a *App) onFeatureChange(old, new features.Controls) {
	if old.ComplianceEnabled != new.ComplianceEnabled {
		if new.ComplianceEnabled {
			if err := a.controller.Start(context.Background()); err != nil {
				logging.Error("App", err, "Compliance controller start failed")
			}
		} else {
			a.controller.Stop()
		}
	}
	// usher_enabled is consulted by the usher sub-module on every pull;
	// enabling it forces an immediate pull
	if !old.UsherEnabled && new.UsherEnabled {
		if err := a.configSync.RunNow("usher"); err != nil {
			logging.Debug("App", "Usher pull not scheduled: %v", err)
		}
	}
}

// Run starts every enabled subsystem and blocks until a signal or an
// actor failure.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.shutdown = cancel

	controls := a.features.Current()
	if controls.ComplianceEnabled {
		a.registry.Load(true)
		if err := a.controller.Start(ctx); err != nil {
			return err
		}
	} else {
		logging.Info("App", "Compliance disabled by feature controls")
	}

	if controls.KarlRegistrarEnabled {
		if err := a.registration.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.configSync.Start(ctx); err != nil {
		return err
	}

	var g run.Group
	g.Add(func() error {
		return a.ipcServer.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return a.features.Watch(ctx)
	}, func(error) {
		cancel()
	})
	if a.cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(error) {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(func() error {
		return a.handleSignals(ctx)
	}, func(error) {
		cancel()
	})

	err := g.Run()

	a.controller.Stop()
	a.configSync.Stop()
	a.registration.Stop()
	logging.Info("App", "Shutdown complete")
	return err
}

// handleSignals turns SIGINT/SIGTERM into shutdown and SIGHUP into a
// reload.
func (a *App) handleSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := a.Reload(); err != nil {
					logging.Error("App", err, "Reload on SIGHUP failed")
				}
			default:
				logging.Info("App", "Received %s, shutting down", sig)
				return fmt.Errorf("received signal %s", sig)
			}
		}
	}
}
