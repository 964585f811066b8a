// Package supervisor bootstraps the fleet: it loads configuration, spreads
// station instances across worker hosts, wires the control bus and UI server
// and reacts to configuration changes.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/atg"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/controlbus"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/idtags"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/station"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/storage"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/template"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/uiserver"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/worker"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/pkg/config"
)

// Bootstrap owns the simulator lifecycle: stations, worker hosts, control bus
// and UI server.
type Bootstrap struct {
	cfg *config.Config
	log *zap.Logger

	templates   *template.Store
	idTags      *idtags.Cache
	performance storage.PerformanceStorage
	bus         *controlbus.Bus
	ui          *uiserver.Server
	host        worker.Host

	configDir string

	mu       sync.Mutex
	started  bool
	stations map[string]*stationController
}

// Options parameterize a Bootstrap.
type Options struct {
	Config           *config.Config
	ConfigurationDir string
	Log              *zap.Logger
}

// New wires the simulator's shared services without starting anything.
func New(opts Options) (*Bootstrap, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ConfigurationDir == "" {
		opts.ConfigurationDir = "configurations"
	}

	perf, err := storage.New(opts.Config.PerformanceStorage, log)
	if err != nil {
		return nil, err
	}

	b := &Bootstrap{
		cfg:         opts.Config,
		log:         log,
		templates:   template.NewStore(log),
		idTags:      idtags.NewCache(log),
		performance: perf,
		bus:         controlbus.New(log),
		configDir:   opts.ConfigurationDir,
		stations:    make(map[string]*stationController),
	}
	b.bus.SetSimulatorHandler(b)
	if opts.Config.UIServer.Enabled {
		b.ui = uiserver.New(opts.Config.UIServer, b.bus, log)
	}
	return b, nil
}

// Start creates the worker hosts and launches every configured station.
func (b *Bootstrap) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("simulator already started")
	}
	b.started = true
	b.mu.Unlock()

	host, err := worker.NewHost(b.cfg.Worker, b.log)
	if err != nil {
		return err
	}
	if err := host.Start(); err != nil {
		return err
	}
	b.host = host

	if b.ui != nil {
		if err := b.ui.Start(); err != nil {
			return err
		}
	}

	total := 0
	for _, tu := range b.cfg.StationTemplateUrls {
		for index := 1; index <= tu.NumberOfStations; index++ {
			if err := b.launchStation(tu.File, index); err != nil {
				b.log.Error("Failed to launch station",
					zap.String("template", tu.File),
					zap.Int("index", index),
					zap.Error(err),
				)
				continue
			}
			total++
		}
	}
	if total == 0 {
		return fmt.Errorf("no charging station could be started")
	}
	b.log.Info("Simulator started",
		zap.Int("stations", total),
		zap.String("workerMode", b.cfg.Worker.Mode),
		zap.Int("workers", b.host.Size()),
	)
	return nil
}

func (b *Bootstrap) launchStation(templateFile string, index int) error {
	engine, err := station.New(station.Options{
		TemplateFile:            templateFile,
		Index:                   index,
		Templates:               b.templates,
		IdTags:                  b.idTags,
		Performance:             b.performance,
		SupervisionURL:          b.supervisionURLFor(index),
		ConfigurationDir:        b.configDir,
		AutoReconnectMaxRetries: b.cfg.AutoReconnectMaxRetries,
		Log:                     b.log,
	})
	if err != nil {
		return err
	}

	generator := atg.New(engine, b.log)
	controller := newStationController(engine, generator, b.log)

	b.mu.Lock()
	b.stations[engine.HashID()] = controller
	b.mu.Unlock()
	b.bus.Register(controller)

	return b.host.Submit(func() error {
		return engine.Start()
	})
}

// supervisionURLFor applies the configured distribution over the global
// supervision URL list for a 1-based station index.
func (b *Bootstrap) supervisionURLFor(index int) string {
	urls := b.cfg.SupervisionUrls
	if len(urls) == 0 {
		return ""
	}
	switch b.cfg.SupervisionURLDistribution {
	case config.DistributionRandom:
		return urls[rand.Intn(len(urls))]
	case config.DistributionRoundRobin, config.DistributionChargingStationAffinity, "":
		return urls[(index-1)%len(urls)]
	default:
		b.log.Warn("Unknown supervision URL distribution, using charging station affinity",
			zap.String("distribution", b.cfg.SupervisionURLDistribution))
		return urls[(index-1)%len(urls)]
	}
}

// Stop shuts down every station, the worker hosts and the UI server.
func (b *Bootstrap) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return fmt.Errorf("simulator is not started")
	}
	b.started = false
	controllers := make([]*stationController, 0, len(b.stations))
	for _, c := range b.stations {
		controllers = append(controllers, c)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range controllers {
		if !c.engine.Started() {
			continue
		}
		wg.Add(1)
		go func(c *stationController) {
			defer wg.Done()
			if err := c.engine.Stop(v16.ReasonPowerLoss); err != nil {
				b.log.Warn("Failed to stop station",
					zap.String("station", c.engine.Info().ChargingStationID), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()

	if b.host != nil {
		if err := b.host.Stop(ctx); err != nil {
			b.log.Warn("Worker host shutdown incomplete", zap.Error(err))
		}
	}
	if b.ui != nil {
		if err := b.ui.Stop(ctx); err != nil {
			b.log.Warn("UI server shutdown incomplete", zap.Error(err))
		}
	}
	if err := b.performance.Close(ctx); err != nil {
		b.log.Warn("Performance storage shutdown incomplete", zap.Error(err))
	}
	b.templates.Close()
	b.log.Info("Simulator stopped")
	return nil
}

// WatchConfiguration re-applies supervision URLs when the configuration file
// changes on disk.
func (b *Bootstrap) WatchConfiguration(loader *config.Loader) {
	loader.Watch(func(updated *config.Config) {
		b.log.Info("Configuration file changed, re-evaluating supervision URLs")
		b.mu.Lock()
		b.cfg.SupervisionUrls = updated.SupervisionUrls
		b.cfg.SupervisionURLDistribution = updated.SupervisionURLDistribution
		controllers := make([]*stationController, 0, len(b.stations))
		for _, c := range b.stations {
			controllers = append(controllers, c)
		}
		b.mu.Unlock()

		for _, c := range controllers {
			url := b.supervisionURLFor(c.engine.Info().Index)
			if url != "" {
				c.engine.SetSupervisionURL(url)
			}
		}
	})
}

// HandleSimulator serves the simulator-scoped control-plane procedures.
func (b *Bootstrap) HandleSimulator(ctx context.Context, req controlbus.Request) controlbus.Response {
	switch req.Procedure {
	case controlbus.ProcedureStartSimulator:
		if err := b.Start(); err != nil {
			return controlbus.Failure("%v", err)
		}
		return controlbus.Success()
	case controlbus.ProcedureStopSimulator:
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := b.Stop(ctx); err != nil {
			return controlbus.Failure("%v", err)
		}
		return controlbus.Success()
	case controlbus.ProcedureListChargingStations:
		return b.listStations()
	default:
		return controlbus.Failure("procedure %s is not supported", req.Procedure)
	}
}

type stationSummary struct {
	HashID            string `json:"hashId"`
	ChargingStationID string `json:"chargingStationId"`
	Started           bool   `json:"started"`
	Registered        bool   `json:"registered"`
	Connectors        int    `json:"connectors"`
	OCPPVersion       string `json:"ocppVersion"`
}

func (b *Bootstrap) listStations() controlbus.Response {
	b.mu.Lock()
	summaries := make([]stationSummary, 0, len(b.stations))
	for _, c := range b.stations {
		info := c.engine.Info()
		summaries = append(summaries, stationSummary{
			HashID:            info.HashID,
			ChargingStationID: info.ChargingStationID,
			Started:           c.engine.Started(),
			Registered:        c.engine.Registered(),
			Connectors:        len(c.engine.ConnectorIDs()),
			OCPPVersion:       string(info.OCPPVersion),
		})
	}
	b.mu.Unlock()

	details, err := json.Marshal(summaries)
	if err != nil {
		return controlbus.Failure("failed to encode station list: %v", err)
	}
	resp := controlbus.Success()
	resp.Details = details
	return resp
}
