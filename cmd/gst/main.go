package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/gst/internal/config"
	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/gpu"
	"codeberg.org/mutker/gst/internal/journal"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"codeberg.org/mutker/gst/internal/pid"
	"codeberg.org/mutker/gst/internal/presenter"
	"codeberg.org/mutker/gst/internal/refresh"
	"codeberg.org/mutker/gst/internal/sensors"
	"codeberg.org/mutker/gst/internal/source"
	"codeberg.org/mutker/gst/internal/stress"
)

const (
	pidName      = "gst"
	historyLimit = 20
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Str("log_level", cfg.LogLevel).Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	command := "monitor"
	if len(cfg.Args) > 0 {
		command = cfg.Args[0]
	}

	switch command {
	case "monitor":
		err = monitor(ctx, cfg)
	case "inventory":
		err = inventory(ctx, cfg)
	case "stress":
		err = runStress(ctx, cfg)
	case "profiles":
		listProfiles(os.Stdout)
	case "history":
		err = history(ctx, cfg)
	default:
		err = errors.New().WithData(errors.ErrUnknownOp, command)
	}

	if err != nil {
		logger.Error().Err(err).Str("command", command).Msg("command failed")
		return 1
	}
	return 0
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// monitor refreshes and renders telemetry until interrupted.
func monitor(ctx context.Context, cfg *config.Config) error {
	pidFile := pid.New(cfg.PIDDir, pidName)
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	orch, closeAdapters := newOrchestrator(cfg, refresh.Options{})
	defer closeAdapters()

	// SIGUSR1 requests a dmidecode inventory read
	start := func(ctx context.Context) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGUSR1)
		go func() {
			defer signal.Stop(sigs)
			inventoryOnSignal(ctx, sigs, orch.SubmitInventory)
		}()
		return nil
	}

	console := presenter.New(os.Stdout, orch.Info())
	return drive(ctx, orch, start, func(ev refresh.Event) bool {
		console.Handle(ev)
		return false
	})
}

// inventoryOnSignal calls submit for every signal received until ctx is
// done.
func inventoryOnSignal(ctx context.Context, sigs <-chan os.Signal, submit func(context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if err := submit(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to schedule inventory")
			}
		}
	}
}

// inventory reads processor sockets and memory banks once through
// dmidecode.
func inventory(ctx context.Context, cfg *config.Config) error {
	orch, closeAdapters := newOrchestrator(cfg, refresh.Options{})
	defer closeAdapters()

	console := presenter.New(os.Stdout, orch.Info())
	var result source.Result
	err := drive(ctx, orch, orch.SubmitInventory, func(ev refresh.Event) bool {
		switch ev.Kind {
		case refresh.EventInventory:
			result = ev.Result
			console.Handle(ev)
			return true
		case refresh.EventFault:
			console.Handle(ev)
		}
		return false
	})
	if err != nil {
		return err
	}
	return result.Err
}

// runStress executes one stress run while telemetry keeps refreshing.
func runStress(ctx context.Context, cfg *config.Config) error {
	profile := cfg.Stress.Profile
	if len(cfg.Args) > 1 {
		profile = cfg.Args[1]
	}

	req, err := stress.Resolve(profile, cfg.Stress.Workers, cfg.StressTimeout(), cfg.Stress.Verify)
	if err != nil {
		return err
	}

	j, err := journal.NewService(journalConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close journal")
		}
	}()

	orch, closeAdapters := newOrchestrator(cfg, refresh.Options{
		Runner:  stress.NewRunner(cfg.Stress.Binary, cfg.Stress.TempDir),
		Journal: j,
	})
	defer closeAdapters()

	console := presenter.New(os.Stdout, orch.Info())
	chrono := presenter.NewChronometer(os.Stdout, req.Profile)

	var outcome error
	start := func(ctx context.Context) error {
		fmt.Fprintf(os.Stdout, "Running %s for up to %s\n", req.Profile, req.Timeout)
		if err := orch.SubmitStress(ctx, req); err != nil {
			return err
		}
		chrono.Start(ctx)
		return nil
	}

	err = drive(ctx, orch, start, func(ev refresh.Event) bool {
		switch ev.Kind {
		case refresh.EventStress:
			chrono.Stop()
			console.Handle(ev)
			switch {
			case ev.Err != nil:
				outcome = ev.Err
			case !ev.Stress.Successful:
				outcome = errors.New().WithData(errors.ErrOperationFailed, ev.Stress.ID)
			}
			return true
		case refresh.EventFault:
			chrono.Stop()
			console.Handle(ev)
		}
		return false
	})
	chrono.Stop()

	if err != nil {
		return err
	}
	return outcome
}

func listProfiles(w io.Writer) {
	for _, p := range stress.Profiles {
		fmt.Fprintf(w, "%-24s %s\n", p.ID, p.Name)
	}
}

func history(ctx context.Context, cfg *config.Config) error {
	jcfg := journalConfig(cfg)
	jcfg.Enabled = true

	j, err := journal.NewService(jcfg)
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	fmt.Println(presenter.RenderHistory(runs, time.Now()))
	return nil
}

// drive runs orch, calls start once it is running and feeds every event
// to handle until handle reports completion, ctx is cancelled or a fault
// stops the orchestrator.
func drive(
	ctx context.Context,
	orch *refresh.Orchestrator,
	start func(context.Context) error,
	handle func(refresh.Event) bool,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	var startErr error
	if start != nil {
		if startErr = start(ctx); startErr != nil {
			cancel()
		}
	}

	for ev := range orch.Events() {
		if handle(ev) {
			cancel()
		}
	}

	if err := <-runErr; err != nil {
		return err
	}
	return startErr
}

func newOrchestrator(cfg *config.Config, opts refresh.Options) (*refresh.Orchestrator, func()) {
	adapters := refresh.Adapters{
		CPUInfo:   source.NewCPUInfo(cfg.ProcRoot),
		Cache:     source.NewSysfsCache(cfg.SysRoot),
		DMI:       source.NewSysfsDMI(cfg.SysRoot),
		Sensors:   source.NewSensors(sensors.NewHwmon(cfg.SysRoot)),
		OS:        source.NewOSCounters(),
		Inventory: source.NewInventory(cfg.Dmidecode, cfg.PrivilegeHelper),
	}

	closeAdapters := func() {}
	if cfg.NVML {
		nv := source.NewNVIDIA(gpu.NewNVML())
		adapters.NVIDIA = nv
		closeAdapters = func() {
			if err := nv.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to shut down NVML")
			}
		}
	}

	opts.Interval = cfg.RefreshInterval()
	opts.Workers = cfg.Workers
	return refresh.New(model.NewSystemInfo(), adapters, opts), closeAdapters
}

func journalConfig(cfg *config.Config) journal.Config {
	return journal.Config{DBPath: cfg.Journal.Path, Enabled: cfg.Journal.Enabled}
}
