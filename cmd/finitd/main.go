// finitd is a process-one service supervisor: it loads service directives
// from a configuration directory, starts the ones enabled for the current
// runlevel, and reacts to process exits, condition changes, signals, and
// control-socket commands from a single event-loop goroutine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sunlightlinux/finitd/pkg/condition"
	"github.com/sunlightlinux/finitd/pkg/config"
	"github.com/sunlightlinux/finitd/pkg/control"
	"github.com/sunlightlinux/finitd/pkg/eventloop"
	"github.com/sunlightlinux/finitd/pkg/hook"
	"github.com/sunlightlinux/finitd/pkg/logging"
	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
	"github.com/sunlightlinux/finitd/pkg/reload"
	"github.com/sunlightlinux/finitd/pkg/runlevel"
	"github.com/sunlightlinux/finitd/pkg/shutdown"
	"github.com/sunlightlinux/finitd/pkg/svc"
)

const (
	version = "0.1.0"

	defaultConfigDir   = "/etc/finitd.d"
	defaultRuntimeRoot = "/run/finitd"
	defaultRunlevel    = 2
)

func main() {
	var (
		configDir   string
		runtimeRoot string
		runlvl      int
		showVersion bool
		logLevel    string
	)

	flag.StringVar(&configDir, "config-dir", defaultConfigDir, "directory of service directives")
	flag.StringVar(&runtimeRoot, "runtime-dir", defaultRuntimeRoot, "runtime directory for the control socket and condition shadow")
	flag.IntVar(&runlvl, "runlevel", defaultRunlevel, "default runlevel to enter once bootstrap completes")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, notice, warn, error)")
	flag.Parse()

	if showVersion {
		fmt.Printf("finitd version %s\n", version)
		os.Exit(0)
	}

	logger := logging.New(parseLogLevel(logLevel))
	isPID1 := os.Getpid() == 1

	if isPID1 {
		logger.Notice("finitd starting as PID 1")
		if err := shutdown.InitPID1(logger); err != nil {
			logger.Error("PID 1 initialization warning: %v", err)
		}
	} else {
		logger.Info("finitd starting in supervisor mode (pid %d)", os.Getpid())
	}

	paths := config.NewRuntimePaths(runtimeRoot)
	if err := os.MkdirAll(paths.CondDir(), 0755); err != nil {
		logger.Error("creating runtime directory %s: %v", paths.CondDir(), err)
		os.Exit(73)
	}

	shadow, err := condition.NewFSShadow(paths.CondDir())
	if err != nil {
		logger.Error("setting up condition shadow: %v", err)
		os.Exit(73)
	}
	conditions := condition.New(shadow)

	reg := registry.New()
	hooks := hook.New()

	m := &svc.Machine{
		Registry:   reg,
		Conditions: conditions,
		Driver:     svc.RealDriver(),
		Hooks:      hooks,
		Logger:     logger,
		InTeardown: func() bool { return false },
	}

	reloadEngine := reload.NewEngine(reg, m, hooks, logger)
	shutdownExec := shutdown.NewExecutor(logger)
	runlevelCtl := runlevel.New(reg, m, hooks, logger, shutdownExec)
	m.Runlevel = runlevelCtl.Current
	m.InTeardown = func() bool { return reloadEngine.InTeardown() || runlevelCtl.InTeardown() }

	loop := eventloop.New(reg, m, conditions, reloadEngine, runlevelCtl, logger)
	loop.DefaultRunlevel = runlvl
	loop.ReloadFunc = func() ([]reload.Definition, error) { return config.Load(configDir) }

	watcher, err := process.NewPidWatcher()
	if err != nil {
		logger.Warn("pid-file watcher unavailable: %v", err)
	} else {
		loop.PidWatcher = watcher
		go watcher.Run()
	}

	ctrl := control.NewServer(paths.SockPath(), logger)
	loop.Control = ctrl

	ctx := context.Background()

	// Perform the initial configuration load as a reload against an empty
	// registry: every directive classifies as new, nothing is torn down,
	// and checkQuiescence's normal Finish path inserts the services.
	loop.TriggerReload()

	watchLoadedPidFiles(loop, reg)

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("control socket: %v", err)
	} else {
		defer ctrl.Stop()
	}

	// Run blocks until a runlevel 0/6 transition hands off to the shutdown
	// executor, which does not return under normal circumstances: it either
	// issues the reboot syscall or holds indefinitely. SIGINT/SIGTERM are
	// handled inside the loop itself (as halt/reboot runlevel requests), not
	// by cancelling this context.
	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("event loop: %v", err)
	}
}

// watchLoadedPidFiles registers every currently-registered service carrying
// a pid file with the event loop's PidWatcher.
func watchLoadedPidFiles(loop *eventloop.Loop, reg *registry.Registry) {
	for _, id := range reg.Identities() {
		entry, ok := reg.Get(id)
		if !ok {
			continue
		}
		s, ok := entry.(*svc.Service)
		if !ok {
			continue
		}
		loop.WatchService(s)
	}
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "info":
		return logging.LevelInfo
	case "notice":
		return logging.LevelNotice
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
