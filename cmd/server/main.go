package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/lister3d/numpad-engine/internal/api"
	"github.com/lister3d/numpad-engine/internal/command"
	"github.com/lister3d/numpad-engine/internal/config"
	"github.com/lister3d/numpad-engine/internal/hoststub"
	"github.com/lister3d/numpad-engine/internal/keypad"
	"github.com/lister3d/numpad-engine/internal/logging"
	"github.com/lister3d/numpad-engine/internal/metascan"
	"github.com/lister3d/numpad-engine/internal/moonraker"
	"github.com/lister3d/numpad-engine/internal/numpad"
	"github.com/lister3d/numpad-engine/internal/sound"
	"github.com/lister3d/numpad-engine/internal/sysexec"
	"github.com/lister3d/numpad-engine/internal/tui"
	"github.com/lister3d/numpad-engine/internal/update"
)

// Version is set during build via ldflags
var Version = "dev"

const (
	monitorInterval = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// printerHost is what the engine needs from the printer side; both the
// Moonraker client and the dry run stub provide it
type printerHost interface {
	numpad.Host
	metascan.MetadataStore
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		port       string
		console    bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:          "numpad-engine",
		Short:        "Numpad macro engine for Lister printers",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("console") {
				cfg.Server.Console = console
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Server.DryRun = dryRun
			}
			return run(cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: $LISTER_CONFIG or numpad-engine.toml)")
	cmd.Flags().StringVarP(&port, "port", "p", "", "API port")
	cmd.Flags().BoolVar(&console, "console", false, "Run the operator console")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use the offline stub host instead of Moonraker")

	cmd.AddCommand(newUpdateServiceCmd(&configPath))
	return cmd
}

// newUpdateServiceCmd is what the lister update systemd unit runs
func newUpdateServiceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "update-service <mode>",
		Short:        "Run lister.sh for the update service",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logs := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
			log := logs.Logger("lister_update")

			mode := update.DefaultMode
			if len(args) == 1 {
				mode = args[0]
			}
			updater := newUpdater(cfg, sysexec.NewExecRunner(log), nil, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := updater.RunScript(ctx, mode); err != nil {
				log.Error("update failed", "mode", mode, "error", err)
				return err
			}
			return nil
		},
	}
}

func newUpdater(cfg config.Config, runner sysexec.Runner, gcode update.CommandRunner, log hclog.Logger) *update.Updater {
	return update.New(update.Options{
		ServiceUnit: cfg.Update.ServiceUnit,
		ListerDir:   config.ExpandHome(cfg.Update.ListerDir),
		Timeout:     cfg.UpdateTimeout(),
	}, runner, gcode, log)
}

func run(cfg config.Config) error {
	sink := &consoleSink{}
	var output io.Writer = os.Stderr
	if cfg.Server.Console {
		// the console owns the terminal
		output = sink
	}
	logs := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Output: output})
	log := logs.Logger("engine")
	log.Info("starting numpad engine", "version", Version, "config", cfg.Path)

	settings, err := cfg.NumpadSettings()
	if err != nil {
		return err
	}

	var (
		host    printerHost
		stub    *hoststub.Host
		monitor *moonraker.Monitor
	)
	if cfg.Server.DryRun {
		vars, err := hoststub.NewVariables(filepath.Join(cfg.StubStateDir(), "variables.json"))
		if err != nil {
			return fmt.Errorf("stub variables: %w", err)
		}
		stub = hoststub.New(vars, config.ExpandHome(cfg.MetadataScan.GcodesRoot), logs.Logger("hoststub"))
		host = stub
		log.Warn("dry run: printer commands go to the stub host")
	} else {
		client, err := moonraker.NewClient(moonraker.Config{
			BaseURL:          cfg.Moonraker.URL,
			APIKey:           cfg.Moonraker.APIKey,
			Timeout:          cfg.MoonrakerTimeout(),
			FailureThreshold: cfg.Moonraker.FailureThreshold,
			OpenTimeout:      cfg.MoonrakerOpenTimeout(),
		}, logs.Logger("moonraker"))
		if err != nil {
			return err
		}
		host = client
		monitor = moonraker.NewMonitor(client, monitorInterval, logs.Logger("klippy"))
	}

	var execRunner sysexec.Runner = sysexec.NewExecRunner(logs.Logger("exec"))
	if cfg.Server.DryRun {
		execRunner = sysexec.NewLogRunner(logs.Logger("exec"))
	}
	hub := api.NewHub(logs.Logger("websocket"))

	dispatcher, err := numpad.NewDispatcher(settings, host, hub, logs.Component("numpad_macros", settings.DebugLog))
	if err != nil {
		return err
	}

	snd := sound.New(config.ExpandHome(cfg.Sound.Directory), host, execRunner, hub, logs.Logger("sound_system"))
	updater := newUpdater(cfg, execRunner, host, logs.Logger("lister_update"))

	var scanner *metascan.Scanner
	if cfg.MetadataScan.Enabled {
		scanner = metascan.New(metascan.Options{
			Directory:  cfg.MetadataScan.Directory,
			GcodesRoot: config.ExpandHome(cfg.MetadataScan.GcodesRoot),
			Delay:      cfg.MetadataScanDelay(),
		}, host, hub, logs.Logger("metadata_scan"))
	}

	executor := command.NewExecutor(dispatcher, snd, updater, scanner)
	server := api.NewServer(api.Deps{
		Dispatcher: dispatcher,
		Sound:      snd,
		Updater:    updater,
		Scanner:    scanner,
		Executor:   executor,
		Hub:        hub,
	}, logs.Logger("api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onReady := func(ctx context.Context) {
		if unit := cfg.Server.ReadyService; unit != "" && !cfg.Server.DryRun {
			if err := sysexec.RestartService(ctx, execRunner, unit); err != nil {
				log.Warn("ready service restart failed", "unit", unit, "error", err)
			}
		}
		if err := dispatcher.HandleReady(ctx); err != nil {
			log.Error("refresh on ready failed", "error", err)
		}
		snd.HandleReady()
		if scanner != nil {
			scanner.HandleReady(ctx)
		}
	}

	if monitor != nil {
		monitor.OnReady(onReady)
		monitor.OnShutdown(dispatcher.HandleShutdown)
		monitor.Start()
	}

	var wg sync.WaitGroup
	if monitor == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			onReady(ctx)
		}()
	}
	if cfg.Keypad.Device != "" {
		reader := keypad.New(keypad.Config{
			Device: cfg.Keypad.Device,
			Baud:   cfg.Keypad.BaudRate,
			Retry:  cfg.KeypadRetry(),
		}, func(ctx context.Context, key string) error {
			_, err := dispatcher.HandleKeyEvent(ctx, key)
			return err
		}, logs.Logger("keypad"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			reader.Run(ctx)
		}()
	}

	addr := cfg.ListenAddr()
	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting API server", "addr", addr)
		serverErr <- server.Run(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consoleDone := make(chan struct{})
	var console *tui.Console
	if cfg.Server.Console {
		console = tui.NewConsole(dispatcher, executor, stub, addr)
		sink.attach(console.LogWriter())
		go func() {
			if err := console.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "console error: %v\n", err)
			}
			close(consoleDone)
		}()
	}

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case <-consoleDone:
		log.Info("console closed, shutting down")
	}

	if console != nil {
		console.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	cancel()
	wg.Wait()

	dispatcher.Close()
	if scanner != nil {
		scanner.Close()
	}
	snd.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown", "error", err)
	}
	return runErr
}

// consoleSink holds log output until the console is attached
type consoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func (s *consoleSink) attach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
	if s.buf.Len() > 0 {
		_, _ = w.Write(s.buf.Bytes())
		s.buf.Reset()
	}
}

func (s *consoleSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return s.buf.Write(p)
	}
	return s.w.Write(p)
}
