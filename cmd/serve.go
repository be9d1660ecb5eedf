package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/accord/core/config"
	"github.com/adalundhe/accord/core/conflict"
	"github.com/adalundhe/accord/core/coordinator"
	"github.com/adalundhe/accord/core/events"
	"github.com/adalundhe/accord/core/hashing"
	"github.com/adalundhe/accord/core/httpapi"
	"github.com/adalundhe/accord/core/journal"
	"github.com/adalundhe/accord/core/locking"
	"github.com/adalundhe/accord/core/merge"
	"github.com/adalundhe/accord/core/watch"
	"github.com/adalundhe/accord/core/workspace"
)

var (
	serveConfigPath string
	serveAddress    string
	serveRoots      []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "accord.yaml", "path to configuration file")
	serveCmd.Flags().StringVar(&serveAddress, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringSliceVar(&serveRoots, "root", nil, "workspace root (repeatable, overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if len(serveRoots) > 0 {
		cfg.Workspace.Roots = serveRoots
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	service, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer service.close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           httpapi.NewServer(service.coord, service.registry, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.Server.Address, "roots", service.guard.Roots())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// service bundles the wired components so teardown is deterministic.
type service struct {
	guard    *workspace.Guard
	coord    *coordinator.Coordinator
	registry *conflict.Registry
	locks    *locking.Manager
	bus      *events.Bus
	monitor  *watch.Monitor
	store    *journal.Store
}

func buildService(cfg config.Config, logger *slog.Logger) (*service, error) {
	var store *journal.Store
	audit := workspace.AuditLogger(&workspace.SlogAuditLogger{Logger: logger})
	if cfg.Journal.Enabled {
		var err error
		store, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		audit = store
	}

	guardCfg := workspace.DefaultConfig(cfg.Workspace.Roots...)
	guardCfg.IgnorePatterns = cfg.Workspace.IgnorePatterns
	guardCfg.AllowSymlinks = cfg.Workspace.AllowSymlinks
	if cfg.Workspace.MaxFileSize > 0 {
		guardCfg.MaxFileSize = cfg.Workspace.MaxFileSize
	}
	guardCfg.Audit = audit

	guard, err := workspace.NewGuard(guardCfg)
	if err != nil {
		return nil, err
	}

	tracker, err := hashing.NewTracker(cfg.Workspace.HashCacheSize)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	bus.Start()

	registry := conflict.NewRegistry(conflict.RegistryConfig{
		Bus:     bus,
		Journal: journalOrNil(store),
		Logger:  logger,
	})
	if err := registry.Restore(); err != nil {
		logger.Warn("conflict restore failed", "error", err)
	}

	locks := locking.NewManager()
	lockTimeout, err := cfg.Locks.Timeout()
	if err != nil {
		return nil, err
	}

	var monitor *watch.Monitor
	coordCfg := coordinator.Config{
		Guard:       guard,
		Locks:       locks,
		Hashes:      tracker,
		Merger:      merge.NewResolver(),
		Registry:    registry,
		Logger:      logger,
		LockTimeout: lockTimeout,
	}

	if cfg.Watcher.Enabled {
		debounce, err := cfg.Watcher.DebounceInterval()
		if err != nil {
			return nil, err
		}
		monitor, err = watch.NewMonitor(watch.Config{
			Roots:          guard.Roots(),
			IgnorePatterns: cfg.Workspace.IgnorePatterns,
			Debounce:       debounce,
		}, tracker, bus, nil)
		if err != nil {
			return nil, fmt.Errorf("start watcher: %w", err)
		}
		coordCfg.CommitHook = monitor.NoteInternalWrite
	}

	coord, err := coordinator.New(coordCfg)
	if err != nil {
		return nil, err
	}
	registry.AttachWriter(coord)

	if monitor != nil {
		monitor.SetOnChange(coord.NoteExternalChange)
		monitor.Start()
	}

	return &service{
		guard:    guard,
		coord:    coord,
		registry: registry,
		locks:    locks,
		bus:      bus,
		monitor:  monitor,
		store:    store,
	}, nil
}

func journalOrNil(store *journal.Store) conflict.Journal {
	if store == nil {
		return nil
	}
	return store
}

func (s *service) close() {
	if s.monitor != nil {
		s.monitor.Close()
	}
	s.registry.Close()
	s.locks.Close()
	s.bus.Close()
	if s.store != nil {
		s.store.Close()
	}
}
