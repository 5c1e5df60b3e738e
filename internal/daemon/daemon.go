// Package daemon assembles and runs the bridge: transport, orchestrator,
// watcher, scanner, and the pid/log plumbing around them.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
	"github.com/nextlevelbuilder/remotecode/internal/config"
	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/logging"
	"github.com/nextlevelbuilder/remotecode/internal/orchestrator"
	"github.com/nextlevelbuilder/remotecode/internal/permission"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/scanner"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
	"github.com/nextlevelbuilder/remotecode/internal/watcher"
)

// Run starts the daemon and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives. Echo mirrors logs to stderr for foreground runs.
func Run(ctx context.Context, echo bool) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	// Yolo auto-approves every tool invocation. Running that as root hands
	// the agent the whole machine, so refuse the combination outright.
	if cfg.Yolo && os.Geteuid() == 0 {
		return fmt.Errorf("refusing to run as root with REMOTECODE_YOLO enabled")
	}

	logWriter, err := logging.NewRotatingWriter(filepath.Join(dir, "remotecode.log"))
	if err != nil {
		return err
	}
	defer logWriter.Close()
	logging.Setup(logWriter, cfg.Verbose, echo)

	if err := WritePidFile(dir); err != nil {
		return err
	}
	defer RemovePidFile(dir)

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	client, err := telegram.New(cfg.BotToken)
	if err != nil {
		return err
	}

	reg := registry.New(filepath.Join(dir, "local"))
	if cfg.AutoSync && reg.Get(registry.KeyAutoSync) == "" {
		if err := reg.SetAutoSync(true); err != nil {
			slog.Debug("seed auto-sync failed", "error", err)
		}
	}
	store := convstore.New(convstore.DefaultRoot())
	arb := permission.New(client, permission.NewRules(home), cfg.Yolo, reg.ChatID)

	orch := orchestrator.New(client, reg, store, arb, cfg,
		func(ctx context.Context, sessionID, workDir string, opts agent.Options) (orchestrator.Channel, error) {
			return agent.New(ctx, sessionID, workDir, opts)
		})
	w := watcher.New(client, reg, store, orch)
	sc := scanner.New(client, reg, store, orch)
	orch.SetWatcher(w)
	orch.SetScanner(sc)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates, err := client.Start(runCtx)
	if err != nil {
		return err
	}
	defer client.Stop()

	if err := client.SyncCommands(runCtx, telegram.MenuCommands()); err != nil {
		slog.Debug("publish command menu failed", "error", err)
	}
	slog.Info("daemon started", "bot", client.Username(), "pid", os.Getpid())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return w.Start(gctx) })
	g.Go(func() error { return sc.Start(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				go orch.HandleUpdate(gctx, u)
			}
		}
	})

	err = g.Wait()
	slog.Info("daemon stopped")
	return err
}

// PidPath returns the pid file location inside the config directory.
func PidPath(dir string) string {
	return filepath.Join(dir, "remotecode.pid")
}

// WritePidFile records this process's pid, refusing when a live daemon
// already owns the file.
func WritePidFile(dir string) error {
	if pid, ok := ReadPidFile(dir); ok {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	path := PidPath(dir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// ReadPidFile returns the recorded pid when it names a live process. A stale
// file (dead process, garbage content) reads as not-running.
func ReadPidFile(dir string) (int, bool) {
	data, err := os.ReadFile(PidPath(dir))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// RemovePidFile deletes the pid file, best effort.
func RemovePidFile(dir string) {
	if err := os.Remove(PidPath(dir)); err != nil && !os.IsNotExist(err) {
		slog.Debug("remove pid file failed", "error", err)
	}
}

// Stop signals a running daemon with SIGTERM. Returns the pid it signalled.
func Stop(dir string) (int, error) {
	pid, ok := ReadPidFile(dir)
	if !ok {
		return 0, fmt.Errorf("no running daemon found")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}
