package resource

import (
	"strings"
	"sync"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/trust"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Manager.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// binding tracks one resource: its configuration, its running process
// (nil while stopped), and the runs depending on it.
type binding struct {
	config models.ResourceConfig
	handle ProcessHandle
	runs   map[string]struct{}
}

// Manager starts and stops auxiliary server processes, reference-counted
// across concurrently active runs. A process runs if and only if its
// dependent-run set is non-empty. Starting a process is gated by the
// trust ledger on the resource's command line.
type Manager struct {
	supervisor ProcessSupervisor
	ledger     *trust.Ledger
	confirm    trust.ConfirmFunc
	logger     Logger

	mu       sync.Mutex
	bindings map[string]*binding
}

func NewManager(supervisor ProcessSupervisor, ledger *trust.Ledger, confirm trust.ConfirmFunc, logger Logger) *Manager {
	return &Manager{
		supervisor: supervisor,
		ledger:     ledger,
		confirm:    confirm,
		logger:     logger,
		bindings:   make(map[string]*binding),
	}
}

// Register declares a resource so runs may acquire it. Re-registering an
// existing name updates the configuration for future starts.
func (m *Manager) Register(cfg models.ResourceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[cfg.Name]; ok {
		b.config = cfg
		return
	}
	m.bindings[cfg.Name] = &binding{config: cfg, runs: make(map[string]struct{})}
}

// Acquire binds a resource to a run, starting the process on the 0 -> 1
// transition. Acquiring twice for the same run is a no-op.
func (m *Manager) Acquire(name, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[name]
	if !ok {
		return errors.Errorf("resource '%s' is not registered", name)
	}
	if _, held := b.runs[runID]; held {
		return nil
	}

	if len(b.runs) == 0 {
		cmdline := commandLine(b.config)
		allowed, err := m.ledger.IsAllowed(cmdline, m.confirm)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.Wrapf(trust.ErrDenied, "resource '%s'", name)
		}
		handle, err := m.supervisor.Start(b.config.Name, b.config.Command, b.config.Args)
		if err != nil {
			return errors.Wrapf(err, "acquire resource '%s'", name)
		}
		b.handle = handle
		m.logger.Infof("Started resource '%s' for run %s", name, runID)
	}
	b.runs[runID] = struct{}{}
	return nil
}

// Release unbinds a resource from a run, stopping the process on the
// 1 -> 0 transition. Releasing a run that is not bound is a no-op.
func (m *Manager) Release(name, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[name]
	if !ok {
		return errors.Errorf("resource '%s' is not registered", name)
	}
	if _, held := b.runs[runID]; !held {
		return nil
	}
	delete(b.runs, runID)
	if len(b.runs) > 0 {
		return nil
	}

	handle := b.handle
	b.handle = nil
	if handle == nil {
		return nil
	}
	if err := m.supervisor.Stop(handle); err != nil {
		return errors.Wrapf(err, "release resource '%s'", name)
	}
	m.logger.Infof("Stopped resource '%s' after run %s released it", name, runID)
	return nil
}

// IsActive reports whether the resource process is currently running.
func (m *Manager) IsActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[name]
	return ok && len(b.runs) > 0 && b.handle != nil && m.supervisor.IsAlive(b.handle)
}

// ReleaseAll releases every resource held by a run. Stop failures are
// logged, not surfaced: the run is already past caring.
func (m *Manager) ReleaseAll(runID string) {
	m.mu.Lock()
	names := make([]string, 0, len(m.bindings))
	for name, b := range m.bindings {
		if _, held := b.runs[runID]; held {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Release(name, runID); err != nil {
			m.logger.Errorf("Failed to release resource '%s' for run %s: %v", name, runID, err)
		}
	}
}

// Shutdown stops every running resource regardless of dependents.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, b := range m.bindings {
		if b.handle == nil {
			continue
		}
		if err := m.supervisor.Stop(b.handle); err != nil {
			m.logger.Errorf("Failed to stop resource '%s': %v", name, err)
		}
		b.handle = nil
		b.runs = make(map[string]struct{})
	}
}

func commandLine(cfg models.ResourceConfig) string {
	if len(cfg.Args) == 0 {
		return cfg.Command
	}
	return cfg.Command + " " + strings.Join(cfg.Args, " ")
}
