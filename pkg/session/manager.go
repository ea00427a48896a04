package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel/pkg/control"
)

// Manager owns every session this process knows about: ones it spawned
// itself and ones it adopted after spotting them on disk (sessions
// created directly by the forwarding CLI, or left behind by a prior
// supervisor instance). It is the single place that mutates the
// control directory's top level.
type Manager struct {
	controlRoot string
	logger      *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*Session

	watcher *control.AdoptionWatcher

	hookMu    sync.Mutex
	onCreated []func(*Session)
	onRemoved []func(string)
}

// NewManager creates the control root if needed and starts watching it
// for sessions this process didn't create itself.
func NewManager(controlRoot string, logger *zap.SugaredLogger) (*Manager, error) {
	if err := os.MkdirAll(controlRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}

	m := &Manager{
		controlRoot: controlRoot,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}

	watcher, err := control.NewAdoptionWatcher(controlRoot, logger)
	if err != nil {
		if logger != nil {
			logger.Warnw("adoption watch disabled", "error", err)
		}
	} else {
		m.watcher = watcher
		go m.watchAdoptions()
	}

	return m, nil
}

// OnSessionCreated registers a hook fired for every session this manager
// starts tracking, whether spawned locally or adopted from disk. Callers
// use this to attach a recorder sink and register with the emulator
// cache without the manager needing to know either exists.
func (m *Manager) OnSessionCreated(fn func(*Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onCreated = append(m.onCreated, fn)
}

// OnSessionRemoved registers a hook fired when a session's directory is
// deleted, so the emulator cache can drop its buffered state.
func (m *Manager) OnSessionRemoved(fn func(string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onRemoved = append(m.onRemoved, fn)
}

func (m *Manager) fireCreated(s *Session) {
	m.hookMu.Lock()
	hooks := append([]func(*Session){}, m.onCreated...)
	m.hookMu.Unlock()
	for _, h := range hooks {
		h(s)
	}
}

func (m *Manager) fireRemoved(id string) {
	m.hookMu.Lock()
	hooks := append([]func(string){}, m.onRemoved...)
	m.hookMu.Unlock()
	for _, h := range hooks {
		h(id)
	}
}

func (m *Manager) watchAdoptions() {
	for id := range m.watcher.Events() {
		m.mu.RLock()
		_, known := m.sessions[id]
		m.mu.RUnlock()
		if known {
			continue
		}

		s, err := loadSession(m.controlRoot, id, m.logger)
		if err != nil {
			continue
		}
		if s.GetInfo().SpawnType != SpawnExternal {
			continue
		}

		m.mu.Lock()
		if _, known := m.sessions[id]; known {
			m.mu.Unlock()
			continue
		}
		m.sessions[id] = s
		m.mu.Unlock()

		if m.logger != nil {
			m.logger.Infow("adopted external session", "session", id)
		}
		m.fireCreated(s)
	}
}

// CreateSession spawns a new server-owned PTY session. Command must be
// non-empty; defaulting to the user's shell only applies to sessions
// created interactively (newSession), not through this API path.
func (m *Manager) CreateSession(cfg Config) (*Session, error) {
	if len(cfg.Command) == 0 {
		return nil, errInvalidArgument("", "command is required")
	}
	if cfg.SpawnType == "" {
		cfg.SpawnType = SpawnPTY
	}
	cfg.WorkingDir = expandHome(cfg.WorkingDir)

	s, err := newSession(m.controlRoot, cfg, m.logger)
	if err != nil {
		return nil, err
	}

	if err := s.Start(); err != nil {
		_ = os.RemoveAll(s.Path())
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.fireCreated(s)
	return s, nil
}

// GetSession returns a tracked session, loading it from disk if this is
// the first time this process has seen it.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	if s, ok := m.sessions[id]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	s, err := loadSession(m.controlRoot, id, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.fireCreated(s)
	return s, nil
}

// FindSession resolves a name, full id, or id prefix to a session.
func (m *Manager) FindSession(nameOrID string) (*Session, error) {
	infos, err := m.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.ID == nameOrID || info.Name == nameOrID || strings.HasPrefix(info.ID, nameOrID) {
			return m.GetSession(info.ID)
		}
	}
	return nil, errNotFound(nameOrID)
}

// ListSessions reads every session directory, reconciling status against
// OS reality, and returns them newest-first.
func (m *Manager) ListSessions() ([]Info, error) {
	entries, err := os.ReadDir(m.controlRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, err
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		s, err := m.GetSession(entry.Name())
		if err != nil {
			continue
		}
		if info := s.GetInfo(); info.Status != StatusExited {
			if err := s.UpdateStatus(); err != nil && m.logger != nil {
				m.logger.Warnw("failed to update session status", "session", s.ID, "error", err)
			}
		}
		infos = append(infos, s.GetInfo())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos, nil
}

// CleanupExitedSessions removes the directories of every exited session,
// including dropping their emulator cache state (spec §9's resolution
// of the "does cleanup touch the cache" open question: it does).
func (m *Manager) CleanupExitedSessions() error {
	infos, err := m.ListSessions()
	if err != nil {
		return err
	}

	var errs []error
	for _, info := range infos {
		if info.Status != StatusExited {
			continue
		}
		if err := m.RemoveSession(info.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// RemoveSession deletes a single session's directory. It refuses while
// the child is still alive, so a live session has to be killed before it
// can be removed; CleanupExitedSessions goes through this same check.
func (m *Manager) RemoveSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if s.IsAlive() {
		return errConflict(id, "cannot remove a running session")
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.controlRoot, id)); err != nil {
		return errIO(id, "failed to remove session directory", err)
	}

	m.fireRemoved(id)
	return nil
}

// Shutdown stops the adoption watcher. It does not touch running
// sessions; the caller orchestrates the kill/flush sequence itself.
func (m *Manager) Shutdown() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}
