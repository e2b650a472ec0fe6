package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dharsanguruparan/wagate/internal/model"
)

// Client is the chat network client as seen by the manager. Implementations
// report what happens on the wire by sending Events on the channel handed to
// them at construction.
type Client interface {
	Initialize(ctx context.Context) error
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
	// TransportOpen reports whether the underlying connection is live.
	TransportOpen() bool
}

// MessageHandler receives inbound messages. It must not block.
type MessageHandler interface {
	HandleMessage(msg model.InboundMessage)
}

// Manager is the only writer of the session state.
type Manager struct {
	client   Client
	events   <-chan Event
	credDir  string
	messages MessageHandler
	logger   *slog.Logger

	mu       sync.RWMutex
	snap     Snapshot
	watchers []func(Snapshot)

	// cmdMu serializes Logout and Reset against each other.
	cmdMu sync.Mutex
}

// NewManager builds a Manager. credDir is the directory whose contents Reset
// deletes. messages may be nil when inbound relay is disabled.
func NewManager(client Client, events <-chan Event, credDir string, messages MessageHandler, logger *slog.Logger) *Manager {
	return &Manager{
		client:   client,
		events:   events,
		credDir:  credDir,
		messages: messages,
		logger:   logger.With("component", "session"),
		snap:     Snapshot{Status: StatusAwaitingQR},
	}
}

// Watch registers fn to be called with every new snapshot. It must be called
// before Run and fn must not block.
func (m *Manager) Watch(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Start performs the first client initialization.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	return nil
}

// Run consumes client events until ctx is cancelled or the channel closes.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.apply(ev)
		}
	}
}

func (m *Manager) apply(ev Event) {
	switch ev.Kind {
	case EventQR:
		if ev.QR == "" {
			m.logger.Warn("ignoring empty qr payload")
			return
		}
		m.logger.Info("new qr generated, waiting for scan")
		m.set(func(s *Snapshot) {
			s.Status = StatusQRReady
			s.QR = ev.QR
		})
	case EventReady:
		m.logger.Info("session connected")
		m.set(func(s *Snapshot) {
			s.Status = StatusConnected
			s.QR = ""
		})
	case EventAuthFailure:
		m.logger.Warn("authentication failure", "reason", ev.Reason)
		m.set(func(s *Snapshot) { s.Status = StatusDisconnected })
	case EventDisconnected:
		m.logger.Warn("session disconnected", "reason", ev.Reason)
		m.set(func(s *Snapshot) { s.Status = StatusDisconnected })
	case EventMessage:
		if ev.Message != nil && m.messages != nil {
			m.messages.HandleMessage(*ev.Message)
		}
	default:
		m.logger.Debug("unhandled session event", "kind", ev.Kind.String())
	}
}

func (m *Manager) set(mutate func(*Snapshot)) {
	m.mu.Lock()
	mutate(&m.snap)
	snap := m.snap
	watchers := m.watchers
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(snap)
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Ready reports whether sends are currently possible.
func (m *Manager) Ready() bool {
	return m.Snapshot().Status == StatusConnected && m.client.TransportOpen()
}

// Logout ends the connected session and restarts the client so a fresh QR
// is produced. Teardown errors never prevent the restart; every failure is
// returned joined.
func (m *Manager) Logout(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if m.Snapshot().Status != StatusConnected {
		return ErrNoActiveSession
	}
	var errs []error
	if err := m.client.Logout(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logout: %w", err))
	}
	if err := m.client.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy client: %w", err))
	}
	m.set(func(s *Snapshot) {
		s.Status = StatusAwaitingQR
		s.QR = ""
	})
	if err := m.client.Initialize(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reinitialize client: %w", err))
	}
	return errors.Join(errs...)
}

// Reset destroys the client, deletes the contents of the credential directory
// and initializes again. It is safe to repeat.
func (m *Manager) Reset(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	var errs []error
	if err := m.client.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy client: %w", err))
	}
	m.set(func(s *Snapshot) {
		s.Status = StatusAwaitingQR
		s.QR = ""
	})
	if err := clearDir(m.credDir); err != nil {
		errs = append(errs, fmt.Errorf("clear credentials: %w", err))
	} else {
		m.logger.Info("session credentials removed", "dir", m.credDir)
	}
	if err := m.client.Initialize(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reinitialize client: %w", err))
	}
	return errors.Join(errs...)
}

// clearDir removes everything inside dir but keeps dir itself, which may be a
// volume mount point. A missing dir is not an error.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
