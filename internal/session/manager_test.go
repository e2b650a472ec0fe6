package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/wagate/internal/model"
)

type fakeClient struct {
	mu         sync.Mutex
	calls      []string
	open       bool
	logoutErr  error
	destroyErr error
	initErr    error
}

func (f *fakeClient) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeClient) Initialize(context.Context) error { f.record("initialize"); return f.initErr }
func (f *fakeClient) Logout(context.Context) error     { f.record("logout"); return f.logoutErr }
func (f *fakeClient) Destroy(context.Context) error    { f.record("destroy"); return f.destroyErr }
func (f *fakeClient) TransportOpen() bool              { return f.open }

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []model.InboundMessage
}

func (r *recordingHandler) HandleMessage(msg model.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func newTestManager(t *testing.T, client Client, dir string, h MessageHandler) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(client, make(chan Event), dir, h, logger)
}

func TestManager_EventTransitions(t *testing.T) {
	m := newTestManager(t, &fakeClient{open: true}, t.TempDir(), nil)

	if got := m.Snapshot().Status; got != StatusAwaitingQR {
		t.Fatalf("expected initial AWAITING_QR, got %s", got)
	}

	m.apply(Event{Kind: EventQR, QR: "qr-1"})
	if s := m.Snapshot(); s.Status != StatusQRReady || s.QR != "qr-1" {
		t.Fatalf("unexpected snapshot after qr: %+v", s)
	}

	m.apply(Event{Kind: EventReady})
	if s := m.Snapshot(); s.Status != StatusConnected || s.QR != "" {
		t.Fatalf("ready should clear qr: %+v", s)
	}
	if !m.Ready() {
		t.Fatalf("expected Ready() when connected with open transport")
	}

	// A new QR always means the session was lost, even from CONNECTED.
	m.apply(Event{Kind: EventQR, QR: "qr-2"})
	if s := m.Snapshot(); s.Status != StatusQRReady || s.QR != "qr-2" {
		t.Fatalf("qr should override connected: %+v", s)
	}

	m.apply(Event{Kind: EventAuthFailure, Reason: "bad creds"})
	if s := m.Snapshot(); s.Status != StatusDisconnected || s.QR != "qr-2" {
		t.Fatalf("auth failure should keep last qr: %+v", s)
	}

	m.apply(Event{Kind: EventDisconnected, Reason: "network"})
	if s := m.Snapshot(); s.Status != StatusDisconnected {
		t.Fatalf("expected DISCONNECTED: %+v", s)
	}
	if m.Ready() {
		t.Fatalf("expected not ready when disconnected")
	}
}

func TestManager_EmptyQRIgnored(t *testing.T) {
	m := newTestManager(t, &fakeClient{}, t.TempDir(), nil)
	m.apply(Event{Kind: EventQR})
	if s := m.Snapshot(); s.Status != StatusAwaitingQR {
		t.Fatalf("empty qr must not reach QR_READY: %+v", s)
	}
}

func TestManager_ReadyRequiresOpenTransport(t *testing.T) {
	m := newTestManager(t, &fakeClient{open: false}, t.TempDir(), nil)
	m.apply(Event{Kind: EventReady})
	if m.Ready() {
		t.Fatalf("expected not ready while transport closed")
	}
}

func TestManager_RunForwardsMessagesAndNotifiesWatchers(t *testing.T) {
	h := &recordingHandler{}
	events := make(chan Event, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(&fakeClient{open: true}, events, t.TempDir(), h, logger)

	seen := make(chan Snapshot, 4)
	m.Watch(func(s Snapshot) { seen <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	events <- Event{Kind: EventQR, QR: "qr"}
	events <- Event{Kind: EventMessage, Message: &model.InboundMessage{ID: "m1", Body: "hola"}}

	select {
	case s := <-seen:
		if s.Status != StatusQRReady {
			t.Fatalf("watcher saw %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher not notified")
	}

	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := len(h.msgs)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}

func TestManager_LogoutRequiresConnected(t *testing.T) {
	client := &fakeClient{}
	m := newTestManager(t, client, t.TempDir(), nil)
	if err := m.Logout(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if len(client.Calls()) != 0 {
		t.Fatalf("no client calls expected, got %v", client.Calls())
	}
}

func TestManager_LogoutRestartsClient(t *testing.T) {
	client := &fakeClient{open: true}
	m := newTestManager(t, client, t.TempDir(), nil)
	m.apply(Event{Kind: EventReady})

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	want := []string{"logout", "destroy", "initialize"}
	got := client.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if s := m.Snapshot(); s.Status != StatusAwaitingQR || s.QR != "" {
		t.Fatalf("expected AWAITING_QR after logout: %+v", s)
	}
}

func TestManager_LogoutJoinsPhaseErrors(t *testing.T) {
	logoutErr := errors.New("logout rejected")
	initErr := errors.New("init failed")
	client := &fakeClient{open: true, logoutErr: logoutErr, initErr: initErr}
	m := newTestManager(t, client, t.TempDir(), nil)
	m.apply(Event{Kind: EventReady})

	err := m.Logout(context.Background())
	if !errors.Is(err, logoutErr) || !errors.Is(err, initErr) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
	if calls := client.Calls(); calls[len(calls)-1] != "initialize" {
		t.Fatalf("initialize must still run, calls=%v", calls)
	}
}

func TestManager_ResetClearsContentsKeepsDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "whatsmeow.db"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nested", "deeper"), 0o750); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{}
	m := newTestManager(t, client, dir, nil)
	m.apply(Event{Kind: EventQR, QR: "stale"})

	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("credential dir should survive: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
	if s := m.Snapshot(); s.Status != StatusAwaitingQR || s.QR != "" {
		t.Fatalf("unexpected snapshot after reset: %+v", s)
	}

	// Second reset with nothing left to delete is a no-op.
	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("second Reset() error: %v", err)
	}
}

func TestManager_ResetMissingDirAndDestroyFailure(t *testing.T) {
	destroyErr := errors.New("browser gone")
	client := &fakeClient{destroyErr: destroyErr}
	m := newTestManager(t, client, filepath.Join(t.TempDir(), "absent"), nil)

	err := m.Reset(context.Background())
	if !errors.Is(err, destroyErr) {
		t.Fatalf("expected destroy error reported, got %v", err)
	}
	calls := client.Calls()
	if calls[len(calls)-1] != "initialize" {
		t.Fatalf("reset must reinitialize after a failed teardown, calls=%v", calls)
	}
}
