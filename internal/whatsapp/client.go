// Package whatsapp adapts a whatsmeow client to the session, dispatch and API
// layers. Everything the network reports is translated into session.Events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/dharsanguruparan/wagate/internal/model"
	"github.com/dharsanguruparan/wagate/internal/session"
)

// ErrNotInitialized is returned when an operation needs a live client but
// Initialize has not run or Destroy has torn it down.
var ErrNotInitialized = errors.New("whatsapp client not initialized")

// Client owns one whatsmeow client and its sqlite credential store.
type Client struct {
	storePath string
	events    chan<- session.Event
	logger    *slog.Logger
	wlog      waLog.Logger

	// lifecycle serializes Initialize and Destroy; mu only guards the fields.
	lifecycle sync.Mutex
	mu        sync.Mutex
	container *sqlstore.Container
	cli       *whatsmeow.Client
	stopQR    context.CancelFunc
}

// New returns an uninitialized Client. storePath is the sqlite file holding
// the paired device credentials.
func New(storePath string, events chan<- session.Event, logger *slog.Logger) *Client {
	logger = logger.With("component", "whatsapp")
	return &Client{
		storePath: storePath,
		events:    events,
		logger:    logger,
		wlog:      NewLogger(logger),
	}
}

// Initialize opens the credential store and connects. An unpaired store
// starts the QR pairing flow; a paired one reconnects silently.
func (c *Client) Initialize(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.current() != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.storePath), 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+c.storePath+"?_foreign_keys=on", c.wlog.Sub("store"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("load device: %w", err)
	}
	cli := whatsmeow.NewClient(device, c.wlog.Sub("client"))
	c.attach(cli)

	var stopQR context.CancelFunc
	if cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrCh, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			cli.RemoveEventHandlers()
			_ = container.Close()
			return fmt.Errorf("open qr channel: %w", err)
		}
		stopQR = cancel
		go c.pumpQR(qrCh)
	}
	c.publish(container, cli, stopQR)
	if err := cli.Connect(); err != nil {
		c.publish(nil, nil, nil)
		if stopQR != nil {
			stopQR()
		}
		cli.RemoveEventHandlers()
		_ = container.Close()
		return fmt.Errorf("connect: %w", err)
	}
	c.logger.Info("client initialized", "paired", cli.Store.ID != nil)
	return nil
}

// attach routes cli's events through handleEvent. The handler runs under
// whatsmeow's handler lock and must not take c.mu.
func (c *Client) attach(cli *whatsmeow.Client) {
	cli.AddEventHandler(func(evt any) { c.handleEvent(cli, evt) })
}

func (c *Client) publish(container *sqlstore.Container, cli *whatsmeow.Client, stopQR context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.container, c.cli, c.stopQR = container, cli, stopQR
}

// Logout unpairs the device on the network side.
func (c *Client) Logout(ctx context.Context) error {
	cli := c.current()
	if cli == nil {
		return ErrNotInitialized
	}
	if err := cli.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Destroy disconnects and releases the credential store. It is a no-op when
// nothing is initialized.
func (c *Client) Destroy(context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	container, cli, stopQR := c.container, c.cli, c.stopQR
	c.container, c.cli, c.stopQR = nil, nil, nil
	c.mu.Unlock()

	if cli == nil {
		return nil
	}
	if stopQR != nil {
		stopQR()
	}
	cli.RemoveEventHandlers()
	cli.Disconnect()
	if err := container.Close(); err != nil {
		return fmt.Errorf("close credential store: %w", err)
	}
	return nil
}

// TransportOpen reports whether the websocket to the network is up.
func (c *Client) TransportOpen() bool {
	cli := c.current()
	return cli != nil && cli.IsConnected()
}

// LookupNumber asks the network whether digits belong to an account.
func (c *Client) LookupNumber(ctx context.Context, digits string) (model.NumberInfo, error) {
	cli := c.current()
	if cli == nil {
		return model.NumberInfo{}, ErrNotInitialized
	}
	resp, err := cli.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err != nil {
		return model.NumberInfo{}, fmt.Errorf("lookup number: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return model.NumberInfo{}, nil
	}
	return model.NumberInfo{Exists: true, JID: resp[0].JID.String()}, nil
}

func (c *Client) current() *whatsmeow.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cli
}

func (c *Client) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(session.Event{Kind: session.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(session.Event{Kind: session.EventDisconnected, Reason: "qr pairing timed out"})
		case whatsmeow.QRChannelEventError:
			c.emit(session.Event{Kind: session.EventAuthFailure, Reason: fmt.Sprint(item.Error)})
		default:
			c.emit(session.Event{Kind: session.EventAuthFailure, Reason: item.Event})
		}
	}
}

func (c *Client) handleEvent(cli *whatsmeow.Client, raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.emit(session.Event{Kind: session.EventReady})
	case *events.Message:
		if cli == nil {
			return
		}
		msg := inboundMessage(evt, accountOf(cli), cli)
		c.emit(session.Event{Kind: session.EventMessage, Message: &msg})
	case *events.LoggedOut:
		c.emit(session.Event{Kind: session.EventAuthFailure, Reason: "logged out: " + evt.Reason.String()})
	case *events.ConnectFailure:
		c.emit(session.Event{Kind: session.EventAuthFailure, Reason: fmt.Sprintf("connect failure: %s %s", evt.Reason, evt.Message)})
	case *events.TemporaryBan:
		c.emit(session.Event{Kind: session.EventAuthFailure, Reason: evt.String()})
	case *events.ClientOutdated:
		c.emit(session.Event{Kind: session.EventAuthFailure, Reason: "client outdated"})
	case *events.StreamReplaced:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	}
}

func (c *Client) emit(ev session.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", "kind", ev.Kind.String())
	}
}
