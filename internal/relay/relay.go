// Package relay forwards inbound chat messages to an external webhook.
// Delivery is best-effort: one POST per message, bounded by a timeout, never
// retried.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/wagate/internal/model"
)

// StatusBroadcast is the pseudo-chat that carries status updates.
const StatusBroadcast = "status@broadcast"

const (
	defaultName     = "Unknown"
	downloadTimeout = time.Minute
)

// ErrDelivery wraps every webhook failure. It is logged, never propagated.
var ErrDelivery = errors.New("webhook delivery failed")

// Payload is the JSON body posted to the webhook.
type Payload struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	IsSelf    bool          `json:"isSelf"`
	Name      string        `json:"name"`
	Body      string        `json:"body"`
	Type      string        `json:"type"`
	HasMedia  bool          `json:"hasMedia"`
	Media     *MediaPayload `json:"media"`
	Timestamp int64         `json:"timestamp"`
	IsGroup   bool          `json:"isGroup"`
}

// MediaPayload carries attachment bytes as base64. URL is set when the media
// was also archived to object storage.
type MediaPayload struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Archiver stores a copy of inbound media and returns a URL for it.
type Archiver interface {
	Archive(ctx context.Context, key string, media *model.Media) (string, error)
}

// Relay delivers inbound messages through a bounded worker pool so the event
// stream never waits on the webhook.
type Relay struct {
	url      string
	client   *http.Client
	archiver Archiver
	logger   *slog.Logger
	queue    chan model.InboundMessage
	workers  int
}

// New builds a Relay posting to url.
func New(url string, timeout time.Duration, workers int, logger *slog.Logger) *Relay {
	if workers <= 0 {
		workers = 1
	}
	return &Relay{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "relay"),
		queue:   make(chan model.InboundMessage, workers*32),
		workers: workers,
	}
}

// WithArchiver enables archiving of downloaded media.
func (r *Relay) WithArchiver(a Archiver) *Relay {
	r.archiver = a
	return r
}

// Start launches worker goroutines that run until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		go r.worker(ctx)
	}
}

// ShouldRelay drops status broadcasts and messages this account sent to
// someone else. Messages the account sent to itself are kept.
func ShouldRelay(msg model.InboundMessage) bool {
	if msg.From == StatusBroadcast {
		return false
	}
	if msg.FromMe && !msg.IsSelf() {
		return false
	}
	return true
}

// HandleMessage filters msg and queues it for delivery without blocking.
func (r *Relay) HandleMessage(msg model.InboundMessage) {
	if !ShouldRelay(msg) {
		return
	}
	select {
	case r.queue <- msg:
	default:
		r.logger.Warn("relay queue full, dropping message", "id", msg.ID, "from", msg.From)
	}
}

func (r *Relay) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			if err := r.Deliver(ctx, msg); err != nil {
				r.logger.Error("webhook notification failed", "id", msg.ID, "err", err)
			}
		}
	}
}

// Deliver builds the payload for msg and posts it once.
func (r *Relay) Deliver(ctx context.Context, msg model.InboundMessage) error {
	payload := Payload{
		From:      msg.From,
		To:        msg.To,
		IsSelf:    msg.IsSelf(),
		Name:      msg.PushName,
		Body:      msg.Body,
		Type:      string(msg.Type),
		HasMedia:  msg.HasMedia,
		Media:     r.media(ctx, msg),
		Timestamp: msg.Timestamp.Unix(),
		IsGroup:   msg.IsGroup,
	}
	if payload.Name == "" {
		payload.Name = defaultName
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status code %d body=%q", ErrDelivery, resp.StatusCode, string(respBody))
	}
	r.logger.Info("webhook notification sent", "id", msg.ID, "from", msg.From, "self", payload.IsSelf)
	return nil
}

// media downloads attachments best-effort; any failure yields nil.
func (r *Relay) media(ctx context.Context, msg model.InboundMessage) *MediaPayload {
	if !msg.HasMedia || msg.Download == nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	m, err := msg.Download(dctx)
	if err != nil || m == nil {
		r.logger.Error("media download failed", "id", msg.ID, "err", err)
		return nil
	}
	out := &MediaPayload{
		Mimetype: m.Mimetype,
		Data:     base64.StdEncoding.EncodeToString(m.Data),
		Filename: m.Filename,
	}
	if r.archiver != nil {
		url, err := r.archiver.Archive(dctx, archiveKey(msg), m)
		if err != nil {
			r.logger.Warn("media archive failed", "id", msg.ID, "err", err)
		} else {
			out.URL = url
		}
	}
	return out
}

func archiveKey(msg model.InboundMessage) string {
	day := msg.Timestamp.UTC().Format("2006/01/02")
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return fmt.Sprintf("inbound/%s/%s", day, id)
}
