// Package dispatch turns queued send jobs into messages on the chat network,
// one job at a time.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/wagate/internal/model"
	"github.com/dharsanguruparan/wagate/internal/pacing"
	"github.com/dharsanguruparan/wagate/internal/queue"
)

var (
	ErrMalformedJob     = errors.New("malformed job")
	ErrSessionNotReady  = errors.New("session not ready")
	ErrInvalidRecipient = errors.New("recipient has no digits")
	ErrNoContent        = errors.New("no content to send")
	ErrExternalSend     = errors.New("send failed")
)

// Session reports whether the chat session can send right now.
type Session interface {
	Ready() bool
}

// Sender delivers a resolved message.
type Sender interface {
	SendMessage(ctx context.Context, msg model.OutboundMessage) error
}

// Fetcher downloads remote media.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*model.Media, error)
}

// Ledger records dispatch attempts. It is optional.
type Ledger interface {
	MarkProcessing(ctx context.Context, jobID, recipient string, attempt int) error
	MarkSent(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, msg string) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	session Session
	sender  Sender
	fetcher Fetcher
	pacer   *pacing.Pacer
	ledger  Ledger
	logger  *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(session Session, sender Sender, fetcher Fetcher, pacer *pacing.Pacer, logger *slog.Logger) *Processor {
	return &Processor{
		session: session,
		sender:  sender,
		fetcher: fetcher,
		pacer:   pacer,
		logger:  logger.With("component", "dispatch"),
	}
}

// WithLedger enables attempt bookkeeping.
func (p *Processor) WithLedger(l Ledger) *Processor {
	p.ledger = l
	return p
}

// Handler registers the send job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SendMessageTask, p.handleSend)
	return mux
}

func (p *Processor) handleSend(ctx context.Context, task *asynq.Task) error {
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	defer p.pace(ctx)

	var payload queue.SendPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v: %w", ErrMalformedJob, err, asynq.SkipRetry)
	}
	attempt := retried + 1
	if p.ledger != nil {
		if err := p.ledger.MarkProcessing(ctx, id, payload.Number, attempt); err != nil {
			p.logger.Warn("ledger update failed", "job", id, "err", err)
		}
	}
	err := p.Process(ctx, payload)
	if err != nil {
		p.logger.Error("send failed", "job", id, "attempt", attempt, "err", err)
		if p.ledger != nil {
			_ = p.ledger.MarkFailed(ctx, id, err.Error())
		}
		if permanent(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if p.ledger != nil {
		if err := p.ledger.MarkSent(ctx, id); err != nil {
			p.logger.Warn("ledger update failed", "job", id, "err", err)
		}
	}
	p.logger.Info("message sent", "job", id, "attempt", attempt)
	return nil
}

// pace runs after every attempt regardless of outcome.
func (p *Processor) pace(ctx context.Context) {
	if err := p.pacer.Pause(ctx); err != nil {
		p.logger.Debug("pacing interrupted", "err", err)
	}
}

// Process validates and sends one job.
func (p *Processor) Process(ctx context.Context, job queue.SendPayload) error {
	if strings.TrimSpace(job.Number) == "" || (job.Message == "" && job.MediaURL == "" && job.MediaData == "") {
		return fmt.Errorf("%w: recipient and message or media are required", ErrMalformedJob)
	}
	if !p.session.Ready() {
		return ErrSessionNotReady
	}
	recipient := NormalizeRecipient(job.Number)
	if recipient == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, job.Number)
	}
	msg, err := p.resolve(ctx, recipient, job)
	if err != nil {
		return err
	}
	if err := p.sender.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrExternalSend, err)
	}
	return nil
}

func (p *Processor) resolve(ctx context.Context, recipient string, job queue.SendPayload) (model.OutboundMessage, error) {
	msg := model.OutboundMessage{Recipient: recipient, Text: job.Message, AsDocument: job.IsDocument}
	switch {
	case job.MediaURL != "":
		media, err := p.fetcher.Fetch(ctx, job.MediaURL)
		if err != nil {
			return msg, err
		}
		if job.Filename != "" {
			media.Filename = job.Filename
		}
		msg.Media = media
	case job.MediaData != "" && job.Mimetype != "":
		media, err := DecodeInline(job.MediaData, job.Mimetype, job.Filename)
		if err != nil {
			return msg, fmt.Errorf("%w: %w", ErrMalformedJob, err)
		}
		msg.Media = media
	}
	if msg.Media == nil && msg.Text == "" {
		return msg, ErrNoContent
	}
	return msg, nil
}

// NormalizeRecipient keeps only the digits of raw.
func NormalizeRecipient(raw string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
}

func permanent(err error) bool {
	return errors.Is(err, ErrMalformedJob) ||
		errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, ErrNoContent)
}
