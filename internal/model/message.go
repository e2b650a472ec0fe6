// Package model contains the message shapes shared between the queue worker,
// the chat client adapter and the webhook relay.
package model

import (
	"context"
	"time"
)

// Media is a binary attachment with its content type. Filename may be empty.
type Media struct {
	Mimetype string
	Data     []byte
	Filename string
}

// OutboundMessage is a fully resolved send: the recipient is digits only and
// any media has already been fetched or decoded. When both Text and Media are
// set, Text is the caption.
type OutboundMessage struct {
	Recipient  string
	Text       string
	Media      *Media
	AsDocument bool
}

// NumberInfo is the result of asking the network whether a number has an
// account. JID is empty when Exists is false.
type NumberInfo struct {
	Exists bool
	JID    string
}

// MessageType mirrors the coarse kinds of inbound content a webhook consumer
// can branch on.
type MessageType string

const (
	TypeChat     MessageType = "chat"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeVoice    MessageType = "ptt"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeUnknown  MessageType = "unknown"
)

// InboundMessage is one message observed on the session. It is never
// persisted; Download is nil when the message carries no media.
type InboundMessage struct {
	ID        string
	From      string
	To        string
	FromMe    bool
	PushName  string
	Body      string
	Type      MessageType
	HasMedia  bool
	Timestamp time.Time
	IsGroup   bool
	Download  func(ctx context.Context) (*Media, error)
}

// IsSelf reports whether the message was addressed to the account that sent it.
func (m InboundMessage) IsSelf() bool {
	return m.From == m.To
}
