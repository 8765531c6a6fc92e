package gateway

import (
	"context"
	"time"
)

// Adapter delivers run notifications to one chat platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *OutboundMessage) (string, error)
	Status() AdapterStatus
	Close() error
}

// OutboundMessage is a notification for one platform channel. Messages of
// the same run are threaded under the first one when the platform allows.
type OutboundMessage struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	RunID     string `json:"run_id,omitempty"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// AdapterStatus reports an adapter's connection state.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// Record tracks a delivered notification.
type Record struct {
	RunID   string    `json:"run_id"`
	Type    string    `json:"type"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}
