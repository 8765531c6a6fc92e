package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts run notifications to a Slack channel, one thread per
// run.
type SlackAdapter struct {
	channelID   string
	client      *slack.Client
	threads     map[string]string // runID -> thread_ts
	connected   bool
	connectedAt time.Time
	lastError   string
	details     string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. botToken is the Bot User OAuth
// Token (xoxb-...).
func NewSlackAdapter(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		channelID: channelID,
		client:    slack.New(botToken, opts...),
		threads:   make(map[string]string),
		logger:    logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = fmt.Sprintf("auth test: %v", err)
		return fmt.Errorf("slack auth: %w", err)
	}
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.details = fmt.Sprintf("bot=%s, team=%s", resp.User, resp.Team)
	a.logger.Info("slack adapter connected", zap.String("team", resp.Team))
	return nil
}

// Send posts a message. The first message of a run opens a thread and
// later ones reply in it.
func (a *SlackAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channelID
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Content, false),
	}

	replyTo := msg.ReplyTo
	if replyTo == "" && msg.RunID != "" {
		a.mu.RLock()
		replyTo = a.threads[msg.RunID]
		a.mu.RUnlock()
	}
	if replyTo != "" {
		opts = append(opts, slack.MsgOptionTS(replyTo))
	}

	_, ts, err := a.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		a.logger.Error("slack send failed",
			zap.String("channel", channel), zap.Error(err))
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		return "", fmt.Errorf("slack send: %w", err)
	}
	if replyTo == "" && msg.RunID != "" {
		a.mu.Lock()
		a.threads[msg.RunID] = ts
		a.mu.Unlock()
	}
	return ts, nil
}

// Close is a no-op; the Web API client holds no connection.
func (a *SlackAdapter) Close() error { return nil }

func (a *SlackAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "slack",
		Connected: a.connected,
		Error:     a.lastError,
		Details:   a.details,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
	}
	return s
}
