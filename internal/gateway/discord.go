package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter posts run notifications to a Discord channel. Later
// messages of a run reply to the run's first message.
type DiscordAdapter struct {
	token       string
	channelID   string
	session     *discordgo.Session
	threads     map[string]string // runID -> first message id
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{
		token:     token,
		channelID: channelID,
		threads:   make(map[string]string),
		logger:    logger,
	}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect creates the REST session and checks the target channel.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.setError(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}
	ch, err := session.Channel(a.channelID, discordgo.WithContext(ctx))
	if err != nil {
		a.setError(fmt.Sprintf("channel lookup: %v", err))
		return fmt.Errorf("discord channel %s: %w", a.channelID, err)
	}

	a.mu.Lock()
	a.session = session
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.mu.Unlock()
	a.logger.Info("discord adapter connected", zap.String("channel", ch.Name))
	return nil
}

func (a *DiscordAdapter) setError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.mu.Unlock()
}

// Send posts a message to the channel.
func (a *DiscordAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	a.mu.RLock()
	session := a.session
	replyTo := msg.ReplyTo
	if replyTo == "" && msg.RunID != "" {
		replyTo = a.threads[msg.RunID]
	}
	a.mu.RUnlock()
	if session == nil {
		return "", fmt.Errorf("discord send: adapter not connected")
	}

	channel := msg.ChannelID
	if channel == "" {
		channel = a.channelID
	}

	var (
		sent *discordgo.Message
		err  error
	)
	if replyTo != "" {
		sent, err = session.ChannelMessageSendReply(channel, msg.Content,
			&discordgo.MessageReference{MessageID: replyTo, ChannelID: channel},
			discordgo.WithContext(ctx))
	} else {
		sent, err = session.ChannelMessageSend(channel, msg.Content, discordgo.WithContext(ctx))
	}
	if err != nil {
		a.setError(err.Error())
		return "", fmt.Errorf("discord send: %w", err)
	}
	if replyTo == "" && msg.RunID != "" {
		a.mu.Lock()
		a.threads[msg.RunID] = sent.ID
		a.mu.Unlock()
	}
	return sent.ID, nil
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *DiscordAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "discord",
		Connected: a.connected,
		Error:     a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
		s.Details = "channel=" + a.channelID
	}
	return s
}
