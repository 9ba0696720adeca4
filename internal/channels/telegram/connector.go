// Package telegram provides Telegram Bot integration using the Telego
// library. It handles message routing between Telegram and the internal
// message bus.
//
// Features:
//   - Long polling for receiving updates
//   - Whitelist-based user authorization
//   - Graceful shutdown handling
package telegram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/config"
	"github.com/valetrun/valet/internal/logger"
)

// busyReply is sent back when the user's session queue is full.
const busyReply = "I'm still working on your previous messages, please wait a moment."

// Publisher is the slice of the message bus inbound updates flow into.
type Publisher interface {
	PublishInbound(env bus.Envelope) error
}

// Connector bridges a Telegram bot and the message bus.
type Connector struct {
	cfg       config.TelegramConfig
	logger    *logger.Logger
	publisher Publisher
	bot       *telego.Bot

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Telegram connector.
func New(cfg config.TelegramConfig, log *logger.Logger, publisher Publisher) (*Connector, error) {
	if log == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	return &Connector{cfg: cfg, logger: log, publisher: publisher}, nil
}

// Type returns the channel identity outbound envelopes are routed by.
func (c *Connector) Type() bus.ChannelType { return bus.ChannelTypeTelegram }

// Start initializes the bot and begins long polling for updates.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("telegram connector already started")
	}

	bot, err := telego.NewBot(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	c.bot = bot

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	botUser, err := bot.GetMe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	c.logger.Info("telegram bot initialized",
		logger.Field{Key: "bot_id", Value: botUser.ID},
		logger.Field{Key: "username", Value: botUser.Username})

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.started = true
	go c.poll(ctx, updates)
	return nil
}

// Stop terminates long polling.
func (c *Connector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return errors.New("telegram connector not started")
	}
	c.cancel()
	<-c.done
	c.started = false

	c.logger.Info("telegram connector stopped")
	return nil
}

// Deliver sends one outbound envelope to its chat.
func (c *Connector) Deliver(ctx context.Context, env bus.Envelope) error {
	chatID, err := strconv.ParseInt(env.Address, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram address %q: %w", env.Address, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SendTimeoutSeconds)*time.Second)
	defer cancel()

	_, err = c.bot.SendMessage(sendCtx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   env.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (c *Connector) poll(ctx context.Context, updates <-chan telego.Update) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				c.logger.Info("telegram updates channel closed")
				return
			}
			c.handleUpdate(ctx, update)
		}
	}
}

func (c *Connector) handleUpdate(ctx context.Context, update telego.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message

	var userID string
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if !c.isAllowedUser(userID) {
		c.logger.WarnCtx(ctx, "message blocked, user not in whitelist",
			logger.Field{Key: "user_id", Value: userID})
		c.notify(ctx, msg.Chat.ID, "Sorry, you are not authorized to use this bot.")
		return
	}

	env := bus.NewInbound(bus.ChannelTypeTelegram, chatID, userID, msg.Text, bus.OriginHuman)
	if err := c.publisher.PublishInbound(env); err != nil {
		if errors.Is(err, bus.ErrOverflow) {
			c.notify(ctx, msg.Chat.ID, busyReply)
			return
		}
		c.logger.ErrorCtx(ctx, "failed to publish inbound message", err,
			logger.Field{Key: "session_id", Value: env.SessionID})
		return
	}

	c.logger.DebugCtx(ctx, "inbound message published",
		logger.Field{Key: "user_id", Value: userID},
		logger.Field{Key: "session_id", Value: env.SessionID})
}

// isAllowedUser checks the whitelist. An empty whitelist blocks everyone.
func (c *Connector) isAllowedUser(userID string) bool {
	if userID == "" || len(c.cfg.AllowedUsers) == 0 {
		return false
	}
	return slices.Contains(c.cfg.AllowedUsers, userID)
}

func (c *Connector) notify(ctx context.Context, chatID int64, text string) {
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		c.logger.ErrorCtx(ctx, "failed to send notification", err)
	}
}
