package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/types"
)

const (
	maxTelegramMessage = 4096
	mirrorSubscriberID = "notify-telegram"
)

// Bot is the part of *tgbotapi.BotAPI the mirror uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Controller lets chat commands drive purchases.
type Controller interface {
	StartPurchase(ctx context.Context) (types.AttemptID, error)
	CancelPurchase() bool
	Status() string
}

// Mirror forwards conversation entries to a Telegram chat and answers a
// few chat commands.
type Mirror struct {
	bot        Bot
	chatID     int64
	controller Controller
	queue      chan string
}

// NewTelegramBot connects to the Telegram bot API.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return bot, nil
}

// NewMirror creates a mirror posting to chatID. controller may be nil, in
// which case commands are ignored.
func NewMirror(bot Bot, chatID int64, controller Controller) *Mirror {
	return &Mirror{
		bot:        bot,
		chatID:     chatID,
		controller: controller,
		queue:      make(chan string, 256),
	}
}

// Attach subscribes the mirror to bus. Entries are queued and sent by Run;
// when the queue is full new entries are dropped.
func (m *Mirror) Attach(bus *conversation.Bus) {
	bus.Subscribe(mirrorSubscriberID, func(ev conversation.Event) {
		text := formatEvent(ev)
		select {
		case m.queue <- text:
		default:
			slog.Warn("telegram mirror queue full, dropping entry")
		}
	})
}

// Detach removes the mirror from bus.
func (m *Mirror) Detach(bus *conversation.Bus) {
	bus.Unsubscribe(mirrorSubscriberID)
}

// Run sends queued entries until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case text := <-m.queue:
			m.send(m.chatID, text)
		case <-ctx.Done():
			return
		}
	}
}

// Listen long-polls for chat commands until ctx is done. Only messages
// from the configured chat are handled.
func (m *Mirror) Listen(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := m.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat == nil || update.Message.Chat.ID != m.chatID {
				continue
			}
			m.handleCommand(ctx, update.Message)
		case <-ctx.Done():
			m.bot.StopReceivingUpdates()
			return
		}
	}
}

func (m *Mirror) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if m.controller == nil {
		return
	}

	switch msg.Command() {
	case "start", "help":
		m.send(chatID, "Commands: /buy starts a purchase, /cancel stops it, /status shows the current attempt.")

	case "buy":
		id, err := m.controller.StartPurchase(ctx)
		if err != nil {
			m.send(chatID, "Cannot start a purchase: "+err.Error())
			return
		}
		m.send(chatID, "Purchase started: "+string(id))

	case "cancel":
		if m.controller.CancelPurchase() {
			m.send(chatID, "Cancelling the current purchase.")
		} else {
			m.send(chatID, "No purchase in progress.")
		}

	case "status":
		m.send(chatID, m.controller.Status())

	default:
		m.send(chatID, "Unknown command. Available: /buy, /cancel, /status")
	}
}

func (m *Mirror) send(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		if _, err := m.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

func formatEvent(ev conversation.Event) string {
	if ev.Type == conversation.EventCleared || ev.Entry == nil {
		return "Conversation cleared."
	}
	e := ev.Entry
	return fmt.Sprintf("#%d %s [%s]\n%s", e.SequenceID, e.AgentID, e.Kind, e.Text)
}

// splitMessage breaks text into Telegram-sized parts, preferring line
// boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		if end < len(text) {
			if i := strings.LastIndexByte(text[:end], '\n'); i > 0 {
				end = i + 1
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
