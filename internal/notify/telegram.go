// Package notify delivers the engine's notification events to Telegram.
// Delivery is asynchronous so a slow or failing Telegram API never blocks
// the trading loop.
package notify

import (
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"gridbot/internal/bus"
	"gridbot/internal/config"
)

const queueSize = 128

// Telegram consumes the "notification" bus topic and forwards each
// message to one chat. Messages are dropped, with a log line, when the
// queue is full.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger

	queue chan string
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewTelegram(cfg config.TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		bot:    bot,
		chatID: cfg.ChatID,
		log:    log.With().Str("component", "telegram").Logger(),
		queue:  make(chan string, queueSize),
		stop:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t, nil
}

// Attach subscribes the notifier to the bus' notification topic.
func (t *Telegram) Attach(b *bus.Bus) {
	b.Subscribe(bus.TopicNotification, func(data bus.Payload) {
		msg, ok := data["message"].(string)
		if !ok || msg == "" {
			return
		}
		t.enqueue(msg)
	})
}

func (t *Telegram) enqueue(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- msg:
	default:
		t.log.Warn().Msg("notification queue full, dropping message")
	}
}

func (t *Telegram) loop() {
	defer t.wg.Done()
	for {
		select {
		case msg := <-t.queue:
			t.send(msg)
		case <-t.stop:
			// drain what is already queued before exiting
			for {
				select {
				case msg := <-t.queue:
					t.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Error().Err(err).Msg("sending telegram message failed")
	}
}

// Close stops the delivery loop after draining queued messages.
func (t *Telegram) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.stop)
	t.wg.Wait()
}
