package channel

import (
	"errors"
	"net/http"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/nudge/internal/bus"
	"github.com/stellarlinkco/nudge/internal/config"
)

type fakeBot struct {
	sent     []tgbotapi.Chattable
	getMeErr error
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}
func (f *fakeBot) StopReceivingUpdates() {}
func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}
func (f *fakeBot) GetSelf() tgbotapi.User { return tgbotapi.User{UserName: "test_bot"} }
func (f *fakeBot) GetMe() (tgbotapi.User, error) {
	return tgbotapi.User{UserName: "test_bot"}, f.getMeErr
}

func newTestTelegram(t *testing.T, bot TelegramBot) *TelegramChannel {
	t.Helper()
	b := bus.NewMessageBus(10)
	factory := func(string, string, *http.Client) (TelegramBot, error) { return bot, nil }
	ch, err := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t"}, b, factory)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	ch.SetBot(bot)
	return ch
}

func TestTelegramRequiresToken(t *testing.T) {
	b := bus.NewMessageBus(1)
	if _, err := NewTelegramChannel(config.TelegramConfig{}, b); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestHandleMessagePublishesInbound(t *testing.T) {
	b := bus.NewMessageBus(10)
	factory := func(string, string, *http.Client) (TelegramBot, error) { return &fakeBot{}, nil }
	ch, err := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t"}, b, factory)
	if err != nil {
		t.Fatal(err)
	}

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 7, UserName: "alice"},
		Chat: &tgbotapi.Chat{ID: 42, Type: "private"},
		Text: "hello",
		Date: int(time.Now().Unix()),
	})

	select {
	case msg := <-b.Inbound:
		if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "hello" {
			t.Errorf("unexpected inbound: %+v", msg)
		}
		if msg.Group {
			t.Error("private chat flagged as group")
		}
		if msg.SessionKey() != "telegram:42" {
			t.Errorf("session key = %q", msg.SessionKey())
		}
	default:
		t.Fatal("no inbound message published")
	}
}

func TestHandleMessageGroupFlag(t *testing.T) {
	b := bus.NewMessageBus(10)
	factory := func(string, string, *http.Client) (TelegramBot, error) { return &fakeBot{}, nil }
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t"}, b, factory)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 7},
		Chat: &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		Text: "hi all",
	})
	msg := <-b.Inbound
	if !msg.Group {
		t.Error("supergroup chat not flagged as group")
	}
}

func TestHandleMessageAllowlist(t *testing.T) {
	b := bus.NewMessageBus(10)
	factory := func(string, string, *http.Client) (TelegramBot, error) { return &fakeBot{}, nil }
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "t", AllowFrom: []string{"1"}}, b, factory)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 99},
		Chat: &tgbotapi.Chat{ID: 42},
		Text: "blocked",
	})
	select {
	case msg := <-b.Inbound:
		t.Errorf("disallowed sender published: %+v", msg)
	default:
	}
}

func TestSendSegments(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestTelegram(t, bot)

	err := ch.Send(bus.OutboundMessage{
		Channel:  "telegram",
		ChatID:   "42",
		Segments: []string{"first", "second", "third"},
		SegmentDelay: func(string) time.Duration {
			return 0
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 3 {
		t.Errorf("sent %d messages, want 3", len(bot.sent))
	}
}

func TestSendVoiceNote(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestTelegram(t, bot)

	err := ch.Send(bus.OutboundMessage{
		Channel:   "telegram",
		ChatID:    "42",
		Content:   "ignored when a voice file is attached",
		VoicePath: "/tmp/note.ogg",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
	voice, ok := bot.sent[0].(tgbotapi.VoiceConfig)
	if !ok {
		t.Fatalf("sent %T, want VoiceConfig", bot.sent[0])
	}
	if path, ok := voice.File.(tgbotapi.FilePath); !ok || string(path) != "/tmp/note.ogg" {
		t.Errorf("voice file = %#v", voice.File)
	}
}

func TestSendInvalidChatID(t *testing.T) {
	ch := newTestTelegram(t, &fakeBot{})
	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); err == nil {
		t.Error("expected error for bad chat id")
	}
}

func TestAlive(t *testing.T) {
	ch := newTestTelegram(t, &fakeBot{})
	if !ch.Alive() {
		t.Error("healthy bot should be alive")
	}

	ch.SetBot(&fakeBot{getMeErr: errors.New("network down")})
	if ch.Alive() {
		t.Error("failing getMe should report dead")
	}

	ch.SetBot(nil)
	if ch.Alive() {
		t.Error("nil bot should report dead")
	}
}
