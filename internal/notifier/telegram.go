package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/recorder"
)

const defaultAPIURL = "https://api.telegram.org"

// DefaultEvents are the events forwarded to the chat when none are configured.
var DefaultEvents = []string{
	recorder.EventSwitchFailed,
	recorder.EventMemorySacrificed,
	recorder.EventMemoryProtected,
}

// TelegramNotifier sends messages via the Telegram Bot API. As a recorder
// sink it forwards selected events; sending happens on the Run goroutine so
// callers are never blocked by the network.
type TelegramNotifier struct {
	BotToken string
	ChatID   string
	APIURL   string
	Client   *http.Client

	log    *zap.SugaredLogger
	events map[string]bool
	outbox chan string

	closeOnce sync.Once
	done      chan struct{}
}

var _ recorder.Recorder = (*TelegramNotifier)(nil)

// NewTelegramNotifier creates a notifier with optional proxy support.
func NewTelegramNotifier(botToken, chatID, proxyURL string, events []string, log *zap.SugaredLogger) *TelegramNotifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if len(events) == 0 {
		events = DefaultEvents
	}
	set := make(map[string]bool, len(events))
	for _, e := range events {
		set[e] = true
	}
	return &TelegramNotifier{
		BotToken: botToken,
		ChatID:   chatID,
		APIURL:   defaultAPIURL,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		log:    log,
		events: set,
		outbox: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

func (t *TelegramNotifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.APIURL, t.BotToken, method)
}

// Send sends a message to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	body, err := sonnet.Marshal(map[string]string{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SendWithRetry sends a message with exponential backoff retry.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, text string, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := t.Send(ctx, text); err != nil {
			lastErr = err
			backoff := time.Duration(1<<uint(i)) * time.Second
			t.log.Warnf("telegram send failed (attempt %d/%d): %v, retrying in %v", i+1, maxRetries+1, err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("all %d retries exhausted: %w", maxRetries+1, lastErr)
}

// RecordEvent queues a message for subscribed events. A full outbox drops
// the message.
func (t *TelegramNotifier) RecordEvent(name string, fields recorder.Fields) error {
	if !t.events[name] {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	select {
	case t.outbox <- FormatEvent(name, fields):
	default:
		t.log.Warnf("telegram outbox full, dropping %s", name)
	}
	return nil
}

func (t *TelegramNotifier) RecordMetric(string, float64, recorder.MetricKind, map[string]string) error {
	return nil
}

// Run delivers queued messages until ctx is cancelled or Close is called.
func (t *TelegramNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case text := <-t.outbox:
			if err := t.SendWithRetry(ctx, text, 3); err != nil && ctx.Err() == nil {
				t.log.Errorf("send notification: %v", err)
			}
		}
	}
}

// Close stops Run. Queued messages are discarded.
func (t *TelegramNotifier) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
