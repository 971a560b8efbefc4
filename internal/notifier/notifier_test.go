package notifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/goleak"

	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/ledger"
	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/recorder"
	"OpportunitySwitch/internal/tiered"
)

func TestMain(m *testing.M) {
	// Keep-alive connections of the notifier's transport close asynchronously.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeAPI struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			body, _ := io.ReadAll(r.Body)
			var msg map[string]string
			if err := sonnet.Unmarshal(body, &msg); err != nil {
				t.Errorf("decode sendMessage: %v", err)
			}
			f.mu.Lock()
			f.sent = append(f.sent, msg)
			f.mu.Unlock()
			w.Write([]byte(`{"ok":true}`))
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			if r.URL.Query().Get("offset") == "0" {
				w.Write([]byte(`{"ok":true,"result":[{"update_id":7,"message":{"text":" /status "}}]}`))
				return
			}
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m["text"])
	}
	return out
}

func newTestNotifier(t *testing.T, api *fakeAPI) *TelegramNotifier {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	n := NewTelegramNotifier("token", "42", "", nil, nil)
	n.APIURL = srv.URL
	return n
}

func TestTelegramNotifier_ForwardsSubscribedEvents(t *testing.T) {
	api := &fakeAPI{}
	n := newTestNotifier(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	require.NoError(t, n.RecordEvent(recorder.EventSwitchCompleted, recorder.Fields{"id": "x"}))
	require.NoError(t, n.RecordEvent(recorder.EventSwitchFailed, recorder.Fields{"id": "y", "error": "<boom>"}))

	require.Eventually(t, func() bool { return len(api.texts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	text := api.texts()[0]
	assert.Contains(t, text, "Switch failed")
	assert.Contains(t, text, "error: &lt;boom&gt;")

	cancel()
	<-done
	require.NoError(t, n.Close())
	assert.NoError(t, n.RecordEvent(recorder.EventSwitchFailed, nil))
}

func TestTelegramNotifier_PollingRepliesToCommands(t *testing.T) {
	api := &fakeAPI{}
	n := newTestNotifier(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var got string
	go func() {
		n.StartPolling(ctx, func(cmd string) string {
			got = cmd
			return "pong"
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(api.texts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, "/status", got)
	assert.Equal(t, []string{"pong"}, api.texts())
}

func TestSend_ReportsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()
	n := NewTelegramNotifier("bad", "1", "", nil, nil)
	n.APIURL = srv.URL

	err := n.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestFormatters(t *testing.T) {
	st := coordinator.Status{Active: 1, Limit: 1, Queued: 2, Metrics: coordinator.Metrics{
		TotalSwitches: 3, SuccessfulSwitches: 2, FailedSwitches: 1,
		TotalProfitUSD: decimal.NewFromFloat(12.5),
		ByMode:         map[model.Mode]int64{model.ModeForcePreempt: 1, model.ModeStandard: 2},
	}}
	status := FormatStatus(st, ledger.Working{Executions: 3, ProfitUSD: decimal.NewFromInt(7)})
	assert.Contains(t, status, "Active: 1/1 | Queued: 2")
	assert.Contains(t, status, "Profit: $12.50")
	assert.Contains(t, status, "force_preempt=1, standard=2")
	assert.Contains(t, status, "$7.00")

	assert.Equal(t, "📭 Queue is empty", FormatQueue(nil))
	q := FormatQueue([]model.Opportunity{{ID: "a", Type: model.TypeSwap, PriceImpact: 0.004, ImpactLevel: model.LevelLow}})
	assert.Contains(t, q, "1. swap/a impact 0.0040 (LOW)")

	tiers := FormatTiers(tiered.Stats{Tiers: map[string]tiered.TierStats{"critical": {Keys: 2, Bytes: 10}}})
	assert.Contains(t, tiers, "critical: 2 keys, 10 bytes")
	assert.Contains(t, tiers, "current: 0 keys")
}
