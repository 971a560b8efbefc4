package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/goleak"

	"OpportunitySwitch/internal/recorder"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBroadcaster_DeliversEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	defer b.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.RecordEvent(recorder.EventOpportunityDetected, recorder.Fields{"type": "swap"}))
	require.NoError(t, b.RecordMetric("ignored", 1, recorder.Counter, nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev recorder.Event
	require.NoError(t, sonnet.Unmarshal(data, &ev))
	assert.Equal(t, recorder.EventOpportunityDetected, ev.Name)
	assert.Equal(t, "swap", ev.Fields["type"])
}

func TestBroadcaster_DropsClosedClients(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	defer b.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, b.RecordEvent(recorder.EventSwitchCompleted, nil))
}
