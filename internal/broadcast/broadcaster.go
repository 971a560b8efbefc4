package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/recorder"
)

const writeWait = 5 * time.Second

// Broadcaster pushes recorded events to every connected websocket client.
// It is a recorder sink; metrics are not forwarded.
type Broadcaster struct {
	clients  map[*websocket.Conn]struct{}
	mu       sync.Mutex
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
	wg       sync.WaitGroup
}

var _ recorder.Recorder = (*Broadcaster)(nil)

func NewBroadcaster(log *zap.SugaredLogger) *Broadcaster {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log,
	}
}

// RecordEvent sends the event to all clients. Clients that fail a write are
// dropped.
func (b *Broadcaster) RecordEvent(name string, fields recorder.Fields) error {
	msg, err := sonnet.Marshal(recorder.Event{Name: name, Fields: fields, At: time.Now().UTC()})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.log.Debugf("websocket write error: %v", err)
			c.Close()
			delete(b.clients, c)
		}
	}
	return nil
}

func (b *Broadcaster) RecordMetric(string, float64, recorder.MetricKind, map[string]string) error {
	return nil
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Handler returns an http.HandlerFunc to accept websocket connections.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warnf("websocket upgrade error: %v", err)
			return
		}
		b.mu.Lock()
		b.clients[conn] = struct{}{}
		b.mu.Unlock()

		// Reads only detect the close; clients never send anything useful.
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				b.mu.Lock()
				delete(b.clients, conn)
				b.mu.Unlock()
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// Close disconnects every client and waits for their read loops.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	for c := range b.clients {
		c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
