package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/pkg/messaging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscriber delivers bus events
type Subscriber interface {
	Subscribe(subject string, handler func(*messaging.Event)) (func() error, error)
}

// Feed streams each account's ledger transactions to its websocket
// clients. It is fed either from the bus through Attach or directly
// through Publish when no bus is configured.
type Feed struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
	source  string
	log     logrus.FieldLogger
}

type wsClient struct {
	id        uuid.UUID
	accountID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewFeed(source string, log logrus.FieldLogger) *Feed {
	return &Feed{
		clients: make(map[uuid.UUID]*wsClient),
		source:  source,
		log:     log.WithField("component", "feed"),
	}
}

// Attach subscribes the feed to ledger events on the bus
func (f *Feed) Attach(sub Subscriber) (func() error, error) {
	return sub.Subscribe(messaging.SubjectLedgerTransaction, f.Dispatch)
}

// Publish dispatches locally, standing in for the bus
func (f *Feed) Publish(ctx context.Context, subject string, data interface{}) error {
	event, err := messaging.NewEvent(subject, data, messaging.EventMetadata{Source: f.source})
	if err != nil {
		return err
	}
	f.Dispatch(event)
	return nil
}

// Dispatch sends a ledger event to the clients of its account. A client
// whose buffer is full misses the event.
func (f *Feed) Dispatch(event *messaging.Event) {
	if event.Subject != messaging.SubjectLedgerTransaction {
		return
	}
	tx, err := messaging.ParseEventData[messaging.LedgerTransactionEvent](event)
	if err != nil {
		f.log.WithError(err).Warn("dropping unreadable ledger event")
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, client := range f.clients {
		if client.accountID != tx.AccountID {
			continue
		}
		select {
		case client.send <- payload:
		default:
			f.log.WithField("account_id", client.accountID).Debug("feed client too slow, event dropped")
		}
	}
}

// Clients returns the number of connected clients
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client
func (f *Feed) Close() {
	f.mu.Lock()
	clients := make([]*wsClient, 0, len(f.clients))
	for id, client := range f.clients {
		clients = append(clients, client)
		delete(f.clients, id)
	}
	f.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (f *Feed) serve(conn *websocket.Conn, accountID string) {
	client := &wsClient{
		id:        uuid.New(),
		accountID: accountID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	f.mu.Lock()
	f.clients[client.id] = client
	f.mu.Unlock()

	go f.readPump(client)
	go f.writePump(client)
}

func (f *Feed) unregister(client *wsClient) {
	f.mu.Lock()
	delete(f.clients, client.id)
	f.mu.Unlock()
	client.close()
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump only watches for pongs and the close frame
func (f *Feed) readPump(client *wsClient) {
	defer f.unregister(client)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.unregister(client)
	}()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if g.feed == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "feed disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	g.feed.serve(conn, accountID(c))
}
