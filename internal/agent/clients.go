package agent

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one open page. Send must be safe for concurrent use.
type Client interface {
	ID() string
	Send(Message) error
	Close() error
}

// ClientSet is the broadcast target for every page this agent controls.
// Delivery is best effort: no acknowledgement, no retry, no queueing for pages
// that connect later. A client whose write fails is dropped.
type ClientSet struct {
	mu      sync.RWMutex
	members map[string]*member

	log     *zap.Logger
	dropLog *rateLimitedLogger
}

type member struct {
	client     Client
	controller string
	joinedAt   time.Time
}

type ClientInfo struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller"`
	JoinedAt   time.Time `json:"joinedAt"`
}

func NewClientSet(log *zap.Logger) *ClientSet {
	return &ClientSet{
		members: map[string]*member{},
		log:     log,
		dropLog: newRateLimitedLogger(log, time.Minute),
	}
}

// Add registers c as controlled by the given generation ("" when nothing is
// active yet).
func (s *ClientSet) Add(c Client, controller string) {
	s.mu.Lock()
	s.members[c.ID()] = &member{client: c, controller: controller, joinedAt: time.Now()}
	n := len(s.members)
	s.mu.Unlock()
	s.log.Debug("client joined", zap.String("client", c.ID()), zap.String("controller", controller), zap.Int("clients", n))
}

func (s *ClientSet) Remove(id string) {
	s.mu.Lock()
	m, ok := s.members[id]
	delete(s.members, id)
	s.mu.Unlock()
	if ok {
		_ = m.client.Close()
		s.log.Debug("client left", zap.String("client", id))
	}
}

func (s *ClientSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

func (s *ClientSet) Snapshot() []ClientInfo {
	s.mu.RLock()
	out := make([]ClientInfo, 0, len(s.members))
	for id, m := range s.members {
		out = append(out, ClientInfo{ID: id, Controller: m.controller, JoinedAt: m.joinedAt})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Broadcast sends msg to every current member and returns how many writes
// succeeded.
func (s *ClientSet) Broadcast(msg Message) int {
	s.mu.RLock()
	targets := make([]Client, 0, len(s.members))
	for _, m := range s.members {
		targets = append(targets, m.client)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			s.dropLog.Warn("client write failed, dropping", zap.String("client", c.ID()), zap.String("type", string(msg.Type)), zap.Error(err))
			s.Remove(c.ID())
			continue
		}
		delivered++
	}
	return delivered
}

// Claim makes gen the controller of every open page and tells each of them.
func (s *ClientSet) Claim(gen string) int {
	s.mu.Lock()
	for _, m := range s.members {
		m.controller = gen
	}
	s.mu.Unlock()
	return s.Broadcast(Message{Type: MsgControllerChange, Generation: gen})
}

// ---- websocket transport ----

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

// ServeWS upgrades the request, registers the page and feeds every message it
// sends to onMessage until the connection drops.
func (s *ClientSet) ServeWS(w http.ResponseWriter, r *http.Request, controller string, onMessage func(Client, Message)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn}
	s.Add(c, controller)
	defer s.Remove(c.id)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("client read", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("ignoring malformed client message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		if onMessage != nil {
			onMessage(c, msg)
		}
	}
}
