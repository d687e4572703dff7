package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/identity"
	"github.com/servesys-labs/ainp-broker/internal/stream"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the HTTP layer's CORS rules
	},
}

// Consumer is the durable-stream side of the bridge.
type Consumer interface {
	Consume(ctx context.Context, did string, handler func(*stream.Msg)) (*stream.Subscription, error)
	PublishNegotiationEvent(ctx context.Context, negotiationID string, data []byte) error
}

// session is one live connection. One DID may hold several. done is closed on
// disconnect; send never is, so a consumer goroutine racing a disconnect
// parks on a dead channel instead of panicking.
type session struct {
	id   string
	did  string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Fabric is the session registry plus the consumer-to-session bridge. On the
// first connection for a DID it binds the durable consumer agent_{did};
// stream messages are delivered to one live session and acked only on client
// confirmation.
type Fabric struct {
	consumer Consumer
	log      *zap.Logger

	mu        sync.Mutex
	sessions  map[string][]*session
	consumers map[string]context.CancelFunc
	pending   map[string]*stream.Msg // delivery id → unacked stream message
}

func NewFabric(consumer Consumer, log *zap.Logger) *Fabric {
	return &Fabric{
		consumer:  consumer,
		log:       log,
		sessions:  make(map[string][]*session),
		consumers: make(map[string]context.CancelFunc),
		pending:   make(map[string]*stream.Msg),
	}
}

// Connect upgrades an HTTP request into a session. The DID rides the query
// string; a missing or invalid DID closes with policy violation (1008).
func (f *Fabric) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	did := r.URL.Query().Get("did")
	if !identity.ValidDID(did) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "did query parameter required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	s := &session{
		id:   uuid.NewString(),
		did:  did,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.sessions[did] = append(f.sessions[did], s)
	first := len(f.sessions[did]) == 1
	f.mu.Unlock()

	f.log.Info("session connected", zap.String("did", did), zap.String("session", s.id))

	if first && f.consumer != nil {
		f.startConsumer(did)
	}

	go f.writeLoop(s)
	go f.readLoop(s)
}

// startConsumer binds the durable consumer for did. Reconnects reuse the
// durable, so the unacked window replays.
func (f *Fabric) startConsumer(did string) {
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	if _, exists := f.consumers[did]; exists {
		f.mu.Unlock()
		cancel()
		return
	}
	f.consumers[did] = cancel
	f.mu.Unlock()

	if _, err := f.consumer.Consume(ctx, did, func(m *stream.Msg) {
		f.deliver(did, m)
	}); err != nil {
		f.log.Warn("durable consumer bind failed", zap.String("did", did), zap.Error(err))
		f.mu.Lock()
		delete(f.consumers, did)
		f.mu.Unlock()
		cancel()
	}
}

// deliver hands one stream message to the first live session for did. The
// stream message stays pending until the client acks the delivery id;
// without a session it is nak'd for redelivery.
func (f *Fabric) deliver(did string, m *stream.Msg) {
	var env models.Envelope
	_ = json.Unmarshal(m.Data, &env)

	deliveryID := uuid.NewString()
	frame, err := json.Marshal(map[string]any{
		"type":        "intent",
		"delivery_id": deliveryID,
		"envelope":    json.RawMessage(m.Data),
	})
	if err != nil {
		_ = m.Nak()
		return
	}

	f.mu.Lock()
	live := f.sessions[did]
	if len(live) == 0 {
		f.mu.Unlock()
		_ = m.Nak()
		return
	}
	f.pending[deliveryID] = m
	target := live[0]
	f.mu.Unlock()

	select {
	case target.send <- frame:
	case <-target.done:
		f.mu.Lock()
		delete(f.pending, deliveryID)
		f.mu.Unlock()
		_ = m.Nak()
	default:
		// Session is backed up; let the stream redeliver after the ack window.
		f.mu.Lock()
		delete(f.pending, deliveryID)
		f.mu.Unlock()
		_ = m.Nak()
	}
}

// Push sends a notification frame to every live session of did.
// Fire-and-forget: on a full buffer the oldest frame is dropped.
func (f *Fabric) Push(did string, notification any) {
	frame, err := json.Marshal(notification)
	if err != nil {
		return
	}
	f.mu.Lock()
	live := append([]*session(nil), f.sessions[did]...)
	f.mu.Unlock()

	for _, s := range live {
		select {
		case <-s.done:
			continue
		case s.send <- frame:
		default:
			select {
			case <-s.send: // drop oldest
			default:
			}
			select {
			case s.send <- frame:
			default:
			}
			f.log.Debug("notification buffer overflow", zap.String("did", did))
		}
	}
}

// NotifyNewMessage emits the new_message frame after a mailbox persist.
func (f *Fabric) NotifyNewMessage(recipientDID string, env *models.Envelope, conversationID string) {
	f.Push(recipientDID, map[string]any{
		"type":            "new_message",
		"message_id":      env.ID,
		"conversation_id": conversationID,
		"from_did":        env.FromDID,
	})
}

// NegotiationEvent implements negotiation.Notifier: both parties get the
// frame and it is mirrored to the durable negotiation stream.
func (f *Fabric) NegotiationEvent(n *models.Negotiation, event string) {
	frame := map[string]any{
		"type":              "negotiation_event",
		"event":             event,
		"negotiation_id":    n.ID,
		"state":             n.State,
		"current_proposal":  n.CurrentProposal,
		"round_number":      len(n.Rounds),
		"convergence_score": n.ConvergenceScore,
	}
	f.Push(n.InitiatorDID, frame)
	f.Push(n.ResponderDID, frame)

	if f.consumer != nil {
		if data, err := json.Marshal(frame); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if err := f.consumer.PublishNegotiationEvent(ctx, n.ID, data); err != nil {
				f.log.Debug("negotiation event publish failed", zap.String("id", n.ID), zap.Error(err))
			}
		}
	}
}

func (f *Fabric) writeLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				f.log.Debug("session write failed", zap.String("did", s.did), zap.Error(err))
				s.conn.Close()
				return
			}
		}
	}
}

// readLoop handles client ack frames and disconnects.
func (f *Fabric) readLoop(s *session) {
	defer f.disconnect(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Debug("session read error", zap.String("did", s.did), zap.Error(err))
			}
			return
		}
		var frame struct {
			Ack string `json:"ack"`
		}
		if json.Unmarshal(data, &frame) == nil && frame.Ack != "" {
			f.mu.Lock()
			m := f.pending[frame.Ack]
			delete(f.pending, frame.Ack)
			f.mu.Unlock()
			if m != nil {
				if err := m.Ack(); err != nil {
					f.log.Debug("stream ack failed", zap.Error(err))
				}
			}
		}
	}
}

func (f *Fabric) disconnect(s *session) {
	f.mu.Lock()
	live := f.sessions[s.did]
	for i, other := range live {
		if other == s {
			f.sessions[s.did] = append(live[:i], live[i+1:]...)
			break
		}
	}
	remaining := len(f.sessions[s.did])
	if remaining == 0 {
		delete(f.sessions, s.did)
		// Keep the durable consumer bound briefly? No: release it so another
		// broker instance can own it. The durable's backlog survives.
		if cancel, ok := f.consumers[s.did]; ok {
			cancel()
			delete(f.consumers, s.did)
		}
	}
	f.mu.Unlock()

	close(s.done)
	s.conn.Close()
	f.log.Info("session disconnected", zap.String("did", s.did), zap.Int("remaining", remaining))
}
