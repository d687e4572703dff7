package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Stream names and subject roots. Each recipient gets its own subject so a
// durable consumer can replay exactly its own backlog.
const (
	StreamIntents      = "INTENTS"
	StreamNegotiations = "NEGOTIATIONS"
	StreamResults      = "RESULTS"

	retention    = 7 * 24 * time.Hour
	dedupeWindow = 2 * time.Minute
	ackWait      = 30 * time.Second
)

// Client is the JetStream adapter: at-least-once publish with per-sender
// msg-id dedupe, one durable consumer per recipient.
type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
}

func Connect(url string, log *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Client{nc: nc, js: js, log: log}, nil
}

// EnsureStreams creates the three broker streams. Idempotent: an existing
// stream with the same config is left alone.
func (c *Client) EnsureStreams() error {
	for _, cfg := range []*nats.StreamConfig{
		{Name: StreamIntents, Subjects: []string{"intents.*"}},
		{Name: StreamNegotiations, Subjects: []string{"negotiations.*"}},
		{Name: StreamResults, Subjects: []string{"results.*"}},
	} {
		cfg.Storage = nats.FileStorage
		cfg.MaxAge = retention
		cfg.Duplicates = dedupeWindow
		cfg.Retention = nats.LimitsPolicy
		if _, err := c.js.AddStream(cfg); err != nil {
			if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				continue
			}
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// SubjectToken normalizes a DID into a single NATS subject token.
func SubjectToken(did string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(did)
}

// ConsumerName is the durable consumer identity for one recipient.
func ConsumerName(did string) string {
	return "agent_" + SubjectToken(did)
}

func (c *Client) publish(ctx context.Context, subject, msgID string, data []byte) error {
	// Up to 3 attempts with exponential backoff before surfacing; the msg-id
	// header makes retries safe inside the dedupe window.
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		_, lastErr = c.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("publish %s: %w", subject, lastErr)
}

// PublishIntent publishes an envelope to the recipient's intent subject.
// msgID should be "{sender}:{envelope_id}" so per-sender dedupe holds.
func (c *Client) PublishIntent(ctx context.Context, recipientDID, msgID string, data []byte) error {
	return c.publish(ctx, "intents."+SubjectToken(recipientDID), msgID, data)
}

// PublishNegotiationEvent publishes a negotiation event keyed by session id.
func (c *Client) PublishNegotiationEvent(ctx context.Context, negotiationID string, data []byte) error {
	return c.publish(ctx, "negotiations."+SubjectToken(negotiationID), negotiationID+":"+fmt.Sprint(time.Now().UnixNano()), data)
}

// PublishResult publishes a result envelope to the recipient.
func (c *Client) PublishResult(ctx context.Context, recipientDID, msgID string, data []byte) error {
	return c.publish(ctx, "results."+SubjectToken(recipientDID), msgID, data)
}

// Subscription is one live durable pull of a recipient's intent backlog.
type Subscription struct {
	sub *nats.Subscription
}

// Msg is a delivered stream message awaiting an explicit ack.
type Msg struct {
	Data []byte
	ack  func() error
	nak  func() error
}

// NewMsg pairs a payload with its ack callbacks.
func NewMsg(data []byte, ack, nak func() error) *Msg {
	return &Msg{Data: data, ack: ack, nak: nak}
}

// Ack confirms delivery; unacked messages replay after the 30 s window.
func (m *Msg) Ack() error { return m.ack() }

// Nak requests immediate redelivery.
func (m *Msg) Nak() error { return m.nak() }

// Consume binds (or rebinds) the durable consumer agent_{did} and delivers
// messages to handler until ctx is cancelled. Exactly one process should own
// a given consumer at a time.
func (c *Client) Consume(ctx context.Context, did string, handler func(*Msg)) (*Subscription, error) {
	durable := ConsumerName(did)
	subject := "intents." + SubjectToken(did)

	// Create the durable up front and Bind to it. A bound subscription does
	// not own the consumer, so detaching never deletes it and the unacked
	// backlog survives reconnects.
	if _, err := c.js.ConsumerInfo(StreamIntents, durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, fmt.Errorf("consumer info %s: %w", durable, err)
		}
		_, err = c.js.AddConsumer(StreamIntents, &nats.ConsumerConfig{
			Durable:        durable,
			DeliverSubject: "deliver." + durable,
			FilterSubject:  subject,
			AckPolicy:      nats.AckExplicitPolicy,
			AckWait:        ackWait,
			DeliverPolicy:  nats.DeliverAllPolicy,
		})
		if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return nil, fmt.Errorf("add consumer %s: %w", durable, err)
		}
	}

	sub, err := c.js.Subscribe(subject, func(m *nats.Msg) {
		handler(NewMsg(m.Data,
			func() error { return m.Ack() },
			func() error { return m.Nak() },
		))
	},
		nats.Bind(StreamIntents, durable),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", durable, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.log.Debug("unsubscribe", zap.String("durable", durable), zap.Error(err))
		}
	}()

	return &Subscription{sub: sub}, nil
}

// Drain detaches the subscription without deleting the durable consumer, so
// the backlog survives reconnects.
func (s *Subscription) Drain() error {
	return s.sub.Drain()
}

// Healthy reports whether the NATS connection is up.
func (c *Client) Healthy() error {
	if !c.nc.IsConnected() {
		return errors.New("nats disconnected")
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	_ = c.nc.Drain()
}
