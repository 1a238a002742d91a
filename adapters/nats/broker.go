package nats

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/sequent/core/broker"
)

const (
	defaultSubjectPrefix = "sequent"
	defaultStreamName    = "SEQUENT"

	headerTag = "Sequent-Tag"
	headerKey = "Sequent-Key"
)

type BrokerConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix of all topics, e.g. "sequent" -> sequent.commands.3
	StreamName    string       // StreamName of the JetStream stream holding every topic
	Storage       jetstream.StorageType
	// Duplicates is the window in which JetStream drops messages with a
	// message id it has seen before (default: 2m).
	Duplicates time.Duration
	// AckWait is how long a delivery may stay unsettled before it is
	// redelivered (default: 30s).
	AckWait time.Duration
	// NakDelay is the redelivery delay of rejected messages (default: 100ms).
	NakDelay time.Duration
}

// Broker is a broker.Broker on NATS JetStream. Every topic is a subject
// below the prefix in one stream; every consumer group is a durable pull
// consumer, so members of a group share the messages.
type Broker struct {
	nc       *natsgo.Conn
	closeNc  closeFunc
	js       jetstream.JetStream
	stream   jetstream.Stream
	log      *slog.Logger
	prefix   string
	ackWait  time.Duration
	nakDelay time.Duration

	mu     sync.Mutex
	subs   map[*jsSubscription]struct{}
	closed atomic.Bool
}

var _ broker.Broker = (*Broker)(nil)

func NewBroker(cfg BrokerConfig) (*Broker, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	duplicates := cfg.Duplicates
	if duplicates == 0 {
		duplicates = 2 * time.Minute
	}
	ackWait := cfg.AckWait
	if ackWait == 0 {
		ackWait = 30 * time.Second
	}
	nakDelay := cfg.NakDelay
	if nakDelay == 0 {
		nakDelay = 100 * time.Millisecond
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log = log.With(
		slog.String("broker", "nats_js"),
		slog.String("stream", streamName),
		slog.String("prefix", prefix),
	)

	stream, info, err := ensureStream(js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Storage:    cfg.Storage,
		Duplicates: duplicates,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream", slog.Uint64("messages", info.State.Msgs))

	return &Broker{
		nc:       nc,
		closeNc:  closeNc,
		js:       js,
		stream:   stream,
		log:      log,
		prefix:   prefix,
		ackWait:  ackWait,
		nakDelay: nakDelay,
		subs:     map[*jsSubscription]struct{}{},
	}, nil
}

// Produce publishes env to topic and waits for the stream to store it. The
// message id header is used for JetStream de-duplication.
func (b *Broker) Produce(ctx context.Context, topic string, env broker.Envelope) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	msg := natsgo.NewMsg(b.subject(topic))
	msg.Data = env.Content
	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(headerTag, env.Tag)
	if env.Key != "" {
		msg.Header.Set(headerKey, env.Key)
	}

	var opts []jetstream.PublishOpt
	if id := env.Header(broker.HeaderMessageID); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	ack, err := b.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return fmt.Errorf("nats: publish to %s: %w", msg.Subject, err)
	}
	if ack.Duplicate {
		b.log.Debug("duplicate publish dropped by stream", slog.String("subject", msg.Subject), slog.String("tag", env.Tag))
	}
	return nil
}

// Subscribe consumes topics with the durable consumer of group.
func (b *Broker) Subscribe(ctx context.Context, group string, topics []string, h broker.MessageHandler) (broker.Subscription, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	if group == "" {
		return nil, broker.ErrNoGroup
	}
	if len(topics) == 0 {
		return nil, broker.ErrNoTopics
	}

	subjects := make([]string, 0, len(topics))
	for _, t := range topics {
		subjects = append(subjects, b.subject(t))
	}
	slices.Sort(subjects)
	name := consumerName(group, subjects)

	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        name,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: subjects,
		AckWait:        b.ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: create consumer %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	log := b.log.With(slog.String("group", group), slog.String("consumer", name))

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if ctx.Err() != nil {
			// not settled: redelivered after AckWait
			return
		}
		m := &jsMessage{msg: msg, topic: strings.TrimPrefix(msg.Subject(), b.prefix+"."), nakDelay: b.nakDelay}
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked", slog.String("subject", msg.Subject()), slog.Any("panic", fmt.Sprint(r)))
				_ = m.Reject()
			}
		}()
		h(ctx, m)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats: consume %s: %w", name, err)
	}

	s := &jsSubscription{b: b, cc: cc, cancel: cancel}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })

	log.Debug("subscribed", slog.Any("subjects", subjects))
	return s, nil
}

// Close stops all subscriptions and closes the connection.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := make([]*jsSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	b.js.CleanupPublisher()
	b.closeNc()
	b.log.Debug("closed broker")
	return nil
}

func (b *Broker) subject(topic string) string { return b.prefix + "." + topic }

// consumerName derives a durable name that is stable for a group and its
// subjects. Durable names must not contain '.', '*' or '>'.
func consumerName(group string, subjects []string) string {
	h, _ := blake2b.New(8, nil)
	for _, s := range subjects {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return subjectReplacer.Replace(group) + "_" + hex.EncodeToString(h.Sum(nil))
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// --- Subscription ---

type jsSubscription struct {
	b      *Broker
	cc     jetstream.ConsumeContext
	cancel context.CancelFunc
	once   sync.Once
}

func (s *jsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.cc.Stop()
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
	})
	return nil
}

// --- Message ---

type jsMessage struct {
	msg      jetstream.Msg
	topic    string
	nakDelay time.Duration
	settled  atomic.Bool
}

func (m *jsMessage) Topic() string { return m.topic }

func (m *jsMessage) Envelope() broker.Envelope {
	env := broker.Envelope{Content: m.msg.Data()}
	for k, vs := range m.msg.Headers() {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case headerTag:
			env.Tag = vs[0]
		case headerKey:
			env.Key = vs[0]
		default:
			if strings.HasPrefix(k, "Nats-") {
				continue
			}
			if env.Headers == nil {
				env.Headers = map[string]string{}
			}
			env.Headers[k] = vs[0]
		}
	}
	return env
}

// Attempt is 1 for the first delivery and grows with each redelivery.
func (m *jsMessage) Attempt() int {
	md, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}

// Sequence is the JetStream stream sequence, shared by all deliveries of
// the message.
func (m *jsMessage) Sequence() uint64 {
	md, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return md.Sequence.Stream
}

func (m *jsMessage) Commit() error {
	if !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	return m.msg.Ack()
}

func (m *jsMessage) Reject() error {
	if !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	return m.msg.NakWithDelay(m.nakDelay)
}
