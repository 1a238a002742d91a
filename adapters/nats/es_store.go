package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/sequent/core/es"
)

const (
	defaultStoreSubjectPrefix = "sequent_es"
	defaultStoreStreamName    = "SEQUENT_ES"
)

type EventStoreConfig struct {
	Connect       Connector         // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger      // Log for diagnostics (optional)
	Registry      *es.EventRegistry // Registry decodes the stored events
	SubjectPrefix string            // SubjectPrefix of the aggregate subjects, must not overlap with the broker's
	StreamName    string
	Storage       jetstream.StorageType
}

// EventStore is an es.EventStore on a JetStream stream. Every aggregate has
// its own subject holding one message per event stream. Appends are
// guarded by the expected last sequence of that subject, so concurrent
// writers of one aggregate are serialized by the server.
//
// Reads replay the aggregate subject, which makes the store a fit for
// aggregates with short histories.
type EventStore struct {
	nc       *natsgo.Conn
	closeNc  closeFunc
	js       jetstream.JetStream
	stream   jetstream.Stream
	log      *slog.Logger
	registry *es.EventRegistry
	prefix   string
}

var _ es.EventStore = (*EventStore)(nil)

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	if cfg.Registry == nil {
		return nil, errors.New("event registry is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStoreStreamName
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultStoreSubjectPrefix
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
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("prefix", prefix),
	)

	stream, info, err := ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
		Storage:  cfg.Storage,
		FirstSeq: 1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream", slog.Uint64("messages", info.State.Msgs))

	return &EventStore{
		nc:       nc,
		closeNc:  closeNc,
		js:       js,
		stream:   stream,
		log:      log,
		registry: cfg.Registry,
		prefix:   prefix,
	}, nil
}

func (e *EventStore) Close() error {
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) Save(ctx context.Context, stream *es.EventStream) (es.AppendResult, error) {
	if err := stream.Validate(); err != nil {
		return es.AppendFailed, err
	}
	rec, err := e.registry.EncodeStream(stream)
	if err != nil {
		return es.AppendFailed, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return es.AppendFailed, err
	}

	subject := e.subjectForAggregate(stream.AggregateRootID)
	for {
		records, lastSeq, err := e.load(ctx, stream.AggregateRootID)
		if err != nil {
			return es.AppendFailed, err
		}
		if res, dup := duplicateOf(records, stream); dup {
			return res, nil
		}

		msg := natsgo.NewMsg(subject)
		msg.Data = data
		msg.Header.Set(headerTag, es.StreamRecordTag)
		msg.Header.Set("x-aggregate-type", stream.AggregateType)

		_, err = e.js.PublishMsg(ctx, msg, jetstream.WithExpectLastSequencePerSubject(lastSeq))
		if err == nil {
			e.log.Debug("saved", stream.SlogAttr())
			return es.AppendSuccess, nil
		}
		if !isWrongLastSequence(err) {
			return es.AppendFailed, fmt.Errorf("append to subject %s: %w", subject, err)
		}
		// someone appended in between, check again
	}
}

func duplicateOf(records []*es.StreamRecord, stream *es.EventStream) (es.AppendResult, bool) {
	for _, r := range records {
		if r.Version == stream.Version {
			return es.AppendDuplicatedEvent, true
		}
	}
	for _, r := range records {
		if r.CommandID == stream.CommandID {
			return es.AppendDuplicatedCommand, true
		}
	}
	return es.AppendSuccess, false
}

func (e *EventStore) GetByCommandID(ctx context.Context, aggID, commandID string) (*es.EventStream, error) {
	return e.find(ctx, aggID, func(r *es.StreamRecord) bool { return r.CommandID == commandID })
}

func (e *EventStore) GetByVersion(ctx context.Context, aggID string, version es.Version) (*es.EventStream, error) {
	return e.find(ctx, aggID, func(r *es.StreamRecord) bool { return r.Version == version })
}

func (e *EventStore) GetAll(ctx context.Context, aggType, aggID string, minVersion, maxVersion es.Version) ([]*es.EventStream, error) {
	records, _, err := e.load(ctx, aggID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(records, func(a, b *es.StreamRecord) int { return cmp.Compare(a.Version, b.Version) })

	var out []*es.EventStream
	for _, r := range records {
		if r.AggregateType != aggType || r.Version < minVersion || r.Version > maxVersion {
			continue
		}
		s, err := e.registry.DecodeStream(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *EventStore) find(ctx context.Context, aggID string, match func(*es.StreamRecord) bool) (*es.EventStream, error) {
	records, _, err := e.load(ctx, aggID)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if match(r) {
			return e.registry.DecodeStream(r)
		}
	}
	return nil, es.ErrStreamNotFound
}

// load replays the subject of aggID and returns its records together with
// the sequence of the last message on the subject.
func (e *EventStore) load(ctx context.Context, aggID string) (records []*es.StreamRecord, lastSeq uint64, err error) {
	var (
		startAt = time.Now()
		subject = e.subjectForAggregate(aggID)
	)

	last, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("get last message for subject %q: %w", subject, err)
	}
	lastSeq = last.Sequence

	cons, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, 0, err
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, 0, err
	}
	defer it.Stop()
	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			return nil, 0, err
		}
		md, err := msg.Metadata()
		if err != nil {
			return nil, 0, err
		}

		rec := &es.StreamRecord{}
		if err := json.Unmarshal(msg.Data(), rec); err != nil {
			return nil, 0, fmt.Errorf("decode message %d: %w", md.Sequence.Stream, err)
		}
		// ids that map to the same subject share it
		if rec.AggregateRootID == aggID {
			records = append(records, rec)
		}

		if md.Sequence.Stream >= lastSeq {
			break
		}
	}

	e.log.Debug(
		"loaded",
		slog.String("aggregate_id", aggID),
		slog.Int("streams", len(records)),
		slog.Duration("duration", time.Since(startAt)),
	)
	return records, lastSeq, nil
}

func (e *EventStore) subjectForAggregate(aggID string) string {
	return e.prefix + "." + subjectReplacer.Replace(aggID)
}
