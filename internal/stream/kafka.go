package stream

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	segmentio "github.com/segmentio/kafka-go"

	"Distributed-index/internal/event"
	"Distributed-index/internal/logger"
)

// KafkaReader is the subset of *segmentio.Reader the source uses.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (segmentio.Message, error)
	CommitMessages(ctx context.Context, msgs ...segmentio.Message) error
	Close() error
}

// KafkaSource reads one topic through a consumer group. Fetched messages are
// spooled until Commit, which acknowledges them to the group. It is not
// threadsafe.
type KafkaSource struct {
	Brokers []string
	Topic   string
	Group   string
	// Timeout bounds each fetch; an expired fetch reads as end of stream.
	Timeout time.Duration
	// SkipOld starts a new group at the newest offset.
	SkipOld bool
	Log     hclog.Logger

	reader KafkaReader
	spool  []segmentio.Message
}

// NewKafkaSource returns a source with local defaults.
func NewKafkaSource() *KafkaSource {
	return &KafkaSource{
		Brokers: []string{"localhost:9092"},
		Topic:   "events",
		Group:   "indexd",
		Timeout: time.Second,
		Log:     logger.Nop(),
	}
}

// Open creates the underlying reader.
func (s *KafkaSource) Open() error {
	if len(s.Brokers) == 0 || s.Topic == "" {
		return errors.New("kafka source needs brokers and a topic")
	}
	log := logger.OrNop(s.Log)
	config := segmentio.ReaderConfig{
		Brokers: s.Brokers,
		GroupID: s.Group,
		Topic:   s.Topic,
		Logger: segmentio.LoggerFunc(func(msg string, args ...interface{}) {
			log.Trace(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: segmentio.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error(fmt.Sprintf(msg, args...))
		}),
	}
	if s.SkipOld {
		config.StartOffset = segmentio.LastOffset
	}
	s.reader = segmentio.NewReader(config)
	return nil
}

// UseReader installs an already built reader instead of calling Open.
func (s *KafkaSource) UseReader(r KafkaReader) { s.reader = r }

func (s *KafkaSource) Next(ctx context.Context) (*event.RawRecord, error) {
	if s.reader == nil {
		return nil, errors.New("kafka source is not open")
	}
	fetchCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	msg, err := s.reader.FetchMessage(fetchCtx)
	switch {
	case err == nil:
	case err == io.EOF:
		return nil, io.EOF
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, io.EOF
	default:
		return nil, errors.Wrap(err, "fetching record from kafka")
	}

	s.spool = append(s.spool, msg)
	return &event.RawRecord{
		Key:       msg.Key,
		Value:     msg.Value,
		Source:    msg.Topic + ":" + strconv.Itoa(msg.Partition),
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}, nil
}

// Pending is the number of fetched but unacknowledged messages.
func (s *KafkaSource) Pending() int { return len(s.spool) }

func (s *KafkaSource) Commit(ctx context.Context) error {
	if len(s.spool) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.spool...); err != nil {
		return errors.Wrap(err, "committing kafka messages")
	}
	s.spool = s.spool[:0]
	return nil
}

// Close closes the underlying kafka consumer.
func (s *KafkaSource) Close() error {
	if s.reader == nil {
		return nil
	}
	return errors.Wrap(s.reader.Close(), "closing kafka consumer")
}
