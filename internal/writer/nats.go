package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/0xkanth/evmlogfetch/internal/fetch"
)

const natsStreamCreateTimeout = 10 * time.Second

// NATSSink publishes each decoded log to NATS JetStream, deduplicated by
// tx hash + log index, so a resumed run that re-publishes a log within the
// stream's duplicate window (the dedup argument of NewNATSSink) does not
// store it twice (spec.md §4.8 "streaming sink").
type NATSSink struct {
	js      jetstream.JetStream
	nc      *nats.Conn
	logger  zerolog.Logger
	subject string // prefix; full subject is "<prefix>.<event_name>"
}

// NewNATSSink connects to natsURL, ensures a stream named streamName
// covers subjects under subjectPrefix.*, and returns a sink ready to
// publish. retain bounds how long published messages are kept; dedup
// bounds the window in which a repeated msg ID is silently dropped.
func NewNATSSink(natsURL, streamName, subjectPrefix string, retain, dedup time.Duration, logger zerolog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("evmlogfetch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("writer: connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("writer: create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsStreamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".*"},
		MaxAge:     retain,
		Storage:    jetstream.FileStorage,
		Duplicates: dedup,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("writer: create stream: %w", err)
	}

	logger.Info().
		Str("stream", streamName).
		Str("subjects", subjectPrefix+".*").
		Dur("max_age", retain).
		Dur("duplicate_window", dedup).
		Msg("nats sink initialized")

	return &NATSSink{js: js, nc: nc, logger: logger, subject: subjectPrefix}, nil
}

func (s *NATSSink) Write(batch fetch.Result) error {
	ctx := context.Background()
	for _, rec := range recordsOf(batch) {
		name := rec.EventName
		if name == "" {
			name = "raw"
		}
		subject := fmt.Sprintf("%s.%s", s.subject, name)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("writer: marshal record for nats: %w", err)
		}

		msgID := fmt.Sprintf("%s-%d", rec.TxHash.Hex(), rec.LogIndex)
		if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
			s.logger.Error().Err(err).Str("subject", subject).Str("msg_id", msgID).Msg("failed to publish log")
			return fmt.Errorf("writer: publish to nats: %w", err)
		}
	}
	return nil
}

func (s *NATSSink) Finalize() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
