package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xkanth/evmlogfetch/internal/fetch"
)

const createDecodedLogsTable = `
CREATE TABLE IF NOT EXISTS decoded_logs (
	block_number     BIGINT NOT NULL,
	transaction_hash TEXT NOT NULL,
	log_index        INT NOT NULL,
	contract_address TEXT NOT NULL,
	event_name       TEXT NOT NULL,
	event_signature  TEXT NOT NULL,
	params           JSONB NOT NULL,
	raw_topics       JSONB NOT NULL,
	raw_data         TEXT NOT NULL,
	PRIMARY KEY (transaction_hash, log_index)
)`

const insertDecodedLog = `
INSERT INTO decoded_logs (
	block_number, transaction_hash, log_index, contract_address,
	event_name, event_signature, params, raw_topics, raw_data
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (transaction_hash, log_index) DO NOTHING
`

// PostgresSink inserts every decoded log into a single generic
// decoded_logs table, one row per log with params as JSONB, rather than
// the teacher's per-event-type tables — this sink has no fixed catalogue
// of event shapes to branch on (spec.md §4.8 "streaming sink").
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn, ensures decoded_logs exists, and
// returns a sink ready to write.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("writer: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("writer: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createDecodedLogsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("writer: create decoded_logs table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Write(batch fetch.Result) error {
	ctx := context.Background()
	for _, rec := range recordsOf(batch) {
		paramsJSON, err := json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("writer: marshal params: %w", err)
		}
		topicsJSON, err := json.Marshal(rec.RawTopics)
		if err != nil {
			return fmt.Errorf("writer: marshal raw topics: %w", err)
		}

		_, err = s.pool.Exec(ctx, insertDecodedLog,
			rec.BlockNumber,
			rec.TxHash.Hex(),
			rec.LogIndex,
			rec.Address.Hex(),
			rec.EventName,
			rec.CanonicalSignature,
			paramsJSON,
			topicsJSON,
			fmt.Sprintf("0x%x", rec.RawData),
		)
		if err != nil {
			return fmt.Errorf("writer: insert decoded log: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Finalize() error {
	s.pool.Close()
	return nil
}
