// Logsink service: reads decoded logs from NATS and writes them to
// Postgres, for deployments where the fetcher publishes via NATSSink
// instead of (or in addition to) writing a file directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xkanth/evmlogfetch/internal/decode"
	"github.com/0xkanth/evmlogfetch/internal/util"
)

var (
	logsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmlogfetch_logsink_consumed_total",
		Help: "Total number of decoded logs consumed from NATS",
	}, []string{"event_name"})

	logsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmlogfetch_logsink_stored_total",
		Help: "Total number of decoded logs stored in Postgres",
	}, []string{"event_name"})

	consumeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmlogfetch_logsink_errors_total",
		Help: "Total number of consume errors",
	}, []string{"error_type"})
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

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting evmlogfetch logsink")

	cfg := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(cfg, logger)

	dbConfig := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.String("postgres.host"),
		cfg.Int("postgres.port"),
		cfg.String("postgres.user"),
		cfg.String("postgres.password"),
		cfg.String("postgres.database"),
		cfg.String("postgres.sslmode"),
	)

	pool, err := pgxpool.New(context.Background(), dbConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}
	if _, err := pool.Exec(context.Background(), createDecodedLogsTable); err != nil {
		logger.Fatal().Err(err).Msg("failed to create decoded_logs table")
	}
	logger.Info().
		Str("host", cfg.String("postgres.host")).
		Str("database", cfg.String("postgres.database")).
		Msg("connected to database")

	nc, err := nats.Connect(cfg.String("nats.url"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.String("nats.url")).Msg("connected to nats")

	js, err := jetstream.New(nc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create jetstream context")
	}

	streamName := cfg.String("nats.stream_name")
	consumerName := cfg.String("nats.consumer_name")
	filterSubject := cfg.String("output.nats.subject_prefix") + ".>"

	consumer, err := js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		FilterSubject: filterSubject,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer")
	}
	logger.Info().
		Str("stream", streamName).
		Str("consumer", consumerName).
		Str("filter_subject", filterSubject).
		Msg("created consumer")

	metricsAddr := cfg.String("metrics.address")
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := processMessage(ctx, pool, msg, *logger); err != nil {
			consumeErrors.WithLabelValues("process_message").Inc()
			logger.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start consuming")
	}
	defer consCtx.Stop()

	logger.Info().Msg("logsink started, waiting for messages")

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// processMessage decodes one published log and inserts it into the
// generic decoded_logs table. Unlike the teacher's per-event-type switch,
// there is exactly one row shape here because params are already a JSON
// map rather than a fixed struct per event.
func processMessage(ctx context.Context, pool *pgxpool.Pool, msg jetstream.Msg, logger zerolog.Logger) error {
	var rec decode.Log
	if err := json.Unmarshal(msg.Data(), &rec); err != nil {
		return fmt.Errorf("failed to unmarshal decoded log: %w", err)
	}

	eventName := rec.EventName
	if eventName == "" {
		eventName = "raw"
	}
	logsConsumed.WithLabelValues(eventName).Inc()

	logger.Debug().
		Str("event", eventName).
		Uint64("block", rec.BlockNumber).
		Str("tx", rec.TxHash.Hex()).
		Msg("processing log")

	if err := storeDecodedLog(ctx, pool, rec); err != nil {
		return fmt.Errorf("failed to store decoded log: %w", err)
	}

	logsStored.WithLabelValues(eventName).Inc()
	return nil
}

func storeDecodedLog(ctx context.Context, pool *pgxpool.Pool, rec decode.Log) error {
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	topicsJSON, err := json.Marshal(rec.RawTopics)
	if err != nil {
		return fmt.Errorf("failed to marshal raw topics: %w", err)
	}

	_, err = pool.Exec(ctx, insertDecodedLog,
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
	return err
}
