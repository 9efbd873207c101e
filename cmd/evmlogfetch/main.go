// Main evmlogfetch binary: fetch decoded event logs for one contract over
// one block range and write them to the configured sink.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/0xkanth/evmlogfetch/internal/checkpoint"
	"github.com/0xkanth/evmlogfetch/internal/decode"
	"github.com/0xkanth/evmlogfetch/internal/events"
	"github.com/0xkanth/evmlogfetch/internal/fetch"
	"github.com/0xkanth/evmlogfetch/internal/rpcpool"
	"github.com/0xkanth/evmlogfetch/internal/util"
	"github.com/0xkanth/evmlogfetch/internal/writer"
)

// Exit codes (spec.md §6): 0 complete success, 1 incomplete under
// --strict-equivalent config, 2 configuration/unrecoverable setup error.
const (
	exitSuccess    = 0
	exitIncomplete = 1
	exitSetupError = 2
)

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting evmlogfetch")

	cfg := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(cfg, logger)

	chainID := cfg.Int64("chain.chain_id")

	poolCfg, err := rpcpool.LoadConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load rpc config")
		os.Exit(exitSetupError)
	}

	persister := rpcpool.NewConfigPersister(cfg.String("rpc.config_path"), *logger)
	pool, err := rpcpool.New(chainID, poolCfg, persister, *logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct endpoint pool")
		os.Exit(exitSetupError)
	}
	defer pool.Close()

	address := common.HexToAddress(cfg.String("target.contract"))
	selectors := cfg.Strings("target.selectors")

	catalogue := events.NewCatalogue()
	for _, sel := range selectors {
		if err := catalogue.Resolve(context.Background(), sel, chainID, address, nil); err != nil {
			logger.Error().Err(err).Str("selector", sel).Msg("failed to resolve event selector")
			os.Exit(exitSetupError)
		}
	}
	logger.Info().Strs("events", catalogue.Names()).Msg("resolved event catalogue")

	fromBlock := uint64(cfg.Int64("target.from_block"))
	toBlock := uint64(cfg.Int64("target.to_block"))
	if toBlock == 0 {
		latest, err := pool.GetBlockNumber(context.Background())
		if err != nil {
			logger.Error().Err(err).Msg("failed to resolve latest block")
			os.Exit(exitSetupError)
		}
		toBlock = latest
	}

	decoder := decode.New(catalogue, *logger)
	fetcher := fetch.New(pool, catalogue, decoder, *logger).WithProgress(func(p fetch.Progress) {
		logger.Info().
			Uint64("current_block", p.CurrentBlock).
			Float64("percent", p.Percent).
			Float64("blocks_per_sec", p.BlocksPerSecond).
			Msg("fetch progress")
	})

	out, err := buildWriter(cfg, *logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct output writer")
		os.Exit(exitSetupError)
	}

	streaming := cfg.Bool("target.streaming")
	strict := cfg.Bool("output.strict")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stats fetch.Stats
	if streaming {
		ckPath := cfg.String("checkpoint.path")
		ledger, err := checkpoint.Open(ckPath)
		if err != nil {
			logger.Error().Err(err).Str("path", ckPath).Msg("failed to open checkpoint ledger")
			os.Exit(exitSetupError)
		}
		defer ledger.Close()

		fp := checkpoint.Fingerprint(address.Hex(), chainID, selectors, fromBlock, toBlock)
		ck, err := ledger.LoadOrCreate(fp, fromBlock, toBlock)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load checkpoint")
			os.Exit(exitSetupError)
		}

		stats, err = fetcher.FetchStreaming(ctx, address, fromBlock, toBlock, ck, func(r fetch.Result) error {
			return out.Write(r)
		})
		if err != nil {
			logger.Error().Err(err).Msg("streaming fetch failed")
			os.Exit(exitSetupError)
		}
	} else {
		result, err := fetcher.FetchAll(ctx, address, fromBlock, toBlock)
		if err != nil {
			logger.Error().Err(err).Msg("fetch failed")
			os.Exit(exitSetupError)
		}
		if err := out.Write(*result); err != nil {
			logger.Error().Err(err).Msg("failed to write result")
			os.Exit(exitSetupError)
		}
		stats = result.Stats
	}

	if err := out.Finalize(); err != nil {
		logger.Error().Err(err).Msg("failed to finalize output")
		os.Exit(exitSetupError)
	}

	logger.Info().
		Int("chunks_total", stats.ChunksTotal).
		Int("chunks_succeeded", stats.ChunksSucceeded).
		Int("chunks_failed", stats.ChunksFailed).
		Float64("success_rate", stats.SuccessRate()).
		Msg("fetch complete")

	if !stats.IsComplete() {
		for _, fr := range stats.FailedRanges {
			logger.Warn().Uint64("from", fr.From).Uint64("to", fr.To).Str("error", fr.Error).Msg("chunk permanently failed")
		}
		if strict {
			os.Exit(exitIncomplete)
		}
	}
	os.Exit(exitSuccess)
}

// buildWriter constructs the configured output.format writer and, if
// output.nats.enabled or output.postgres.enabled, wraps it so both the
// primary format and the sinks receive every batch (spec.md §4.8).
func buildWriter(cfg *koanf.Koanf, logger zerolog.Logger) (writer.Writer, error) {
	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}

	var primary writer.Writer
	switch strings.ToLower(cfg.String("output.format")) {
	case "ndjson":
		primary = writer.NewNDJSONWriter(out)
	case "table":
		primary = writer.NewTableWriter(out)
	default:
		primary = writer.NewJSONWriter(out)
	}

	var sinks []writer.Writer
	if cfg.Bool("output.nats.enabled") {
		sink, err := writer.NewNATSSink(
			cfg.String("output.nats.url"),
			cfg.String("output.nats.stream_name"),
			cfg.String("output.nats.subject_prefix"),
			cfg.Duration("output.nats.max_age"),
			cfg.Duration("output.nats.dedup_window"),
			logger,
		)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Bool("output.postgres.enabled") {
		sink, err := writer.NewPostgresSink(context.Background(), cfg.String("output.postgres.dsn"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		return primary, nil
	}
	return writer.NewMultiWriter(append([]writer.Writer{primary}, sinks...)...), nil
}

// openOutput resolves the destination of the primary writer: stdout when
// output.path is unset, otherwise a truncated/created file at that path.
func openOutput(cfg *koanf.Koanf) (*os.File, error) {
	path := cfg.String("output.path")
	if path == "" {
		return os.Stdout, nil
	}
	return os.Create(path)
}
