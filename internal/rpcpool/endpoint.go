package rpcpool

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// NodeType classifies an endpoint's capability tier.
type NodeType int

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeFull
	NodeTypeArchive
)

// EndpointSpec is the static, immutable-inside-a-process description of an
// RPC endpoint (spec.md §3 "Endpoint").
type EndpointSpec struct {
	URL           string
	ChainID       int64
	Priority      int // 1..15
	NodeType      NodeType
	HasDebug      bool
	MaxBlockRange uint64 // 0 = unlimited
	MaxLogs       uint64 // 0 = unlimited
	Enabled       bool
	Proxy         string // optional per-endpoint proxy URL
}

// Endpoint wraps a single ethclient connection plus its static capability
// metadata. Endpoints are created once at pool construction and never
// removed; health is tracked out-of-band in Health.
type Endpoint struct {
	spec   EndpointSpec
	client *ethclient.Client
}

// NewEndpoint dials the endpoint's RPC URL, optionally routed through a
// proxy (per-endpoint spec.Proxy, falling back to globalProxy).
func NewEndpoint(spec EndpointSpec, timeout time.Duration, globalProxy string) (*Endpoint, error) {
	proxyURL := spec.Proxy
	if proxyURL == "" {
		proxyURL = globalProxy
	}

	httpClient := &http.Client{Timeout: timeout}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("rpcpool: invalid proxy url for %s: %w", spec.URL, err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}

	rpcClient, err := rpc.DialOptions(context.Background(), spec.URL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("rpcpool: failed to dial %s: %w", spec.URL, err)
	}

	return &Endpoint{spec: spec, client: ethclient.NewClient(rpcClient)}, nil
}

func (e *Endpoint) URL() string       { return e.spec.URL }
func (e *Endpoint) ChainID() int64    { return e.spec.ChainID }
func (e *Endpoint) Priority() int     { return e.spec.Priority }
func (e *Endpoint) NodeType() NodeType { return e.spec.NodeType }
func (e *Endpoint) Spec() EndpointSpec { return e.spec }

// GetBlockNumber returns the latest block number known to this endpoint.
func (e *Endpoint) GetBlockNumber(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// GetTransaction fetches a transaction by hash. A missing transaction is
// reported as (nil, nil) rather than an error.
func (e *Endpoint) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	tx, _, err := e.client.TransactionByHash(ctx, hash)
	if err == ethereum.NotFound {
		return nil, nil
	}
	return tx, err
}

// GetTransactionReceipt fetches a receipt. A missing receipt is reported as
// (nil, nil) rather than an error, so the pool can try the next
// endpoint without treating "not found" as a failure.
func (e *Endpoint) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err == ethereum.NotFound {
		return nil, nil
	}
	return receipt, err
}

// GetLogs performs eth_getLogs and reports the observed latency alongside
// the result so the caller can feed Health.RecordSuccess.
func (e *Endpoint) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, time.Duration, error) {
	start := time.Now()
	logs, err := e.client.FilterLogs(ctx, q)
	return logs, time.Since(start), err
}

// GetBlockByNumber fetches a full block, used by the optional timestamp
// enrichment step (spec.md §4.8).
func (e *Endpoint) GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return e.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

func (e *Endpoint) Close() {
	e.client.Close()
}
