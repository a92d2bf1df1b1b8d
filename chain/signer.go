package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	methodEstimateFee = "account_estimateFee"
	methodExecute     = "account_execute"

	liquidateEntryPoint = "liquidate"
)

// Invoker submits liquidation calls through an external account service
// that owns keys, nonces, and ABI encoding.
type Invoker interface {
	EstimateFee(ctx context.Context, params LiquidateParams) (*big.Int, error)
	Execute(ctx context.Context, params LiquidateParams) (common.Hash, error)
}

// SignerConfig controls the connection to the remote signer daemon.
type SignerConfig struct {
	BaseURL         string
	BearerToken     string
	ProtocolAddress string
	Timeout         time.Duration
}

// RemoteSigner is the JSON-RPC client for the signer daemon.
type RemoteSigner struct {
	baseURL  string
	bearer   string
	protocol string
	http     *http.Client
}

// NewRemoteSigner constructs a RemoteSigner from the provided configuration.
func NewRemoteSigner(cfg SignerConfig) (*RemoteSigner, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("signer base url is required")
	}
	protocol, err := NormalizeFelt(cfg.ProtocolAddress)
	if err != nil {
		return nil, fmt.Errorf("protocol address: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteSigner{
		baseURL:  baseURL,
		bearer:   strings.TrimSpace(cfg.BearerToken),
		protocol: protocol,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type invokeCall struct {
	ContractAddress string          `json:"contract_address"`
	EntryPoint      string          `json:"entry_point"`
	Calldata        LiquidateParams `json:"calldata"`
}

// EstimateFee asks the signer to simulate the liquidation and report the
// overall fee in the chain's native raw units.
func (s *RemoteSigner) EstimateFee(ctx context.Context, params LiquidateParams) (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("signer is nil")
	}
	var result struct {
		OverallFee string `json:"overall_fee"`
	}
	payload := []any{invokeCall{ContractAddress: s.protocol, EntryPoint: liquidateEntryPoint, Calldata: params}}
	if err := doRPC(ctx, s.http, s.baseURL, s.bearer, methodEstimateFee, payload, &result); err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}
	fee, err := ParseFelt(result.OverallFee)
	if err != nil {
		return nil, fmt.Errorf("parse fee: %w", err)
	}
	return fee, nil
}

// Execute signs and submits the liquidation, returning the transaction hash.
func (s *RemoteSigner) Execute(ctx context.Context, params LiquidateParams) (common.Hash, error) {
	if s == nil {
		return common.Hash{}, fmt.Errorf("signer is nil")
	}
	var result struct {
		TransactionHash string `json:"transaction_hash"`
	}
	payload := []any{invokeCall{ContractAddress: s.protocol, EntryPoint: liquidateEntryPoint, Calldata: params}}
	if err := doRPC(ctx, s.http, s.baseURL, s.bearer, methodExecute, payload, &result); err != nil {
		return common.Hash{}, fmt.Errorf("execute: %w", err)
	}
	if strings.TrimSpace(result.TransactionHash) == "" {
		return common.Hash{}, fmt.Errorf("signer returned no transaction hash")
	}
	return common.HexToHash(result.TransactionHash), nil
}
