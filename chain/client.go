package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	methodCall     = "starknet_call"
	methodTxStatus = "starknet_getTransactionStatus"

	blockTagPending = "pending"

	// position_unsafe returns a fixed-width felt array; only two slots
	// carry the amounts.
	responseIndexCollateral = 4
	responseIndexDebt       = 6
	// ltv_config returns the pair LTV in slot zero, always at 18-decimal
	// fixed precision regardless of asset decimals.
	responseIndexLTV = 0

	finalityPollInterval = 3 * time.Second
	finalityMaxAttempts  = 10
)

var (
	selectorPositionUnsafe = SelectorFromName("position_unsafe")
	selectorLTVConfig      = SelectorFromName("ltv_config")
)

// ErrFinalityTimeout marks a transaction that did not reach a terminal
// status within the bounded wait. Retryable: the position stays tracked.
var ErrFinalityTimeout = errors.New("transaction finality timed out")

// benignRevertMarker is the protocol revert emitted when a liquidation
// races a repayment or another liquidator and loses.
const benignRevertMarker = "not-undercollateralized"

// RevertError carries the chain's revert reason for a failed transaction.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("transaction reverted: %s", e.Reason)
}

// IsBenignRace reports whether the error is the expected
// lost-the-race revert rather than a real failure.
func IsBenignRace(err error) bool {
	var revert *RevertError
	if !errors.As(err, &revert) {
		return false
	}
	return strings.Contains(strings.ToLower(revert.Reason), benignRevertMarker)
}

// Reader is the read-only chain surface the indexer and engine depend on.
type Reader interface {
	PositionState(ctx context.Context, poolID, collateral, debt, user string) (collateralRaw, debtRaw *big.Int, err error)
	PairLTV(ctx context.Context, poolID, collateral, debt string) (*big.Int, error)
}

// Config controls how the Client connects to the chain RPC endpoint.
type Config struct {
	BaseURL         string
	ProtocolAddress string
	Timeout         time.Duration
}

// Client implements the minimal subset of the chain JSON-RPC surface the
// daemon needs: read-only contract calls and transaction status polling.
type Client struct {
	baseURL  string
	protocol string
	http     *http.Client

	pollInterval time.Duration
	maxAttempts  int
}

// NewClient constructs a Client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("rpc base url is required")
	}
	protocol, err := NormalizeFelt(cfg.ProtocolAddress)
	if err != nil {
		return nil, fmt.Errorf("protocol address: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		protocol: protocol,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		pollInterval: finalityPollInterval,
		maxAttempts:  finalityMaxAttempts,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC request against the configured endpoint.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c == nil {
		return fmt.Errorf("chain client is nil")
	}
	return doRPC(ctx, c.http, c.baseURL, "", method, params, result)
}

// doRPC is the shared JSON-RPC 2.0 transport for the chain and signer
// endpoints.
func doRPC(ctx context.Context, client *http.Client, url, bearer, method string, params, result any) error {
	reqBody := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc call failed with status %s", resp.Status)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

type functionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

// callContract performs a read-only contract call at the pending block and
// decodes the felt array response.
func (c *Client) callContract(ctx context.Context, selector *big.Int, calldata []string) ([]*big.Int, error) {
	params := []any{
		functionCall{
			ContractAddress:    c.protocol,
			EntryPointSelector: FormatFelt(selector),
			Calldata:           calldata,
		},
		blockTagPending,
	}
	var raw []string
	if err := c.call(ctx, methodCall, params, &raw); err != nil {
		return nil, err
	}
	out := make([]*big.Int, len(raw))
	for i, field := range raw {
		value, err := ParseFelt(field)
		if err != nil {
			return nil, fmt.Errorf("response field %d: %w", i, err)
		}
		out[i] = value
	}
	return out, nil
}

// PositionState fetches the authoritative raw collateral and debt amounts
// for the identified position.
func (c *Client) PositionState(ctx context.Context, poolID, collateral, debt, user string) (*big.Int, *big.Int, error) {
	calldata, err := normalizeCalldata(poolID, collateral, debt, user)
	if err != nil {
		return nil, nil, fmt.Errorf("position calldata: %w", err)
	}
	response, err := c.callContract(ctx, selectorPositionUnsafe, calldata)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch position state: %w", err)
	}
	if len(response) <= responseIndexDebt {
		return nil, nil, fmt.Errorf("position response too short: %d fields", len(response))
	}
	return response[responseIndexCollateral], response[responseIndexDebt], nil
}

// PairLTV fetches the pool's raw LTV threshold for the asset pair. The
// value is always expressed at 18-decimal fixed precision.
func (c *Client) PairLTV(ctx context.Context, poolID, collateral, debt string) (*big.Int, error) {
	calldata, err := normalizeCalldata(poolID, collateral, debt)
	if err != nil {
		return nil, fmt.Errorf("ltv calldata: %w", err)
	}
	response, err := c.callContract(ctx, selectorLTVConfig, calldata)
	if err != nil {
		return nil, fmt.Errorf("fetch pair ltv: %w", err)
	}
	if len(response) <= responseIndexLTV {
		return nil, fmt.Errorf("ltv response empty")
	}
	return response[responseIndexLTV], nil
}

// TransactionStatus is the chain's answer for a submitted transaction.
type TransactionStatus struct {
	FinalityStatus  string `json:"finality_status"`
	ExecutionStatus string `json:"execution_status"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// Accepted reports whether the transaction reached a terminal accepted state.
func (s TransactionStatus) Accepted() bool {
	switch s.FinalityStatus {
	case "ACCEPTED_ON_L2", "ACCEPTED_ON_L1":
		return s.ExecutionStatus != "REVERTED"
	}
	return false
}

// Reverted reports whether the transaction executed and reverted.
func (s TransactionStatus) Reverted() bool {
	return s.ExecutionStatus == "REVERTED"
}

// TransactionStatus polls the chain for the status of hash.
func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (TransactionStatus, error) {
	var status TransactionStatus
	if err := c.call(ctx, methodTxStatus, []any{hash.Hex()}, &status); err != nil {
		return TransactionStatus{}, err
	}
	return status, nil
}

// WaitForTransaction blocks until hash reaches a terminal status or the
// bounded poll is exhausted. A revert surfaces as a RevertError carrying
// the chain's reason; exhaustion surfaces as ErrFinalityTimeout.
func (c *Client) WaitForTransaction(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, err := c.TransactionStatus(ctx, hash)
		if err == nil {
			if status.Reverted() {
				return &RevertError{Reason: status.FailureReason}
			}
			if status.Accepted() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrFinalityTimeout, c.maxAttempts)
}

func normalizeCalldata(fields ...string) ([]string, error) {
	out := make([]string, len(fields))
	for i, field := range fields {
		normalized, err := NormalizeFelt(field)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = normalized
	}
	return out, nil
}
