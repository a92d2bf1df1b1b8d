package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type capturedRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// padFelt renders a felt the way node gateways do, zero padded to 32 bytes.
func padFelt(v *big.Int) string {
	return fmt.Sprintf("0x%064x", v)
}

func feltResult(t *testing.T, w http.ResponseWriter, fields []string) {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	_ = json.NewEncoder(w).Encode(rpcResponse{Result: payload})
}

func TestPositionStateExtractsAmounts(t *testing.T) {
	collateral := new(big.Int).Mul(big.NewInt(15), big.NewInt(100_000_000_000_000_000))
	debt := big.NewInt(700_000_000)

	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		feltResult(t, w, []string{
			"0x0", "0x0", "0x0", "0x0",
			padFelt(collateral),
			"0x0",
			padFelt(debt),
			"0x0",
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0x00a1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	gotCollateral, gotDebt, err := client.PositionState(context.Background(), "0x04", "0x049D", "0x053c", "0x0737")
	if err != nil {
		t.Fatalf("position state: %v", err)
	}
	if gotCollateral.Cmp(collateral) != 0 {
		t.Fatalf("collateral = %s, want %s", gotCollateral, collateral)
	}
	if gotDebt.Cmp(debt) != 0 {
		t.Fatalf("debt = %s, want %s", gotDebt, debt)
	}

	if captured.Method != methodCall {
		t.Fatalf("method = %q", captured.Method)
	}
	if len(captured.Params) != 2 {
		t.Fatalf("params = %d entries", len(captured.Params))
	}
	var call functionCall
	if err := json.Unmarshal(captured.Params[0], &call); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.ContractAddress != "0xa1" {
		t.Fatalf("contract = %q", call.ContractAddress)
	}
	if call.EntryPointSelector != FormatFelt(selectorPositionUnsafe) {
		t.Fatalf("selector = %q", call.EntryPointSelector)
	}
	wantCalldata := []string{"0x4", "0x49d", "0x53c", "0x737"}
	if len(call.Calldata) != len(wantCalldata) {
		t.Fatalf("calldata = %v", call.Calldata)
	}
	for i, want := range wantCalldata {
		if call.Calldata[i] != want {
			t.Fatalf("calldata[%d] = %q, want %q", i, call.Calldata[i], want)
		}
	}
	var blockTag string
	if err := json.Unmarshal(captured.Params[1], &blockTag); err != nil {
		t.Fatalf("decode block tag: %v", err)
	}
	if blockTag != blockTagPending {
		t.Fatalf("block tag = %q", blockTag)
	}
}

func TestPositionStateShortResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feltResult(t, w, []string{"0x0", "0x1", "0x2"})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, _, err := client.PositionState(context.Background(), "0x1", "0x2", "0x3", "0x4"); err == nil {
		t.Fatal("expected error for short response")
	} else if !strings.Contains(err.Error(), "too short") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPairLTVReadsSlotZero(t *testing.T) {
	lltv := big.NewInt(680_000_000_000_000_000)

	var captured capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		feltResult(t, w, []string{padFelt(lltv)})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got, err := client.PairLTV(context.Background(), "0x4", "0x49d", "0x53c")
	if err != nil {
		t.Fatalf("pair ltv: %v", err)
	}
	if got.Cmp(lltv) != 0 {
		t.Fatalf("lltv = %s, want %s", got, lltv)
	}

	var call functionCall
	if err := json.Unmarshal(captured.Params[0], &call); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.EntryPointSelector != FormatFelt(selectorLTVConfig) {
		t.Fatalf("selector = %q", call.EntryPointSelector)
	}
	if len(call.Calldata) != 3 {
		t.Fatalf("calldata = %v", call.Calldata)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: 20, Message: "Contract not found"}})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.PairLTV(context.Background(), "0x1", "0x2", "0x3")
	if err == nil || !strings.Contains(err.Error(), "Contract not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTransactionStatusPredicates(t *testing.T) {
	cases := []struct {
		status   TransactionStatus
		accepted bool
		reverted bool
	}{
		{TransactionStatus{FinalityStatus: "RECEIVED"}, false, false},
		{TransactionStatus{FinalityStatus: "ACCEPTED_ON_L2", ExecutionStatus: "SUCCEEDED"}, true, false},
		{TransactionStatus{FinalityStatus: "ACCEPTED_ON_L1", ExecutionStatus: "SUCCEEDED"}, true, false},
		{TransactionStatus{FinalityStatus: "ACCEPTED_ON_L2", ExecutionStatus: "REVERTED"}, false, true},
	}
	for _, tc := range cases {
		if got := tc.status.Accepted(); got != tc.accepted {
			t.Fatalf("%+v Accepted() = %v", tc.status, got)
		}
		if got := tc.status.Reverted(); got != tc.reverted {
			t.Fatalf("%+v Reverted() = %v", tc.status, got)
		}
	}
}

func statusServer(t *testing.T, statuses []TransactionStatus) *httptest.Server {
	t.Helper()
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := statuses[len(statuses)-1]
		if calls < len(statuses) {
			status = statuses[calls]
		}
		calls++
		payload, err := json.Marshal(status)
		if err != nil {
			t.Fatalf("marshal status: %v", err)
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: payload})
	}))
}

func TestWaitForTransactionAccepted(t *testing.T) {
	server := statusServer(t, []TransactionStatus{
		{FinalityStatus: "RECEIVED"},
		{FinalityStatus: "RECEIVED"},
		{FinalityStatus: "ACCEPTED_ON_L2", ExecutionStatus: "SUCCEEDED"},
	})
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.pollInterval = time.Millisecond
	client.maxAttempts = 10

	if err := client.WaitForTransaction(context.Background(), common.HexToHash("0xbeef")); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitForTransactionBenignRevert(t *testing.T) {
	server := statusServer(t, []TransactionStatus{
		{FinalityStatus: "ACCEPTED_ON_L2", ExecutionStatus: "REVERTED", FailureReason: "Execution failed: 'NOT-UNDERCOLLATERALIZED'"},
	})
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.pollInterval = time.Millisecond
	client.maxAttempts = 3

	err = client.WaitForTransaction(context.Background(), common.HexToHash("0xbeef"))
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if !strings.Contains(revert.Reason, "NOT-UNDERCOLLATERALIZED") {
		t.Fatalf("reason = %q", revert.Reason)
	}
	if !IsBenignRace(err) {
		t.Fatalf("expected benign race for %v", err)
	}
}

func TestWaitForTransactionTimeout(t *testing.T) {
	server := statusServer(t, []TransactionStatus{{FinalityStatus: "RECEIVED"}})
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.pollInterval = time.Millisecond
	client.maxAttempts = 3

	err = client.WaitForTransaction(context.Background(), common.HexToHash("0xbeef"))
	if !errors.Is(err, ErrFinalityTimeout) {
		t.Fatalf("expected finality timeout, got %v", err)
	}
}

func TestWaitForTransactionHonorsContext(t *testing.T) {
	server := statusServer(t, []TransactionStatus{{FinalityStatus: "RECEIVED"}})
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ProtocolAddress: "0xa1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.pollInterval = time.Hour
	client.maxAttempts = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.WaitForTransaction(ctx, common.HexToHash("0xbeef")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestIsBenignRace(t *testing.T) {
	if IsBenignRace(errors.New("connection refused")) {
		t.Fatal("plain error misclassified")
	}
	if IsBenignRace(&RevertError{Reason: "insufficient account balance"}) {
		t.Fatal("unrelated revert misclassified")
	}
	wrapped := fmt.Errorf("liquidate: %w", &RevertError{Reason: "pool: Not-Undercollateralized"})
	if !IsBenignRace(wrapped) {
		t.Fatal("wrapped benign revert not detected")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{ProtocolAddress: "0xa1"}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := NewClient(Config{BaseURL: "http://127.0.0.1", ProtocolAddress: "0xnope"}); err == nil {
		t.Fatal("expected error for bad protocol address")
	}
}
