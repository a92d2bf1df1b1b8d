// Package monitor tracks open lending positions, evaluates them against
// cached prices every sweep, and executes liquidations on the ones that
// crossed their pair's maximum loan-to-value ratio.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"liquidatord/chain"
	"liquidatord/ledger"
	"liquidatord/observability"
	"liquidatord/position"
	"liquidatord/pricing"
	"liquidatord/storage"
	"liquidatord/swap"
)

const (
	defaultSweepInterval = 10 * time.Second

	// Fee estimates arrive in the gas token's smallest unit.
	feeDecimals = 18
)

var (
	defaultAlmostMargin = decimal.RequireFromString("0.02")
	defaultHaircut      = decimal.RequireFromString("0.90")
)

// Attempt results recorded per liquidation.
const (
	resultConfirmed    = "confirmed"
	resultReverted     = "reverted"
	resultBenignRace   = "benign_race"
	resultUnprofitable = "unprofitable"
	resultError        = "error"
)

// ChainClient is the chain surface the engine needs: authoritative state
// reads plus transaction finality tracking.
type ChainClient interface {
	chain.Reader
	WaitForTransaction(ctx context.Context, hash common.Hash) error
}

// Quoter prices exact-out swaps for repayment routing.
type Quoter interface {
	Quote(ctx context.Context, amount *big.Int, from, to string) (*swap.Quote, error)
}

// AttemptLedger is the audit trail for liquidation attempts.
type AttemptLedger interface {
	RecordSubmitted(ctx context.Context, attempt *ledger.Attempt) error
	RecordFailure(ctx context.Context, attempt *ledger.Attempt, reason string) error
	MarkConfirmed(ctx context.Context, id uuid.UUID) error
	MarkReverted(ctx context.Context, id uuid.UUID, reason string) error
	MarkBenignRace(ctx context.Context, id uuid.UUID, reason string) error
	MarkError(ctx context.Context, id uuid.UUID, reason string) error
}

// Config tunes the engine's sweep cadence and execution policy.
type Config struct {
	// SweepInterval is the cadence of full evaluations over the tracked
	// set. Defaults to 10s.
	SweepInterval time.Duration

	// Mode selects ledger.ModeFull or ledger.ModePartial sizing.
	Mode string

	// AlmostMargin widens the logged-only alert band below each pair's
	// LLTV. Defaults to 0.02.
	AlmostMargin decimal.Decimal

	// MinProfitUSD gates execution on the expected net of an attempt.
	MinProfitUSD decimal.Decimal

	// Recipient is the address that receives seized collateral.
	Recipient string

	// CollateralHaircut scales the expected seize into the on-chain
	// minimum so routing slippage cannot revert an otherwise sound
	// attempt. Defaults to 0.90.
	CollateralHaircut decimal.Decimal

	// FeeTicker prices fee estimates for the profit gate. Defaults to
	// ETH.
	FeeTicker string
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store   *position.Store
	Prices  *pricing.Cache
	Chain   ChainClient
	Quoter  Quoter
	Invoker chain.Invoker
	Ledger  AttemptLedger
	Backend storage.Backend
	Updates <-chan Update
	Logger  *slog.Logger
}

// Engine owns the tracked position set. It ingests indexed updates,
// sweeps the set on a fixed cadence, and runs at most one liquidation at
// a time.
type Engine struct {
	logger *slog.Logger

	store   *position.Store
	prices  *pricing.Cache
	chain   ChainClient
	quoter  Quoter
	invoker chain.Invoker
	ledger  AttemptLedger
	backend storage.Backend
	updates <-chan Update

	interval     time.Duration
	mode         string
	almostMargin decimal.Decimal
	minProfit    decimal.Decimal
	recipient    string
	haircut      decimal.Decimal
	feeTicker    string

	lastBlock atomic.Uint64
	lastSweep atomic.Int64

	metrics        *observability.EngineMetrics
	storageMetrics *observability.StorageMetrics
}

// New validates the configuration and wires an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("position store is required")
	}
	if deps.Prices == nil {
		return nil, fmt.Errorf("price cache is required")
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if deps.Quoter == nil {
		return nil, fmt.Errorf("swap quoter is required")
	}
	if deps.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("attempt ledger is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if deps.Updates == nil {
		return nil, fmt.Errorf("update channel is required")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ledger.ModeFull
	}
	if mode != ledger.ModeFull && mode != ledger.ModePartial {
		return nil, fmt.Errorf("unknown liquidation mode %q", cfg.Mode)
	}

	recipient, err := chain.NormalizeFelt(cfg.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	margin := cfg.AlmostMargin
	if margin.IsNegative() {
		return nil, fmt.Errorf("almost margin must not be negative")
	}
	if margin.IsZero() {
		margin = defaultAlmostMargin
	}

	haircut := cfg.CollateralHaircut
	if haircut.IsZero() {
		haircut = defaultHaircut
	}
	if !haircut.IsPositive() || haircut.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("collateral haircut must be in (0, 1]")
	}

	feeTicker := strings.ToUpper(strings.TrimSpace(cfg.FeeTicker))
	if feeTicker == "" {
		feeTicker = "ETH"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		logger:         logger,
		store:          deps.Store,
		prices:         deps.Prices,
		chain:          deps.Chain,
		quoter:         deps.Quoter,
		invoker:        deps.Invoker,
		ledger:         deps.Ledger,
		backend:        deps.Backend,
		updates:        deps.Updates,
		interval:       interval,
		mode:           mode,
		almostMargin:   margin,
		minProfit:      cfg.MinProfitUSD,
		recipient:      recipient,
		haircut:        haircut,
		feeTicker:      feeTicker,
		metrics:        observability.Engine(),
		storageMetrics: observability.Storage(),
	}, nil
}

// Run processes stream updates and periodic sweeps until the context is
// cancelled or the update channel closes.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("monitor: engine started",
		"interval", e.interval,
		"mode", e.mode,
		"tracked", e.store.Len())

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-e.updates:
			if !ok {
				return errors.New("update channel closed")
			}
			e.ingest(ctx, update)
			e.drain(ctx)
			e.persist()
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// drain empties whatever else is already buffered so a burst of updates
// costs one snapshot save instead of one per event.
func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case update, ok := <-e.updates:
			if !ok {
				return
			}
			e.ingest(ctx, update)
		default:
			return
		}
	}
}

// ingest folds one indexed update into the tracked set. Amounts are
// re-fetched first: the stream delivery may be several blocks stale by
// the time it is processed.
func (e *Engine) ingest(ctx context.Context, update Update) {
	if update.Block > e.lastBlock.Load() {
		e.lastBlock.Store(update.Block)
	}

	pos := update.Position
	key := pos.Key()

	collateralRaw, debtRaw, err := e.chain.PositionState(ctx, pos.PoolID, pos.Collateral.Address, pos.Debt.Address, pos.UserAddress)
	if err != nil {
		e.metrics.RecordError("ingest", "refetch")
		e.logger.Warn("monitor: ingest re-fetch failed, using indexed amounts",
			"key", fmt.Sprintf("%#x", key),
			"err", err)
	} else {
		pos.Collateral.SetRawAmount(collateralRaw)
		pos.Debt.SetRawAmount(debtRaw)
	}

	if pos.Closed() {
		if _, tracked := e.store.Get(key); tracked {
			e.store.Delete(key)
			e.logger.Info("monitor: position closed, evicted",
				"key", fmt.Sprintf("%#x", key),
				"user", pos.UserAddress)
		}
		e.metrics.SetTracked(e.store.Len())
		return
	}

	if _, replaced := e.store.Upsert(&pos); !replaced {
		e.logger.Debug("monitor: tracking position",
			"key", fmt.Sprintf("%#x", key),
			"user", pos.UserAddress,
			"pair", pos.Collateral.Name+"/"+pos.Debt.Name)
	}
	e.metrics.SetTracked(e.store.Len())
}

// persist writes the tracked set through to storage so a restart resumes
// from the last ingested block.
func (e *Engine) persist() {
	snap := &storage.Snapshot{
		LastBlockIndexed: e.lastBlock.Load(),
		Positions:        e.store.Snapshot(),
	}
	started := time.Now()
	err := e.backend.Save(snap)
	e.storageMetrics.ObserveSave(time.Since(started), err)
	if err != nil {
		e.metrics.RecordError("persist", "save")
		e.logger.Error("monitor: snapshot save failed",
			"err", err,
			"positions", len(snap.Positions))
	}
}

type candidate struct {
	key uint64
	pos position.Position
	ltv decimal.Decimal
}

// sweep evaluates a snapshot of the tracked set and liquidates every
// position at or over its pair LLTV, one at a time in key order.
func (e *Engine) sweep(ctx context.Context) {
	defer func() { e.lastSweep.Store(time.Now().UnixNano()) }()

	snapshot := e.store.Snapshot()
	e.metrics.SetTracked(len(snapshot))
	if len(snapshot) == 0 {
		return
	}

	started := time.Now()
	var candidates []candidate
	for key, pos := range snapshot {
		if pos.Closed() {
			continue
		}
		eval := Evaluate(&pos, e.prices, e.almostMargin)
		if !eval.Evaluable {
			continue
		}
		switch {
		case eval.Liquidatable:
			e.metrics.RecordLiquidatable()
			e.logger.Info("monitor: position liquidatable",
				"key", fmt.Sprintf("%#x", key),
				"user", pos.UserAddress,
				"pair", pos.Collateral.Name+"/"+pos.Debt.Name,
				"ltv", eval.LTV.String(),
				"lltv", pos.LLTV.String())
			candidates = append(candidates, candidate{key: key, pos: pos, ltv: eval.LTV})
		case eval.Almost:
			e.logger.Info("monitor: position near liquidation",
				"key", fmt.Sprintf("%#x", key),
				"user", pos.UserAddress,
				"ltv", eval.LTV.String(),
				"lltv", pos.LLTV.String())
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].key < candidates[j].key })
	for i := range candidates {
		if ctx.Err() != nil {
			return
		}
		e.liquidate(ctx, &candidates[i])
	}
	e.metrics.ObserveSweep(time.Since(started))
}

func (e *Engine) liquidate(ctx context.Context, cand *candidate) {
	started := time.Now()
	result := e.execute(ctx, cand)
	e.metrics.RecordAttempt(result, time.Since(started))
}

// execute runs the liquidation pipeline for one candidate: size the
// attempt, quote the repayment swap, estimate the fee, gate on expected
// profit, submit, and track the transaction to a terminal status.
func (e *Engine) execute(ctx context.Context, cand *candidate) string {
	pos := &cand.pos
	collateralPrice, _ := e.prices.Get(pos.Collateral.Name)
	debtPrice, _ := e.prices.Get(pos.Debt.Name)

	attempt := &ledger.Attempt{
		PositionKey:    strconv.FormatUint(cand.key, 10),
		PoolID:         pos.PoolID,
		UserAddress:    pos.UserAddress,
		CollateralName: pos.Collateral.Name,
		DebtName:       pos.Debt.Name,
		Mode:           e.mode,
		LTV:            cand.ltv.String(),
		LLTV:           pos.LLTV.String(),
	}

	debtRepay, collateralSeize, err := LiquidationAmounts(pos, collateralPrice.Value, debtPrice.Value, e.mode)
	if err != nil {
		return e.fail(ctx, cand, attempt, "sizing", fmt.Errorf("size attempt: %w", err))
	}
	attempt.DebtRepay = debtRepay.String()
	attempt.CollateralSeize = collateralSeize.String()

	debtRaw := rawAmount(debtRepay, pos.Debt.Decimals)
	if debtRaw.Sign() <= 0 {
		return e.fail(ctx, cand, attempt, "sizing", fmt.Errorf("repay amount rounds to zero"))
	}

	// Exact-out quote: spend collateral, receive exactly the repay amount.
	quote, err := e.quoter.Quote(ctx, new(big.Int).Neg(debtRaw), pos.Collateral.Address, pos.Debt.Address)
	if err != nil {
		return e.fail(ctx, cand, attempt, "quote", fmt.Errorf("quote repay swap: %w", err))
	}
	routes, err := swap.WeightedRoutes(quote)
	if err != nil {
		return e.fail(ctx, cand, attempt, "routes", fmt.Errorf("weight routes: %w", err))
	}
	swaps, err := chain.NewRepaySwaps(pos.Debt.Address, debtRaw, routes)
	if err != nil {
		return e.fail(ctx, cand, attempt, "swaps", fmt.Errorf("build repay swaps: %w", err))
	}

	minCollateral, err := chain.U256FromBig(rawAmount(collateralSeize.Mul(e.haircut), pos.Collateral.Decimals))
	if err != nil {
		return e.fail(ctx, cand, attempt, "sizing", fmt.Errorf("min collateral: %w", err))
	}

	params := chain.LiquidateParams{
		PoolID:                 pos.PoolID,
		CollateralAsset:        pos.Collateral.Address,
		DebtAsset:              pos.Debt.Address,
		User:                   pos.UserAddress,
		Recipient:              e.recipient,
		MinCollateralToReceive: minCollateral,
		FullLiquidation:        e.mode == ledger.ModeFull,
		LiquidateSwap:          swaps,
	}

	fee, err := e.invoker.EstimateFee(ctx, params)
	if err != nil {
		return e.fail(ctx, cand, attempt, "estimate_fee", fmt.Errorf("estimate fee: %w", err))
	}
	feeAmount := decimal.NewFromBigInt(fee, -feeDecimals)
	attempt.FeeEstimate = feeAmount.String()

	profit := e.expectedProfit(pos, collateralSeize, collateralPrice.Value, debtRepay, debtPrice.Value, feeAmount)
	if profit.LessThan(e.minProfit) {
		reason := fmt.Sprintf("below profit threshold: expected %s USD, minimum %s USD",
			profit.StringFixed(4), e.minProfit.StringFixed(4))
		e.recordFailure(ctx, attempt, reason)
		e.logger.Info("monitor: skipping unprofitable liquidation",
			"key", fmt.Sprintf("%#x", cand.key),
			"user", pos.UserAddress,
			"profit_usd", profit.StringFixed(4),
			"fee", feeAmount.String())
		return resultUnprofitable
	}

	hash, err := e.invoker.Execute(ctx, params)
	if err != nil {
		return e.fail(ctx, cand, attempt, "execute", fmt.Errorf("execute: %w", err))
	}
	attempt.TxHash = hash.Hex()
	if err := e.ledger.RecordSubmitted(ctx, attempt); err != nil {
		e.ledgerWarn(err)
	}
	e.logger.Info("monitor: liquidation submitted",
		"tx", hash.Hex(),
		"key", fmt.Sprintf("%#x", cand.key),
		"user", pos.UserAddress,
		"mode", e.mode,
		"repay", debtRepay.String()+" "+pos.Debt.Name,
		"seize", collateralSeize.String()+" "+pos.Collateral.Name)

	err = e.chain.WaitForTransaction(ctx, hash)
	switch {
	case err == nil:
		if lerr := e.ledger.MarkConfirmed(ctx, attempt.ID); lerr != nil {
			e.ledgerWarn(lerr)
		}
		e.logger.Info("monitor: liquidation confirmed",
			"tx", hash.Hex(),
			"key", fmt.Sprintf("%#x", cand.key))
		e.refresh(ctx, pos)
		return resultConfirmed
	case chain.IsBenignRace(err):
		// Someone else closed it first. Not a failure, just evict.
		if lerr := e.ledger.MarkBenignRace(ctx, attempt.ID, err.Error()); lerr != nil {
			e.ledgerWarn(lerr)
		}
		e.store.Delete(cand.key)
		e.metrics.SetTracked(e.store.Len())
		e.logger.Info("monitor: lost liquidation race, position evicted",
			"tx", hash.Hex(),
			"key", fmt.Sprintf("%#x", cand.key))
		return resultBenignRace
	}

	var revert *chain.RevertError
	if errors.As(err, &revert) {
		if lerr := e.ledger.MarkReverted(ctx, attempt.ID, revert.Reason); lerr != nil {
			e.ledgerWarn(lerr)
		}
		e.logger.Warn("monitor: liquidation reverted",
			"tx", hash.Hex(),
			"key", fmt.Sprintf("%#x", cand.key),
			"reason", revert.Reason)
		e.refresh(ctx, pos)
		return resultReverted
	}

	// Finality timeout or transport failure: the terminal status is
	// unknown, so the position stays tracked.
	if lerr := e.ledger.MarkError(ctx, attempt.ID, err.Error()); lerr != nil {
		e.ledgerWarn(lerr)
	}
	e.metrics.RecordError("finality", "unknown")
	e.logger.Warn("monitor: liquidation outcome unknown",
		"tx", hash.Hex(),
		"key", fmt.Sprintf("%#x", cand.key),
		"err", err)
	e.refresh(ctx, pos)
	return resultError
}

// fail records a pre-submission failure. The position stays tracked and
// the next sweep retries from scratch.
func (e *Engine) fail(ctx context.Context, cand *candidate, attempt *ledger.Attempt, stage string, err error) string {
	e.metrics.RecordError("liquidate", stage)
	e.recordFailure(ctx, attempt, err.Error())
	e.logger.Warn("monitor: liquidation attempt failed",
		"key", fmt.Sprintf("%#x", cand.key),
		"user", attempt.UserAddress,
		"stage", stage,
		"err", err)
	return resultError
}

func (e *Engine) recordFailure(ctx context.Context, attempt *ledger.Attempt, reason string) {
	if err := e.ledger.RecordFailure(ctx, attempt, reason); err != nil {
		e.ledgerWarn(err)
	}
}

func (e *Engine) ledgerWarn(err error) {
	e.metrics.RecordError("ledger", "write")
	e.logger.Warn("monitor: ledger write failed", "err", err)
}

// expectedProfit nets an attempt at current prices: collateral received
// less debt repaid less the gas fee. An unknown fee token price gates on
// the gross figure rather than blocking the attempt.
func (e *Engine) expectedProfit(pos *position.Position, seize, collateralPrice, repay, debtPrice, fee decimal.Decimal) decimal.Decimal {
	// The sized repay over-asks on purpose; the protocol clamps it to
	// the outstanding debt, so the net is against the clamped figure.
	repaid := repay
	if repaid.GreaterThan(pos.Debt.Amount) {
		repaid = pos.Debt.Amount
	}
	profit := seize.Mul(collateralPrice).Sub(repaid.Mul(debtPrice))
	feePrice, ok := e.prices.Get(e.feeTicker)
	if !ok || !feePrice.Known() {
		e.logger.Debug("monitor: fee token price unknown, gating on gross profit",
			"ticker", e.feeTicker)
		return profit
	}
	return profit.Sub(fee.Mul(feePrice.Value))
}

// refresh re-reads the position's amounts so the next sweep evaluates
// post-attempt state instead of the snapshot that triggered the attempt.
func (e *Engine) refresh(ctx context.Context, pos *position.Position) {
	key := pos.Key()
	collateralRaw, debtRaw, err := e.chain.PositionState(ctx, pos.PoolID, pos.Collateral.Address, pos.Debt.Address, pos.UserAddress)
	if err != nil {
		e.metrics.RecordError("refresh", "refetch")
		e.logger.Warn("monitor: post-attempt re-fetch failed",
			"key", fmt.Sprintf("%#x", key),
			"err", err)
		return
	}

	updated := *pos
	updated.Collateral.SetRawAmount(collateralRaw)
	updated.Debt.SetRawAmount(debtRaw)
	if updated.Closed() {
		e.store.Delete(key)
		e.metrics.SetTracked(e.store.Len())
		e.logger.Info("monitor: position closed, evicted",
			"key", fmt.Sprintf("%#x", key))
		return
	}
	e.store.Update(key, func(p *position.Position) {
		p.Collateral.SetRawAmount(collateralRaw)
		p.Debt.SetRawAmount(debtRaw)
	})
}

// LastSweep returns the completion time of the most recent sweep, zero
// before the first one.
func (e *Engine) LastSweep() time.Time {
	nanos := e.lastSweep.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Tracked returns the number of positions currently monitored.
func (e *Engine) Tracked() int {
	return e.store.Len()
}

// LastBlock returns the highest block observed from the stream.
func (e *Engine) LastBlock() uint64 {
	return e.lastBlock.Load()
}

// PositionStatus is the operator-facing view of one tracked position.
type PositionStatus struct {
	Key              string `json:"key"`
	PoolID           string `json:"pool_id"`
	UserAddress      string `json:"user_address"`
	Collateral       string `json:"collateral"`
	CollateralAmount string `json:"collateral_amount"`
	Debt             string `json:"debt"`
	DebtAmount       string `json:"debt_amount"`
	LTV              string `json:"ltv,omitempty"`
	LLTV             string `json:"lltv"`
}

// Positions lists the tracked set with current ratios, sorted by key for
// stable output.
func (e *Engine) Positions() []PositionStatus {
	snapshot := e.store.Snapshot()
	out := make([]PositionStatus, 0, len(snapshot))
	for key, pos := range snapshot {
		status := PositionStatus{
			Key:              fmt.Sprintf("%#x", key),
			PoolID:           pos.PoolID,
			UserAddress:      pos.UserAddress,
			Collateral:       pos.Collateral.Name,
			CollateralAmount: pos.Collateral.Amount.String(),
			Debt:             pos.Debt.Name,
			DebtAmount:       pos.Debt.Amount.String(),
			LLTV:             pos.LLTV.String(),
		}
		if ltv, ok := ComputeLTV(&pos, e.prices); ok {
			status.LTV = ltv.String()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
