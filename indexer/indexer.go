// Package indexer consumes the protocol's position-modification event
// stream and turns raw events into enriched position updates for the
// monitoring engine.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"liquidatord/chain"
	"liquidatord/monitor"
	"liquidatord/observability"
	"liquidatord/position"
)

// ErrStreamInvalidated reports a chain reorganization notification. The
// stream cannot be resumed in place; the process restarts from the
// persisted snapshot instead.
var ErrStreamInvalidated = errors.New("event stream invalidated")

const (
	maxFrameBytes = 1 << 20

	// Event key layout: [selector, pool_id, collateral, debt, user].
	eventKeyCount      = 5
	keyIndexPool       = 1
	keyIndexCollateral = 2
	keyIndexDebt       = 3
	keyIndexUser       = 4

	// Pair LTVs always come back at fixed 18-decimal precision.
	ltvDecimals = 18

	defaultEnrichAttempts = 3
	defaultEnrichBackoff  = 500 * time.Millisecond

	frameTypeData       = "data"
	frameTypeInvalidate = "invalidate"
	frameTypeHeartbeat  = "heartbeat"
)

type subscribeFrame struct {
	StartingBlock uint64   `json:"starting_block"`
	Finality      string   `json:"finality"`
	Contract      string   `json:"contract"`
	Keys          []string `json:"keys"`
}

type streamFrame struct {
	Type   string        `json:"type"`
	Cursor *frameCursor  `json:"cursor,omitempty"`
	Events []streamEvent `json:"events,omitempty"`
}

type frameCursor struct {
	BlockNumber uint64 `json:"block_number"`
}

type streamEvent struct {
	Keys []string `json:"keys"`
	Data []string `json:"data"`
}

// Config wires a Service to one network's event stream.
type Config struct {
	StreamURL     string
	BearerToken   string
	Contract      string
	EventSelector string
	StartingBlock uint64
	// Assets maps canonical asset addresses to their profile entries
	// (name, address, decimals). Events touching anything else are
	// dropped.
	Assets map[string]position.Asset

	EnrichAttempts int
	EnrichBackoff  time.Duration
}

// Service holds one stream subscription and publishes enriched updates.
// A dead or invalidated stream is fatal: Run returns and the supervisor
// tears the process down rather than serving stale positions.
type Service struct {
	logger   *slog.Logger
	url      string
	bearer   string
	contract string
	selector string
	from     uint64
	assets   map[string]position.Asset

	enrichAttempts int
	enrichBackoff  time.Duration

	reader  chain.Reader
	updates chan<- monitor.Update
	seen    map[uint64]struct{}
	metrics *observability.IndexerMetrics
}

// New validates the stream configuration and binds the output channel.
func New(cfg Config, reader chain.Reader, updates chan<- monitor.Update, logger *slog.Logger) (*Service, error) {
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	if reader == nil {
		return nil, fmt.Errorf("chain reader is required")
	}
	if updates == nil {
		return nil, fmt.Errorf("update channel is required")
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("at least one tracked asset is required")
	}
	contract, err := chain.ParseFelt(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}
	selector, err := chain.ParseFelt(cfg.EventSelector)
	if err != nil {
		return nil, fmt.Errorf("event selector: %w", err)
	}
	assets := make(map[string]position.Asset, len(cfg.Assets))
	for addr, asset := range cfg.Assets {
		canonical, err := chain.NormalizeFelt(addr)
		if err != nil {
			return nil, fmt.Errorf("asset address %q: %w", addr, err)
		}
		assets[canonical] = asset
	}
	if cfg.EnrichAttempts <= 0 {
		cfg.EnrichAttempts = defaultEnrichAttempts
	}
	if cfg.EnrichBackoff <= 0 {
		cfg.EnrichBackoff = defaultEnrichBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:         logger,
		url:            cfg.StreamURL,
		bearer:         cfg.BearerToken,
		contract:       chain.FormatFelt(contract),
		selector:       chain.FormatFelt(selector),
		from:           cfg.StartingBlock,
		assets:         assets,
		enrichAttempts: cfg.EnrichAttempts,
		enrichBackoff:  cfg.EnrichBackoff,
		reader:         reader,
		updates:        updates,
		seen:           make(map[uint64]struct{}),
		metrics:        observability.Indexer(),
	}, nil
}

// Run dials the stream, subscribes from the configured block, and
// consumes frames until the context is cancelled or the stream dies.
func (s *Service) Run(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, s.dialOptions())
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(maxFrameBytes)

	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}
	s.logger.Info("indexer: event stream subscribed",
		"contract", s.contract, "starting_block", s.from)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		if err := s.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

func (s *Service) dialOptions() *websocket.DialOptions {
	if s.bearer == "" {
		return nil
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.bearer)
	return &websocket.DialOptions{HTTPHeader: header}
}

func (s *Service) subscribe(ctx context.Context, conn *websocket.Conn) error {
	frame := subscribeFrame{
		StartingBlock: s.from,
		Finality:      "pending",
		Contract:      s.contract,
		Keys:          []string{s.selector},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("subscribe event stream: %w", err)
	}
	return nil
}

func (s *Service) handleFrame(ctx context.Context, data []byte) error {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.metrics.RecordEvent("malformed")
		s.logger.Warn("indexer: malformed stream frame", "error", err)
		return nil
	}
	switch frame.Type {
	case frameTypeHeartbeat:
		return nil
	case frameTypeInvalidate:
		if frame.Cursor != nil {
			return fmt.Errorf("%w at block %d", ErrStreamInvalidated, frame.Cursor.BlockNumber)
		}
		return ErrStreamInvalidated
	case frameTypeData:
		var block uint64
		if frame.Cursor != nil {
			block = frame.Cursor.BlockNumber
		}
		for _, event := range frame.Events {
			s.handleEvent(ctx, block, event)
		}
		return nil
	default:
		s.logger.Warn("indexer: unknown frame type", "type", frame.Type)
		return nil
	}
}

// handleEvent decodes one event's key felts, enriches the position on
// chain, and publishes it. Every drop reason is counted.
func (s *Service) handleEvent(ctx context.Context, block uint64, event streamEvent) {
	if len(event.Keys) < eventKeyCount {
		s.metrics.RecordEvent("malformed")
		s.logger.Warn("indexer: event with short key set", "keys", len(event.Keys))
		return
	}
	keys := make([]*big.Int, eventKeyCount)
	for i := 0; i < eventKeyCount; i++ {
		felt, err := chain.ParseFelt(event.Keys[i])
		if err != nil {
			s.metrics.RecordEvent("malformed")
			s.logger.Warn("indexer: unparseable event key", "index", i, "error", err)
			return
		}
		keys[i] = felt
	}

	// A zero debt asset marks the protocol's extension path.
	if keys[keyIndexDebt].Sign() == 0 {
		s.metrics.RecordEvent("extension")
		return
	}

	collateralAsset, okCollateral := s.assets[chain.FormatFelt(keys[keyIndexCollateral])]
	debtAsset, okDebt := s.assets[chain.FormatFelt(keys[keyIndexDebt])]
	if !okCollateral || !okDebt {
		s.metrics.RecordEvent("unknown_asset")
		s.logger.Debug("indexer: event for untracked asset pair",
			"collateral", chain.FormatFelt(keys[keyIndexCollateral]),
			"debt", chain.FormatFelt(keys[keyIndexDebt]))
		return
	}

	pos := position.Position{
		UserAddress: chain.FormatFelt(keys[keyIndexUser]),
		PoolID:      chain.FormatFelt(keys[keyIndexPool]),
		Collateral:  collateralAsset,
		Debt:        debtAsset,
	}
	if err := s.enrich(ctx, &pos); err != nil {
		s.metrics.RecordEvent("enrich_failed")
		s.logger.Warn("indexer: position enrich failed",
			"user", pos.UserAddress, "pool", pos.PoolID, "error", err)
		return
	}
	if pos.Closed() {
		s.metrics.RecordEvent("closed")
		s.logger.Debug("indexer: skipping closed position",
			"user", pos.UserAddress, "pool", pos.PoolID)
		return
	}

	key := pos.Key()
	if _, dup := s.seen[key]; !dup {
		s.seen[key] = struct{}{}
		s.logger.Info("indexer: discovered position",
			"key", fmt.Sprintf("%#x", key), "block", block,
			"user", pos.UserAddress,
			"collateral", pos.Collateral.Name, "debt", pos.Debt.Name)
	} else {
		s.logger.Debug("indexer: position updated",
			"key", fmt.Sprintf("%#x", key), "block", block)
	}

	select {
	case s.updates <- monitor.Update{Block: block, Position: pos}:
		s.metrics.RecordEvent("published")
	default:
		s.metrics.RecordDrop()
		s.logger.Warn("indexer: update channel full, dropping",
			"key", fmt.Sprintf("%#x", key), "block", block)
	}
}

// enrich fetches authoritative amounts and the pair LTV with a bounded
// fixed-backoff retry. The position is only mutated on success.
func (s *Service) enrich(ctx context.Context, pos *position.Position) error {
	started := time.Now()
	defer func() { s.metrics.ObserveEnrich(time.Since(started)) }()

	var lastErr error
	for attempt := 0; attempt < s.enrichAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.enrichBackoff):
			}
		}
		collateralRaw, debtRaw, err := s.reader.PositionState(ctx,
			pos.PoolID, pos.Collateral.Address, pos.Debt.Address, pos.UserAddress)
		if err != nil {
			lastErr = fmt.Errorf("position state: %w", err)
			continue
		}
		rawLTV, err := s.reader.PairLTV(ctx, pos.PoolID, pos.Collateral.Address, pos.Debt.Address)
		if err != nil {
			lastErr = fmt.Errorf("pair ltv: %w", err)
			continue
		}
		pos.Collateral.SetRawAmount(collateralRaw)
		pos.Debt.SetRawAmount(debtRaw)
		pos.LLTV = decimal.NewFromBigInt(rawLTV, -ltvDecimals)
		return nil
	}
	return lastErr
}
