// Package engine implements the perpetual-futures risk and settlement
// core: the position ledger, funding accrual, margin evaluation, the
// discount-auction liquidation machinery and bracket triggers. The
// engine owns all Market and Position state; callers submit intents
// through the entry points and the engine applies them atomically.
//
// Every entry point is safe to call redundantly and out of order within
// its preconditions. There is no internal scheduler: funding updates,
// liquidation attempts and bracket checks are driven by external
// keepers polling the entry points.
package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpflow/internal/custody"
	"perpflow/internal/model"
	"perpflow/logger"
)

// Journal receives settlement events. Sends must never block the
// engine; implementations drop on a full buffer and count the drop.
type Journal interface {
	Publish(model.Event) bool
}

// marketShard bundles one market with its positions. All state-changing
// operations on a market serialize on the shard mutex; operations on
// different markets proceed without coordination.
type marketShard struct {
	mu        sync.Mutex
	market    model.Market
	positions map[model.AccountID]*model.Position
	lastQuote model.Quote
}

// Engine is the risk and settlement core.
type Engine struct {
	mu      sync.RWMutex
	shards  map[string]*marketShard
	vault   custody.Vault
	journal Journal
	clock   func() time.Time
	log     *logger.Log
}

// NewEngine wires the engine to its collaborators: the token-custody
// vault for collateral transfers and the settlement journal. A nil
// journal disables event emission.
func NewEngine(vault custody.Vault, journal Journal) *Engine {
	return &Engine{
		shards:  make(map[string]*marketShard),
		vault:   vault,
		journal: journal,
		clock:   time.Now,
		log:     logger.GetLogger(),
	}
}

func (e *Engine) emit(ev model.Event) {
	if e.journal == nil {
		return
	}
	e.journal.Publish(ev)
}

func (e *Engine) shard(symbol string) (*marketShard, error) {
	e.mu.RLock()
	s, ok := e.shards[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownMarket
	}
	return s, nil
}

// InitializeMarket creates a market under the given authority. The
// market identity is its base-asset symbol; re-initialization fails.
func (e *Engine) InitializeMarket(authority model.AccountID, symbol, quoteAsset string, initialFundingRate decimal.Decimal, params model.MarketParams) error {
	if authority == "" {
		return ErrUnauthorized
	}
	if symbol == "" || quoteAsset == "" {
		return ErrInvalidAmount
	}
	// Margin ratios are divisors downstream; zero or negative values
	// must never reach a shard.
	if params.InitialMarginRatio.Sign() <= 0 || params.MaintenanceMarginRatio.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if params.MaintenanceMarginRatio.GreaterThanOrEqual(params.InitialMarginRatio) {
		return ErrInvalidAmount
	}

	now := e.clock()

	e.mu.Lock()
	if _, exists := e.shards[symbol]; exists {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.shards[symbol] = &marketShard{
		market: model.Market{
			Symbol:          symbol,
			Authority:       authority,
			QuoteAsset:      quoteAsset,
			FundingRate:     initialFundingRate,
			LastFundingTime: now,
			Params:          params,
		},
		positions: make(map[model.AccountID]*model.Position),
	}
	e.mu.Unlock()

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"market":      symbol,
		"quote_asset": quoteAsset,
	}).Info("market initialized")

	ev := model.NewEvent(model.EventMarketInitialized, symbol, authority, now)
	ev.Amount = initialFundingRate
	e.emit(ev)
	return nil
}

// RefreshPrice stores the latest oracle quote for a market. Entry
// points that need a price read this stored quote and reject it when it
// has aged past the market's freshness bound.
func (e *Engine) RefreshPrice(quote model.Quote) error {
	s, err := e.shard(quote.Symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if quote.Timestamp.After(s.lastQuote.Timestamp) {
		s.lastQuote = quote
	}
	return nil
}

// DepositCollateral moves amount from the owner's wallet into the
// owner's position collateral, creating the ledger entry if absent. The
// custody transfer must succeed before any position state changes.
func (e *Engine) DepositCollateral(owner model.AccountID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	s, err := e.shard(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.vault.Debit(owner, amount); err != nil {
		return err
	}

	pos := s.positions[owner]
	if pos == nil {
		pos = &model.Position{
			Owner:                owner,
			Market:               symbol,
			FundingIndexSnapshot: s.market.FundingIndex,
			State:                model.PositionHealthy,
			OpenedAt:             e.clock(),
		}
		s.positions[owner] = pos
	} else {
		e.settleFunding(s, pos)
	}
	pos.Collateral = pos.Collateral.Add(amount)

	ev := model.NewEvent(model.EventCollateralDeposited, symbol, owner, e.clock())
	ev.Amount = amount
	e.emit(ev)
	return nil
}

// WithdrawCollateral returns amount to the owner's wallet. Partial
// withdrawals are allowed as long as the remaining collateral keeps the
// position at or above the initial-margin requirement.
func (e *Engine) WithdrawCollateral(owner model.AccountID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	s, err := e.shard(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[owner]
	if pos == nil {
		return ErrNoPosition
	}
	e.settleFunding(s, pos)

	if amount.GreaterThan(pos.Collateral) {
		return ErrInsufficientCollateral
	}

	if !pos.IsFlat() {
		quote, err := e.freshQuote(s)
		if err != nil {
			return err
		}
		remaining := *pos
		remaining.Collateral = pos.Collateral.Sub(amount)
		if marginRatio(&remaining, quote.Price).LessThan(s.market.Params.InitialMarginRatio) {
			return ErrInsufficientCollateral
		}
	}

	if err := e.vault.Credit(owner, amount); err != nil {
		return err
	}
	pos.Collateral = pos.Collateral.Sub(amount)

	ev := model.NewEvent(model.EventCollateralWithdrawn, symbol, owner, e.clock())
	ev.Amount = amount
	e.emit(ev)
	return nil
}

// FundInsurance tops up the market insurance fund from the authority's
// wallet. Only the market authority may do this.
func (e *Engine) FundInsurance(caller model.AccountID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	s, err := e.shard(symbol)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.market.Authority {
		return ErrUnauthorized
	}
	if err := e.vault.Debit(caller, amount); err != nil {
		return err
	}
	s.market.InsuranceFund = s.market.InsuranceFund.Add(amount)

	ev := model.NewEvent(model.EventInsuranceFunded, symbol, caller, e.clock())
	ev.Amount = amount
	e.emit(ev)
	return nil
}

// freshQuote returns the stored oracle quote or ErrStalePrice when it
// is missing or older than the market freshness bound. Margin and
// liquidation decisions never run on stale data.
func (e *Engine) freshQuote(s *marketShard) (model.Quote, error) {
	q := s.lastQuote
	if !q.Fresh(s.market.Params.PriceMaxAge, e.clock()) {
		return model.Quote{}, ErrStalePrice
	}
	return q, nil
}

// MarketSnapshot returns a copy of the market state.
func (e *Engine) MarketSnapshot(symbol string) (model.Market, error) {
	s, err := e.shard(symbol)
	if err != nil {
		return model.Market{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.market, nil
}

// PositionSnapshot returns a copy of one position. Funding is settled
// first so the collateral figure is never stale.
func (e *Engine) PositionSnapshot(symbol string, owner model.AccountID) (model.Position, error) {
	s, err := e.shard(symbol)
	if err != nil {
		return model.Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positions[owner]
	if pos == nil {
		return model.Position{}, ErrNoPosition
	}
	e.settleFunding(s, pos)
	return *pos, nil
}

// Markets lists the initialized market symbols.
func (e *Engine) Markets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.shards))
	for sym := range e.shards {
		out = append(out, sym)
	}
	return out
}
