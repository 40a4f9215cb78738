package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	appconfig "perpflow/config"
	quotechannel "perpflow/internal/channel/quote"
	"perpflow/internal/engine"
	"perpflow/internal/model"
	"perpflow/logger"
)

// Keeper drives the settlement engine from the oracle quote stream. It
// refreshes prices, accrues funding, sweeps armed bracket orders and
// flags under-margined positions. Every engine call it makes is safe to
// repeat, so running several keepers against one engine is fine.
type Keeper struct {
	config  *appconfig.Config
	engine  *engine.Engine
	quotes  *quotechannel.Channels
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// scanLimiter bounds full bracket/margin sweeps; price and funding
	// refreshes run on every quote.
	scanLimiter *rate.Limiter
}

func NewKeeper(cfg *appconfig.Config, eng *engine.Engine, quotes *quotechannel.Channels) *Keeper {
	return &Keeper{
		config: cfg,
		engine: eng,
		quotes: quotes,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return fmt.Errorf("keeper already running")
	}
	k.running = true
	k.ctx = ctx
	k.mu.Unlock()

	log := k.log.WithComponent("keeper").WithFields(logger.Fields{"operation": "start"})

	numWorkers := k.config.Keeper.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}

	scans := k.config.Keeper.ScansPerSecond
	if scans <= 0 {
		scans = 4
	}
	burst := k.config.Keeper.BurstSize
	if burst <= 0 {
		burst = 1
	}
	k.scanLimiter = rate.NewLimiter(rate.Limit(scans), burst)

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting keeper workers")

	for i := 0; i < numWorkers; i++ {
		k.wg.Add(1)
		go k.worker(i)
	}

	log.Info("keeper started successfully")
	return nil
}

func (k *Keeper) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	k.mu.Unlock()

	k.log.WithComponent("keeper").Info("stopping keeper")
	k.wg.Wait()
	k.log.WithComponent("keeper").Info("keeper stopped")
}

func (k *Keeper) worker(workerID int) {
	defer k.wg.Done()

	log := k.log.WithComponent("keeper").WithFields(logger.Fields{
		"worker_id": workerID,
	})

	log.Info("starting keeper worker")

	for {
		select {
		case <-k.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case quote, ok := <-k.quotes.Quotes:
			if !ok {
				log.Info("quote channel closed, worker stopping")
				return
			}
			k.processQuote(quote.Symbol, quote)
		}
	}
}

func (k *Keeper) processQuote(symbol string, quote model.Quote) {
	log := k.log.WithComponent("keeper").WithFields(logger.Fields{
		"symbol": symbol,
		"source": quote.Source,
	})

	if err := k.engine.RefreshPrice(quote); err != nil {
		if !errors.Is(err, engine.ErrUnknownMarket) {
			log.WithError(err).Warn("failed to refresh price")
		}
		return
	}

	if err := k.engine.UpdateFundingRate(symbol, quote); err != nil && !errors.Is(err, engine.ErrStalePrice) {
		log.WithError(err).Warn("funding update failed")
	}

	// Sweeps walk every armed bracket and every open position, so they
	// are rate limited independently of quote arrival.
	if !k.scanLimiter.Allow() {
		return
	}
	k.sweepBrackets(symbol, quote, log)
	k.flagAtRisk(symbol, log)
}

func (k *Keeper) sweepBrackets(symbol string, quote model.Quote, log *logger.Entry) {
	owners, err := k.engine.ArmedBrackets(symbol)
	if err != nil {
		log.WithError(err).Warn("failed to list armed brackets")
		return
	}

	for _, owner := range owners {
		triggered, err := k.engine.CheckBracketOrders(symbol, owner, quote)
		if err != nil {
			if errors.Is(err, engine.ErrStalePrice) {
				return
			}
			log.WithError(err).WithFields(logger.Fields{"owner": owner}).Warn("bracket check failed")
			continue
		}
		if triggered {
			log.WithFields(logger.Fields{"owner": owner}).Info("bracket order executed")
		}
	}
}

func (k *Keeper) flagAtRisk(symbol string, log *logger.Entry) {
	owners, err := k.engine.AtRiskPositions(symbol)
	if err != nil {
		log.WithError(err).Warn("failed to scan margin ratios")
		return
	}
	if len(owners) == 0 {
		return
	}

	log.WithFields(logger.Fields{
		"count": len(owners),
	}).Warn("positions below maintenance margin")
	k.log.LogMetric("keeper", "at_risk_positions", len(owners), "gauge", logger.Fields{
		"symbol": symbol,
	})
}
