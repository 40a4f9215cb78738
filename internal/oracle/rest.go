package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "perpflow/config"
	quotechannel "perpflow/internal/channel/quote"
	"perpflow/internal/model"
	"perpflow/logger"
)

// premiumIndexAPI is the slice of the futures client the poller needs,
// split out so tests can stub the exchange.
type premiumIndexAPI interface {
	fetch(ctx context.Context, symbol string) ([]*futures.PremiumIndex, error)
}

type binancePremiumIndex struct {
	client *futures.Client
}

func (b *binancePremiumIndex) fetch(ctx context.Context, symbol string) ([]*futures.PremiumIndex, error) {
	return b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
}

// PremiumIndexPoller polls the Binance futures premium index endpoint
// and republishes mark prices as quotes.
type PremiumIndexPoller struct {
	config   *appconfig.Config
	channels *quotechannel.Channels
	api      premiumIndexAPI
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
	limiter  *rate.Limiter
	interval time.Duration
}

func NewPremiumIndexPoller(cfg *appconfig.Config, ch *quotechannel.Channels) *PremiumIndexPoller {
	return &PremiumIndexPoller{
		config:   cfg,
		channels: ch,
		api:      &binancePremiumIndex{client: futures.NewClient("", "")},
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  cfg.Oracle.Symbols,
	}
}

// Start begins polling all configured symbols.
func (p *PremiumIndexPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("premium-index poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	if len(p.symbols) == 0 {
		return fmt.Errorf("no symbols configured for premium-index poller")
	}

	p.interval = p.config.Oracle.PollInterval.Std()
	if p.interval <= 0 {
		p.interval = 5 * time.Second
	}

	rps := p.config.Oracle.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	burst := p.config.Oracle.BurstSize
	if burst <= 0 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(rps), burst)

	for _, sym := range p.symbols {
		symbol := strings.ToUpper(strings.TrimSpace(sym))
		if symbol == "" {
			continue
		}
		p.wg.Add(1)
		go p.pollSymbol(symbol)
	}

	p.log.WithComponent("oracle_rest").WithFields(logger.Fields{
		"symbols":  strings.Join(p.symbols, ","),
		"interval": p.interval.String(),
	}).Info("premium-index poller started")
	return nil
}

// Stop waits for polling goroutines to exit.
func (p *PremiumIndexPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("oracle_rest").Info("stopping premium-index poller")
	p.wg.Wait()
	p.log.WithComponent("oracle_rest").Info("premium-index poller stopped")
}

func (p *PremiumIndexPoller) pollSymbol(symbol string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log := p.log.WithComponent("oracle_rest").WithFields(logger.Fields{
		"symbol": symbol,
	})

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}

		indexes, err := p.api.fetch(p.ctx, symbol)
		if err != nil {
			log.WithError(err).Warn("premium-index request failed")
			continue
		}
		for _, idx := range indexes {
			p.publish(symbol, idx, log)
		}
	}
}

func (p *PremiumIndexPoller) publish(symbol string, idx *futures.PremiumIndex, log *logger.Entry) {
	mark, err := decimal.NewFromString(idx.MarkPrice)
	if err != nil || mark.Sign() <= 0 {
		log.Debug("skipping unusable premium-index mark price")
		return
	}

	ts := time.Now().UTC()
	if idx.Time > 0 {
		ts = time.UnixMilli(idx.Time).UTC()
	}

	quote := model.Quote{
		Symbol:    symbol,
		Price:     mark,
		Timestamp: ts,
		Source:    "binance_rest",
	}
	if index, err := decimal.NewFromString(idx.IndexPrice); err == nil && index.Sign() > 0 {
		quote.Confidence = mark.Sub(index).Abs()
		quote.Volatility = decimal.NewFromInt(1).Add(quote.Confidence.Div(index))
	}

	if !p.channels.Send(p.ctx, quote) && p.ctx.Err() == nil {
		log.Warn("dropping premium-index quote due to backpressure")
	}
}
