package quote

import (
	"context"
	"sync"

	"perpflow/internal/model"
	"perpflow/logger"
)

type ChannelStats struct {
	QuotesSent    int64
	QuotesDropped int64
}

// Channels carries oracle quotes from the price sources to the keeper.
type Channels struct {
	Quotes chan model.Quote

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Quotes: make(chan model.Quote, bufferSize),
		log:    log,
	}

	log.WithComponent("quote_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("quote channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Quotes)
	c.log.WithComponent("quote_channels").Info("quote channels closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.QuotesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.QuotesDropped++
	c.statsMutex.Unlock()
}

// Send enqueues a quote without blocking the oracle reader. A dropped
// quote is harmless since a newer one follows.
func (c *Channels) Send(ctx context.Context, quote model.Quote) bool {
	select {
	case c.Quotes <- quote:
		c.IncrementSent()
		logger.IncrementQuoteRead(1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
