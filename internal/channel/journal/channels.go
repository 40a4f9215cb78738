package journal

import (
	"context"
	"sync"
	"time"

	"perpflow/internal/model"
	"perpflow/logger"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
}

// Channels carries settlement events from the engine to the journal
// writer. Publish never blocks a settlement path; when the buffer is
// full the event is dropped and counted.
type Channels struct {
	Events chan model.Event

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan model.Event, bufferSize),
		log:    log,
	}

	log.WithComponent("journal_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("journal channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	c.log.WithComponent("journal_channels").Info("journal channels closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

// Publish enqueues an event without blocking. It satisfies the engine's
// journal dependency.
func (c *Channels) Publish(event model.Event) bool {
	select {
	case c.Events <- event:
		c.IncrementSent()
		logger.RecordChannelMessage("journal_events", 1)
		return true
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

// StartMetricsReporting logs channel utilisation until the context is
// cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("journal_channels").WithFields(logger.Fields{
					"events_sent":    stats.EventsSent,
					"events_dropped": stats.EventsDropped,
					"queue_depth":    len(c.Events),
					"queue_cap":      cap(c.Events),
				}).Debug("journal channel stats")
			}
		}
	}()
}
