package oracle

import (
	"context"
	"fmt"

	appconfig "perpflow/config"
	quotechannel "perpflow/internal/channel/quote"
)

// Source produces reference-price quotes on the shared quote channel
// until stopped.
type Source interface {
	Start(ctx context.Context) error
	Stop()
}

// NewSource builds the configured quote transport.
func NewSource(cfg *appconfig.Config, ch *quotechannel.Channels) (Source, error) {
	switch cfg.Oracle.Source {
	case "", "websocket":
		return NewMarkPriceStreamer(cfg, ch), nil
	case "rest":
		return NewPremiumIndexPoller(cfg, ch), nil
	default:
		return nil, fmt.Errorf("unknown oracle source %q", cfg.Oracle.Source)
	}
}
