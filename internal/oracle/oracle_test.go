package oracle

import (
	"context"
	"sync"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "perpflow/config"
	quotechannel "perpflow/internal/channel/quote"
)

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Oracle: appconfig.OracleConfig{
			Source:         "websocket",
			URL:            "wss://example.com/ws",
			Symbols:        []string{"BTCUSDT"},
			PollInterval:   appconfig.Duration(10 * time.Millisecond),
			ReconnectDelay: appconfig.Duration(time.Second),
		},
	}
}

func TestNewSource(t *testing.T) {
	cfg := minimalConfig()
	ch := quotechannel.NewChannels(1)

	src, err := NewSource(cfg, ch)
	if err != nil {
		t.Fatalf("NewSource returned error: %v", err)
	}
	if _, ok := src.(*MarkPriceStreamer); !ok {
		t.Fatalf("expected websocket source, got %T", src)
	}

	cfg.Oracle.Source = "rest"
	src, err = NewSource(cfg, ch)
	if err != nil {
		t.Fatalf("NewSource returned error: %v", err)
	}
	if _, ok := src.(*PremiumIndexPoller); !ok {
		t.Fatalf("expected rest source, got %T", src)
	}

	cfg.Oracle.Source = "carrier-pigeon"
	if _, err := NewSource(cfg, ch); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestMarkPriceStreamerHandleMessage(t *testing.T) {
	cfg := minimalConfig()
	ch := quotechannel.NewChannels(4)
	s := NewMarkPriceStreamer(cfg, ch)
	s.ctx = context.Background()

	raw := []byte(`{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"50000.10","i":"49990.00","P":"50010.00","r":"0.0001","T":1700028800000}`)
	s.handleMessage("BTCUSDT", raw)

	select {
	case q := <-ch.Quotes:
		if q.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %s", q.Symbol)
		}
		if q.Price.String() != "50000.1" {
			t.Errorf("price = %s, want 50000.1", q.Price)
		}
		if q.Confidence.String() != "10.1" {
			t.Errorf("confidence = %s, want 10.1", q.Confidence)
		}
		wantVol := decimal.NewFromInt(1).Add(decimal.NewFromFloat(10.1).Div(decimal.NewFromInt(49990)))
		if !q.Volatility.Equal(wantVol) {
			t.Errorf("volatility = %s, want %s", q.Volatility, wantVol)
		}
		if q.Source != "binance_ws" {
			t.Errorf("source = %s", q.Source)
		}
	default:
		t.Fatal("expected a quote on the channel")
	}

	// garbage payload and non-positive prices are dropped
	s.handleMessage("BTCUSDT", []byte(`{nope`))
	s.handleMessage("BTCUSDT", []byte(`{"p":"0"}`))
	select {
	case <-ch.Quotes:
		t.Fatal("unexpected quote from bad payload")
	default:
	}
}

type stubPremiumIndex struct {
	mu      sync.Mutex
	calls   int
	indexes []*futures.PremiumIndex
	err     error
}

func (s *stubPremiumIndex) fetch(ctx context.Context, symbol string) ([]*futures.PremiumIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.indexes, s.err
}

func TestPremiumIndexPollerPublishesQuotes(t *testing.T) {
	cfg := minimalConfig()
	cfg.Oracle.Source = "rest"
	ch := quotechannel.NewChannels(16)

	stub := &stubPremiumIndex{
		indexes: []*futures.PremiumIndex{{
			Symbol:     "BTCUSDT",
			MarkPrice:  "42000.5",
			IndexPrice: "42000.0",
			Time:       1700000000000,
		}},
	}

	p := NewPremiumIndexPoller(cfg, ch)
	p.api = stub

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var got bool
	for !got {
		select {
		case q := <-ch.Quotes:
			if q.Price.String() != "42000.5" {
				t.Errorf("price = %s, want 42000.5", q.Price)
			}
			if q.Confidence.String() != "0.5" {
				t.Errorf("confidence = %s, want 0.5", q.Confidence)
			}
			wantVol := decimal.NewFromInt(1).Add(decimal.NewFromFloat(0.5).Div(decimal.NewFromInt(42000)))
			if !q.Volatility.Equal(wantVol) {
				t.Errorf("volatility = %s, want %s", q.Volatility, wantVol)
			}
			if q.Source != "binance_rest" {
				t.Errorf("source = %s", q.Source)
			}
			got = true
		case <-deadline:
			t.Fatal("timed out waiting for polled quote")
		}
	}

	cancel()
	p.Stop()
}

func TestPremiumIndexPollerRejectsDoubleStart(t *testing.T) {
	cfg := minimalConfig()
	ch := quotechannel.NewChannels(1)
	p := NewPremiumIndexPoller(cfg, ch)
	p.api = &stubPremiumIndex{}
	p.limiter = rate.NewLimiter(rate.Inf, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("expected error on second Start")
	}
	cancel()
	p.Stop()
}

func TestStreamerRequiresSymbols(t *testing.T) {
	cfg := minimalConfig()
	cfg.Oracle.Symbols = nil
	s := NewMarkPriceStreamer(cfg, quotechannel.NewChannels(1))
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error when no symbols configured")
	}
}
