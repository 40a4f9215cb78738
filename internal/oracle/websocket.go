package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "perpflow/config"
	quotechannel "perpflow/internal/channel/quote"
	"perpflow/internal/model"
	"perpflow/logger"
)

// MarkPriceStreamer streams mark-price updates from Binance futures
// websockets and republishes them as quotes.
type MarkPriceStreamer struct {
	config   *appconfig.Config
	channels *quotechannel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
}

func NewMarkPriceStreamer(cfg *appconfig.Config, ch *quotechannel.Channels) *MarkPriceStreamer {
	return &MarkPriceStreamer{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  cfg.Oracle.Symbols,
	}
}

// Start launches one websocket worker per symbol.
func (s *MarkPriceStreamer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mark-price streamer already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	if len(s.symbols) == 0 {
		return fmt.Errorf("no symbols configured for mark-price streamer")
	}

	for _, sym := range s.symbols {
		symbol := strings.ToUpper(sym)
		s.wg.Add(1)
		go s.streamSymbol(symbol)
	}

	s.log.WithComponent("oracle_ws").WithFields(logger.Fields{
		"symbols": s.symbols,
	}).Info("mark-price streamer started")
	return nil
}

// Stop waits for all websocket workers to exit.
func (s *MarkPriceStreamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("oracle_ws").Info("stopping mark-price streamer")
	s.wg.Wait()
	s.log.WithComponent("oracle_ws").Info("mark-price streamer stopped")
}

type markPricePayload struct {
	Event                string `json:"e"`
	EventTime            int64  `json:"E"`
	Symbol               string `json:"s"`
	MarkPrice            string `json:"p"`
	IndexPrice           string `json:"i"`
	EstimatedSettlePrice string `json:"P"`
	FundingRate          string `json:"r"`
	NextFundingTime      int64  `json:"T"`
}

func (s *MarkPriceStreamer) streamSymbol(symbol string) {
	defer s.wg.Done()

	baseURL := strings.TrimSpace(s.config.Oracle.URL)
	if baseURL == "" {
		baseURL = "wss://fstream.binance.com/ws"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	reconnect := s.config.Oracle.ReconnectDelay.Std()
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}

	endpoint := fmt.Sprintf("%s/%s@markPrice@1s", baseURL, strings.ToLower(symbol))

	dialer := websocket.Dialer{}

	log := s.log.WithComponent("oracle_ws").WithFields(logger.Fields{
		"symbol":   symbol,
		"endpoint": endpoint,
	})

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.Dial(endpoint, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to mark-price websocket")
			select {
			case <-time.After(reconnect):
				continue
			case <-s.ctx.Done():
				return
			}
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				log.WithError(err).Warn("mark-price stream error, reconnecting")
				break
			}
			s.handleMessage(symbol, raw)
		}

		select {
		case <-time.After(reconnect):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *MarkPriceStreamer) handleMessage(symbol string, raw []byte) {
	var payload markPricePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.log.WithComponent("oracle_ws").WithError(err).Debug("failed to decode mark-price payload")
		return
	}

	mark, err := decimal.NewFromString(payload.MarkPrice)
	if err != nil || mark.Sign() <= 0 {
		s.log.WithComponent("oracle_ws").WithFields(logger.Fields{
			"symbol": symbol,
			"mark":   payload.MarkPrice,
		}).Debug("skipping unusable mark price")
		return
	}

	eventTime := time.Now().UTC()
	if payload.EventTime > 0 {
		eventTime = time.UnixMilli(payload.EventTime).UTC()
	}

	// The mark/index spread doubles as a confidence band and a
	// volatility estimate: the wider the divergence, the tighter the
	// leverage cap downstream.
	confidence := decimal.Zero
	volatility := decimal.Zero
	if index, err := decimal.NewFromString(payload.IndexPrice); err == nil && index.Sign() > 0 {
		confidence = mark.Sub(index).Abs()
		volatility = decimal.NewFromInt(1).Add(confidence.Div(index))
	}

	quote := model.Quote{
		Symbol:     symbol,
		Price:      mark,
		Confidence: confidence,
		Volatility: volatility,
		Timestamp:  eventTime,
		Source:     "binance_ws",
	}

	if !s.channels.Send(s.ctx, quote) && s.ctx.Err() == nil {
		s.log.WithComponent("oracle_ws").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("dropping mark-price quote due to backpressure")
	}
}
