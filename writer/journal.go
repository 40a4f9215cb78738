package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "perpflow/config"
	journalchannel "perpflow/internal/channel/journal"
	"perpflow/internal/metadata"
	"perpflow/internal/model"
	"perpflow/logger"
)

// journalRecord defines the parquet schema for settlement journal
// entries. Decimal amounts are stored as doubles; the journal is an
// audit trail, the engine state remains the source of truth.
type journalRecord struct {
	EventID   string  `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType string  `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market    string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account   string  `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size      float64 `parquet:"name=size, type=DOUBLE"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Detail    string  `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter keeps parquet output in memory so a batch can be
// written to the spool dir and uploaded without touching disk twice.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// JournalWriter drains the journal channel and persists event batches
// as parquet, partitioned by market and date. Batches flush on size or
// on a timer, and optionally upload to S3.
type JournalWriter struct {
	cfg         *appconfig.Config
	events      <-chan model.Event
	s3Client    *s3.Client
	metaGen     *metadata.Generator
	buffer      map[string][]model.Event
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

// NewJournalWriter wires the writer to the journal channel. The S3
// client is only built when uploads are enabled.
func NewJournalWriter(cfg *appconfig.Config, ch *journalchannel.Channels) (*JournalWriter, error) {
	w := &JournalWriter{
		cfg:    cfg,
		events: ch.Events,
		buffer: make(map[string][]model.Event),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}

	if cfg.Journal.Dir != "" {
		w.metaGen = metadata.NewGenerator(cfg.Journal.Dir, "perp_events")
	}

	if cfg.Storage.S3.Enabled {
		ctx := context.Background()
		loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
		if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Storage.S3.AccessKeyID,
					cfg.Storage.S3.SecretAccessKey,
					"",
				)))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		w.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
			}
			o.UsePathStyle = cfg.Storage.S3.PathStyle
		})
	}

	return w, nil
}

// Start launches the drain worker and flush ticker.
func (w *JournalWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("journal writer already running")
	}
	w.running = true
	w.ctx = ctx
	interval := w.cfg.Journal.FlushInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.flushTicker = time.NewTicker(interval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("journal_writer").Info("journal writer started")
	return nil
}

// Stop waits for workers and flushes remaining batches.
func (w *JournalWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushAll()
	w.log.WithComponent("journal_writer").Info("journal writer stopped")
}

func (w *JournalWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.events:
			if !ok {
				return
			}
			w.observe(event)

			w.mu.Lock()
			w.buffer[event.Market] = append(w.buffer[event.Market], event)
			shouldFlush := len(w.buffer[event.Market]) >= w.cfg.Journal.BatchSize
			w.mu.Unlock()
			if shouldFlush {
				w.flushMarket(event.Market)
			}
		}
	}
}

// observe surfaces events operators must act on before they reach cold
// storage.
func (w *JournalWriter) observe(event model.Event) {
	if event.Type != model.EventBadDebtRecorded {
		return
	}
	logger.IncrementBadDebt()
	w.log.WithComponent("journal_writer").WithFields(logger.Fields{
		"market":  event.Market,
		"account": string(event.Account),
		"amount":  event.Amount.String(),
	}).Error("bad debt recorded, insurance fund exhausted")
}

func (w *JournalWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushAll()
		}
	}
}

func (w *JournalWriter) flushAll() {
	w.mu.Lock()
	markets := make([]string, 0, len(w.buffer))
	for m := range w.buffer {
		markets = append(markets, m)
	}
	w.mu.Unlock()
	for _, m := range markets {
		w.flushMarket(m)
	}
}

func (w *JournalWriter) flushMarket(market string) {
	w.mu.Lock()
	events := w.buffer[market]
	if len(events) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, market)
	w.mu.Unlock()

	data, size, err := w.createParquet(events)
	if err != nil {
		w.log.WithComponent("journal_writer").WithError(err).Error("create parquet failed")
		return
	}

	now := time.Now().UTC()
	name := w.batchKey(market, now)

	if w.cfg.Journal.Dir != "" {
		if err := w.spool(name, data); err != nil {
			w.log.WithComponent("journal_writer").WithError(err).Error("spool write failed")
		} else if w.metaGen != nil {
			df := metadata.DataFile{
				Path:        name,
				FileSize:    size,
				RecordCount: int64(len(events)),
				Partition: map[string]string{
					"market": market,
					"year":   fmt.Sprintf("%04d", now.Year()),
					"month":  fmt.Sprintf("%02d", int(now.Month())),
					"day":    fmt.Sprintf("%02d", now.Day()),
					"hour":   fmt.Sprintf("%02d", now.Hour()),
				},
				Timestamp: now,
			}
			w.mu.Lock()
			err := w.metaGen.AddFile(df)
			w.mu.Unlock()
			if err != nil {
				w.log.WithComponent("journal_writer").WithError(err).Warn("journal metadata update failed")
			}
		}
	}

	if w.s3Client != nil {
		if err := w.upload(name, data); err != nil {
			w.log.WithComponent("journal_writer").WithError(err).Error("upload to s3 failed")
			return
		}
	}

	logger.IncrementJournalWrite(size)
	w.log.WithComponent("journal_writer").WithFields(logger.Fields{
		"key":     name,
		"records": len(events),
		"bytes":   size,
	}).Info("journal batch written")
}

func (w *JournalWriter) createParquet(events []model.Event) ([]byte, int64, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(journalRecord), 4)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range events {
		rec := journalRecord{
			EventID:   e.ID,
			EventType: string(e.Type),
			Market:    e.Market,
			Account:   string(e.Account),
			Size:      e.Size.InexactFloat64(),
			Price:     e.Price.InexactFloat64(),
			Amount:    e.Amount.InexactFloat64(),
			Detail:    e.Detail,
			Timestamp: e.Timestamp.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, 0, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}
	return mw.Bytes(), int64(len(mw.Bytes())), nil
}

func (w *JournalWriter) spool(key string, data []byte) error {
	path := filepath.Join(w.cfg.Journal.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (w *JournalWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	_, err := w.s3Client.PutObject(w.ctx, input)
	return err
}

func (w *JournalWriter) batchKey(market string, ts time.Time) string {
	parts := []string{
		fmt.Sprintf("market=%s", market),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
	}
	filename := fmt.Sprintf("journal_%s_%d.parquet", market, ts.UnixNano())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
