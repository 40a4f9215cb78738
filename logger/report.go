package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsEngine  int64
	errorsKeeper  int64
	errorsJournal int64
	errorsOracle  int64
	warnsEngine   int64
	warnsKeeper   int64
	warnsJournal  int64
	warnsOracle   int64
	quoteReads    int64
	journalWrites int64
	liquidations  int64
	badDebtEvents int64
	channels      sync.Map // map[string]*channelStat
)

// engineComponents lists the components whose warns and errors roll up
// into the engine counters. Anything outside these sets is left uncounted
// rather than misattributed.
var engineComponents = map[string]bool{
	"engine":      true,
	"ledger":      true,
	"funding":     true,
	"margin":      true,
	"liquidation": true,
	"bracket":     true,
	"custody":     true,
}

func recordWarn(component string) {
	switch {
	case engineComponents[component]:
		atomic.AddInt64(&warnsEngine, 1)
	case strings.Contains(component, "keeper"):
		atomic.AddInt64(&warnsKeeper, 1)
	case strings.Contains(component, "journal"):
		atomic.AddInt64(&warnsJournal, 1)
	case strings.Contains(component, "oracle"):
		atomic.AddInt64(&warnsOracle, 1)
	}
}

func recordError(component string) {
	switch {
	case engineComponents[component]:
		atomic.AddInt64(&errorsEngine, 1)
	case strings.Contains(component, "keeper"):
		atomic.AddInt64(&errorsKeeper, 1)
	case strings.Contains(component, "journal"):
		atomic.AddInt64(&errorsJournal, 1)
	case strings.Contains(component, "oracle"):
		atomic.AddInt64(&errorsOracle, 1)
	}
}

func IncrementQuoteRead(size int) {
	atomic.AddInt64(&quoteReads, 1)
	recordChannel("oracle_quotes", size)
}

func IncrementJournalWrite(size int64) {
	atomic.AddInt64(&journalWrites, 1)
	recordChannel("journal_write", int(size))
}

func IncrementLiquidation() {
	atomic.AddInt64(&liquidations, 1)
}

func IncrementBadDebt() {
	atomic.AddInt64(&badDebtEvents, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_engine":   atomic.LoadInt64(&errorsEngine),
		"errors_keeper":   atomic.LoadInt64(&errorsKeeper),
		"errors_journal":  atomic.LoadInt64(&errorsJournal),
		"errors_oracle":   atomic.LoadInt64(&errorsOracle),
		"warns_engine":    atomic.LoadInt64(&warnsEngine),
		"warns_keeper":    atomic.LoadInt64(&warnsKeeper),
		"warns_journal":   atomic.LoadInt64(&warnsJournal),
		"warns_oracle":    atomic.LoadInt64(&warnsOracle),
		"quote_reads":     atomic.LoadInt64(&quoteReads),
		"journal_writes":  atomic.LoadInt64(&journalWrites),
		"liquidations":    atomic.LoadInt64(&liquidations),
		"bad_debt_events": atomic.LoadInt64(&badDebtEvents),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(memStats.HeapAlloc) / 1024 / 1024,
		"sys_mb":          int64(memStats.Sys) / 1024 / 1024,
		"num_gc":          memStats.NumGC,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("SysMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Sys) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsKeeper"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_keeper"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsJournal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_journal"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsOracle"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_oracle"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsKeeper"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_keeper"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsJournal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_journal"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsOracle"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_oracle"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["quote_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("JournalWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["journal_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Liquidations"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["liquidations"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BadDebtEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["bad_debt_events"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
