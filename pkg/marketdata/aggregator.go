// Package marketdata aggregates fills into OHLCV candles per market outcome.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/ember-markets/ember/pkg/ember"
)

// Aggregator collects trades and generates OHLCV data
type Aggregator struct {
	logger log.Logger
	db     database.Database

	// Candle state keyed by "<market>:<outcome>" then interval
	candles   map[string]map[Interval]*Candle
	candlesMu sync.RWMutex

	// Trade buffer
	trades   []ember.Trade
	tradesMu sync.Mutex

	// Subscribers
	subscribers map[string][]chan *Candle
	subMu       sync.RWMutex

	// Stats, read without the candle or trade locks held
	totalTrades  atomic.Uint64
	totalCandles atomic.Uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Candle represents OHLCV data. Prices are in quote ticks per outcome token,
// volume in outcome tokens.
type Candle struct {
	Market    string    `json:"market"`
	Outcome   int       `json:"outcome"`
	Interval  Interval  `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      uint64    `json:"open"`
	High      uint64    `json:"high"`
	Low       uint64    `json:"low"`
	Close     uint64    `json:"close"`
	Volume    uint64    `json:"volume"`
	Trades    int       `json:"trades"`
	Complete  bool      `json:"complete"`
}

// Interval represents a time interval for candles
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
)

// Duration returns the time.Duration for an interval
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return 1 * time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return 1 * time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	case Interval1w:
		return 7 * 24 * time.Hour
	default:
		return 1 * time.Minute
	}
}

// AllIntervals returns all supported intervals
func AllIntervals() []Interval {
	return []Interval{
		Interval1m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval4h, Interval1d, Interval1w,
	}
}

// NewAggregator creates a new market data aggregator
func NewAggregator(logger log.Logger, db database.Database) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Aggregator{
		logger:      logger,
		db:          db,
		candles:     make(map[string]map[Interval]*Candle),
		trades:      make([]ember.Trade, 0, 1000),
		subscribers: make(map[string][]chan *Candle),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the aggregator
func (a *Aggregator) Start() error {
	for _, interval := range AllIntervals() {
		a.wg.Add(1)
		go a.generateCandles(interval)
	}

	a.wg.Add(1)
	go a.processTrades()

	a.wg.Add(1)
	go a.cleanup()

	a.logger.Info("Market data aggregator started")
	return nil
}

// Stop shuts down the aggregator
func (a *Aggregator) Stop() {
	a.logger.Info("Stopping market data aggregator")
	a.cancel()
	a.wg.Wait()
}

// AddTrade buffers a fill for aggregation. Safe to call from an engine
// trade hook.
func (a *Aggregator) AddTrade(trade ember.Trade) {
	a.tradesMu.Lock()
	a.trades = append(a.trades, trade)
	a.tradesMu.Unlock()
	a.totalTrades.Add(1)
}

// seriesKey identifies one candle series.
func seriesKey(market string, outcome int) string {
	return fmt.Sprintf("%s:%d", market, outcome)
}

// processTrades processes buffered trades
func (a *Aggregator) processTrades() {
	defer a.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.processTradeBuffer()
		}
	}
}

// processTradeBuffer drains and applies the trade buffer
func (a *Aggregator) processTradeBuffer() {
	a.tradesMu.Lock()
	if len(a.trades) == 0 {
		a.tradesMu.Unlock()
		return
	}

	trades := a.trades
	a.trades = make([]ember.Trade, 0, 1000)
	a.tradesMu.Unlock()

	for i := range trades {
		a.updateCandles(&trades[i])
	}
}

// updateCandles updates all interval candles with a trade
func (a *Aggregator) updateCandles(trade *ember.Trade) {
	key := seriesKey(trade.MarketID, trade.Outcome)
	tradeTime := trade.Timestamp

	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	if a.candles[key] == nil {
		a.candles[key] = make(map[Interval]*Candle)
	}

	for _, interval := range AllIntervals() {
		candle := a.candles[key][interval]

		openTime := candleOpenTime(tradeTime, interval)
		closeTime := openTime.Add(interval.Duration())

		if candle == nil || !candle.OpenTime.Equal(openTime) {
			// Complete the previous period before rolling over.
			if candle != nil && !candle.Complete {
				candle.Complete = true
				a.publishCandle(candle)
				a.storeCandle(candle)
			}

			candle = &Candle{
				Market:    trade.MarketID,
				Outcome:   trade.Outcome,
				Interval:  interval,
				OpenTime:  openTime,
				CloseTime: closeTime,
				Open:      trade.Price,
				High:      trade.Price,
				Low:       trade.Price,
				Close:     trade.Price,
				Volume:    trade.Size,
				Trades:    1,
			}
			a.candles[key][interval] = candle
			a.totalCandles.Add(1)
		} else {
			candle.High = max(candle.High, trade.Price)
			candle.Low = min(candle.Low, trade.Price)
			candle.Close = trade.Price
			candle.Volume += trade.Size
			candle.Trades++
		}
	}
}

// generateCandles completes candles at interval boundaries
func (a *Aggregator) generateCandles(interval Interval) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.completeCandles(interval)
		}
	}
}

// completeCandles marks candles past their close time as complete
func (a *Aggregator) completeCandles(interval Interval) {
	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	now := time.Now()

	for _, intervalCandles := range a.candles {
		candle := intervalCandles[interval]
		if candle != nil && !candle.Complete && now.After(candle.CloseTime) {
			candle.Complete = true
			a.publishCandle(candle)
			a.storeCandle(candle)
			delete(intervalCandles, interval)
		}
	}
}

// candleOpenTime aligns t to the interval boundary
func candleOpenTime(t time.Time, interval Interval) time.Time {
	intervalSeconds := int64(interval.Duration().Seconds())
	aligned := (t.Unix() / intervalSeconds) * intervalSeconds
	return time.Unix(aligned, 0)
}

// publishCandle publishes a completed candle to subscribers
func (a *Aggregator) publishCandle(candle *Candle) {
	key := fmt.Sprintf("%s:%d:%s", candle.Market, candle.Outcome, candle.Interval)

	a.subMu.RLock()
	subscribers := a.subscribers[key]
	a.subMu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- candle:
		default:
			// Subscriber is not ready, skip
		}
	}
}

func candleDBKey(market string, outcome int, interval Interval, openTime time.Time) []byte {
	return []byte(fmt.Sprintf("candle:%s:%d:%s:%020d", market, outcome, interval, openTime.Unix()))
}

func candleDBPrefix(market string, outcome int, interval Interval) []byte {
	return []byte(fmt.Sprintf("candle:%s:%d:%s:", market, outcome, interval))
}

// storeCandle stores a candle in the database
func (a *Aggregator) storeCandle(candle *Candle) {
	value, err := json.Marshal(candle)
	if err != nil {
		a.logger.Error("Failed to marshal candle", "error", err)
		return
	}

	key := candleDBKey(candle.Market, candle.Outcome, candle.Interval, candle.OpenTime)
	if err := a.db.Put(key, value); err != nil {
		a.logger.Error("Failed to store candle", "error", err)
	}
}

// Subscribe subscribes to completed candles for one series and interval
func (a *Aggregator) Subscribe(market string, outcome int, interval Interval) <-chan *Candle {
	key := fmt.Sprintf("%s:%d:%s", market, outcome, interval)
	ch := make(chan *Candle, 100)

	a.subMu.Lock()
	a.subscribers[key] = append(a.subscribers[key], ch)
	a.subMu.Unlock()

	return ch
}

// GetCandles retrieves up to limit historical candles, oldest first
func (a *Aggregator) GetCandles(market string, outcome int, interval Interval, limit int) ([]*Candle, error) {
	candles := make([]*Candle, 0, limit)

	startTime := time.Now().Add(-interval.Duration() * time.Duration(limit))

	iter := a.db.NewIteratorWithPrefix(candleDBPrefix(market, outcome, interval))
	defer iter.Release()

	for iter.Next() {
		var candle Candle
		if err := json.Unmarshal(iter.Value(), &candle); err != nil {
			continue
		}
		if candle.OpenTime.Before(startTime) {
			continue
		}
		candles = append(candles, &candle)
		if len(candles) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return candles, nil
}

// GetLatestCandle returns the in-progress candle for a series
func (a *Aggregator) GetLatestCandle(market string, outcome int, interval Interval) *Candle {
	a.candlesMu.RLock()
	defer a.candlesMu.RUnlock()

	if seriesCandles, ok := a.candles[seriesKey(market, outcome)]; ok {
		return seriesCandles[interval]
	}

	return nil
}

// GetStats returns aggregator statistics
func (a *Aggregator) GetStats() map[string]interface{} {
	a.candlesMu.RLock()
	numSeries := len(a.candles)
	a.candlesMu.RUnlock()

	return map[string]interface{}{
		"total_trades":  a.totalTrades.Load(),
		"total_candles": a.totalCandles.Load(),
		"series":        numSeries,
	}
}

// cleanup removes expired candles periodically
func (a *Aggregator) cleanup() {
	defer a.wg.Done()

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.cleanupOldCandles()
		}
	}
}

// retention holds how long stored candles are kept per interval
var retention = map[Interval]time.Duration{
	Interval1m:  30 * 24 * time.Hour,
	Interval5m:  90 * 24 * time.Hour,
	Interval15m: 180 * 24 * time.Hour,
	Interval30m: 365 * 24 * time.Hour,
	Interval1h:  365 * 24 * time.Hour,
	Interval4h:  2 * 365 * 24 * time.Hour,
	Interval1d:  10 * 365 * 24 * time.Hour,
	Interval1w:  10 * 365 * 24 * time.Hour,
}

// cleanupOldCandles removes candles older than their retention window
func (a *Aggregator) cleanupOldCandles() {
	now := time.Now()
	batch := a.db.NewBatch()
	defer batch.Reset()

	iter := a.db.NewIteratorWithPrefix([]byte("candle:"))
	for iter.Next() {
		var candle Candle
		if err := json.Unmarshal(iter.Value(), &candle); err != nil {
			continue
		}
		keep, ok := retention[candle.Interval]
		if !ok {
			continue
		}
		if candle.OpenTime.Before(now.Add(-keep)) {
			if err := batch.Delete(iter.Key()); err != nil {
				a.logger.Error("Failed to batch candle delete", "error", err)
			}
		}
	}
	iter.Release()

	if err := batch.Write(); err != nil {
		a.logger.Error("Failed to cleanup old candles", "error", err)
	}
}

// VolumeWeightedAveragePrice calculates VWAP over the last periods candles
func (a *Aggregator) VolumeWeightedAveragePrice(market string, outcome int, interval Interval, periods int) float64 {
	candles, err := a.GetCandles(market, outcome, interval, periods)
	if err != nil || len(candles) == 0 {
		return 0
	}

	var totalVolume float64
	var volumePrice float64

	for _, candle := range candles {
		avgPrice := float64(candle.High+candle.Low+candle.Close) / 3
		volumePrice += avgPrice * float64(candle.Volume)
		totalVolume += float64(candle.Volume)
	}

	if totalVolume == 0 {
		return 0
	}

	return volumePrice / totalVolume
}

// MovingAverage calculates a simple moving average of closes
func (a *Aggregator) MovingAverage(market string, outcome int, interval Interval, periods int) float64 {
	candles, err := a.GetCandles(market, outcome, interval, periods)
	if err != nil || len(candles) == 0 {
		return 0
	}

	var sum float64
	for _, candle := range candles {
		sum += float64(candle.Close)
	}

	return sum / float64(len(candles))
}
