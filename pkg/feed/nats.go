// Package feed publishes market events over NATS for off-node consumers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/ember-markets/ember/pkg/ember"
	"github.com/ember-markets/ember/pkg/metrics"
)

// Subjects. Trades and depth carry the market id; depth also carries the
// outcome index.
const (
	SubjectAnnounce = "ember.announce"
	SubjectStats    = "ember.stats"
)

func tradeSubject(market string) string {
	return "ember.trades." + market
}

func depthSubject(market string, outcome int) string {
	return fmt.Sprintf("ember.depth.%s.%d", market, outcome)
}

// Publisher pushes trades, depth snapshots and node announcements to NATS.
type Publisher struct {
	nc       *nats.Conn
	registry *ember.Registry
	logger   log.Logger
	metrics  *metrics.EmberMetrics

	published uint64
	trades    uint64
}

// NewPublisher connects to the NATS server at url. metrics may be nil.
func NewPublisher(url string, registry *ember.Registry, m *metrics.EmberMetrics, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	p := &Publisher{
		nc:       nc,
		registry: registry,
		logger:   logger,
		metrics:  m,
	}

	// Answer stats requests so traders can discover a live node.
	if _, err := nc.Subscribe(SubjectStats, func(msg *nats.Msg) {
		data, err := json.Marshal(p.stats())
		if err != nil {
			return
		}
		msg.Respond(data)
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", SubjectStats, err)
	}

	logger.Info("NATS feed connected", "url", url)
	return p, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	p.nc.Drain()
}

// PublishTrade sends one fill. Suitable as an engine trade hook.
func (p *Publisher) PublishTrade(trade ember.Trade) {
	data, err := json.Marshal(trade)
	if err != nil {
		p.logger.Error("marshal trade", "error", err)
		return
	}
	if err := p.nc.Publish(tradeSubject(trade.MarketID), data); err != nil {
		p.logger.Error("publish trade", "market", trade.MarketID, "error", err)
		return
	}
	atomic.AddUint64(&p.published, 1)
	atomic.AddUint64(&p.trades, 1)
	if p.metrics != nil {
		p.metrics.RecordNATSPublish()
	}
}

type depthMessage struct {
	Market    string             `json:"market"`
	Outcome   int                `json:"outcome"`
	Bids      []ember.PriceLevel `json:"bids"`
	Asks      []ember.PriceLevel `json:"asks"`
	Timestamp int64              `json:"timestamp"`
}

// PublishDepth snapshots one outcome book pair and sends it.
func (p *Publisher) PublishDepth(market string, outcome int) error {
	msg := depthMessage{
		Market:    market,
		Outcome:   outcome,
		Timestamp: time.Now().Unix(),
	}
	err := p.registry.Do(market, func(e *ember.Engine) error {
		pair, err := e.Market().Pair(outcome)
		if err != nil {
			return err
		}
		msg.Bids = pair.Bids.Levels()
		msg.Asks = pair.Asks.Levels()
		return nil
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(depthSubject(market, outcome), data); err != nil {
		return err
	}
	atomic.AddUint64(&p.published, 1)
	if p.metrics != nil {
		p.metrics.RecordNATSPublish()
	}
	return nil
}

func (p *Publisher) stats() map[string]interface{} {
	return map[string]interface{}{
		"type":      "ember-node",
		"status":    "ready",
		"markets":   p.registry.Markets(),
		"published": atomic.LoadUint64(&p.published),
		"trades":    atomic.LoadUint64(&p.trades),
		"timestamp": time.Now().Unix(),
	}
}

// Announce broadcasts node presence until ctx is cancelled. Traders listen
// on the announce subject to discover a live node.
func (p *Publisher) Announce(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(p.stats())
			if err != nil {
				continue
			}
			if err := p.nc.Publish(SubjectAnnounce, data); err != nil {
				p.logger.Error("publish announce", "error", err)
			}
		}
	}
}
