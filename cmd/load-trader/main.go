// load-trader discovers a node over NATS and drives its JSON-RPC surface
// with randomized limit orders to measure acceptance throughput.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	totalOrders   int64
	totalAccepted int64
	totalErrors   int64
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL for node discovery")
	rpcURL := flag.String("rpc", "http://localhost:8080/rpc", "Node JSON-RPC endpoint")
	market := flag.String("market", "", "Market id to trade")
	uid := flag.Uint64("uid", 1, "Registered ledger uid to trade as")
	traders := flag.Int("traders", 0, "Number of traders (0 = auto)")
	rate := flag.Int("rate", 100, "Orders per second per trader")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	if *market == "" {
		log.Fatal("a -market id is required")
	}
	if *traders == 0 {
		*traders = runtime.NumCPU()
	}

	log.Printf("load-trader starting")
	log.Printf("nats: %s  rpc: %s  market: %s", *natsURL, *rpcURL, *market)
	log.Printf("traders: %d  rate: %d/s each  duration: %v", *traders, *rate, *duration)

	// Discover a live node before sending anything.
	nc, err := nats.Connect(*natsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	msg, err := nc.Request("ember.stats", nil, 5*time.Second)
	if err != nil {
		log.Fatalf("no ember node answered a stats request: %v", err)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		log.Fatalf("bad stats response: %v", err)
	}
	log.Printf("found node: status=%v markets=%v", stats["status"], stats["markets"])

	var wg sync.WaitGroup
	wg.Add(*traders)

	startTime := time.Now()
	endTime := startTime.Add(*duration)

	for i := 0; i < *traders; i++ {
		go runTrader(*rpcURL, *market, *uid, *rate, endTime, &wg)
	}

	go printStats(startTime)

	wg.Wait()

	elapsed := time.Since(startTime).Seconds()
	orders := atomic.LoadInt64(&totalOrders)
	accepted := atomic.LoadInt64(&totalAccepted)
	errors := atomic.LoadInt64(&totalErrors)

	fmt.Println()
	fmt.Printf("duration:       %.1fs\n", elapsed)
	fmt.Printf("orders sent:    %d\n", orders)
	fmt.Printf("accepted:       %d\n", accepted)
	fmt.Printf("errors:         %d\n", errors)
	fmt.Printf("throughput:     %.0f orders/sec\n", float64(orders)/elapsed)
}

func runTrader(rpcURL, market string, uid uint64, rate int, endTime time.Time, wg *sync.WaitGroup) {
	defer wg.Done()

	client := &http.Client{Timeout: 2 * time.Second}
	sleep := time.Second / time.Duration(rate)
	var id int64

	for time.Now().Before(endTime) {
		id++
		side := []string{"bid", "ask"}[rand.Intn(2)]
		params := map[string]interface{}{
			"market":  market,
			"uid":     uid,
			"outcome": rand.Intn(2),
			"side":    side,
			"price":   fmt.Sprintf("%d", 1+rand.Intn(99)),
			"size":    fmt.Sprintf("%d", 1+rand.Intn(20)),
		}

		body, _ := json.Marshal(rpcRequest{
			JSONRPC: "2.0",
			Method:  "ember_placeLimitOrder",
			Params:  params,
			ID:      id,
		})

		resp, err := client.Post(rpcURL, "application/json", bytes.NewReader(body))
		atomic.AddInt64(&totalOrders, 1)
		if err != nil {
			atomic.AddInt64(&totalErrors, 1)
			time.Sleep(sleep)
			continue
		}

		var decoded rpcResponse
		if json.NewDecoder(resp.Body).Decode(&decoded) == nil && decoded.Error == nil {
			atomic.AddInt64(&totalAccepted, 1)
		} else {
			// Rejections (crossed spread, insufficient escrow, full book)
			// count as errors here: they are the node saying no.
			atomic.AddInt64(&totalErrors, 1)
		}
		resp.Body.Close()

		time.Sleep(sleep)
	}
}

func printStats(startTime time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastOrders := int64(0)

	for range ticker.C {
		orders := atomic.LoadInt64(&totalOrders)
		accepted := atomic.LoadInt64(&totalAccepted)
		errors := atomic.LoadInt64(&totalErrors)

		delta := orders - lastOrders
		elapsed := time.Since(startTime).Seconds()
		avgRate := float64(orders) / elapsed

		fmt.Printf("\rorders: %d | rate: %d/s | avg: %.0f/s | accepted: %d | errors: %d",
			orders, delta, avgRate, accepted, errors)

		lastOrders = orders
	}
}
