// feed-tail subscribes to a node's websocket feed and prints what arrives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type Message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://localhost:8081/ws", "WebSocket URL")
		market  = flag.String("market", "", "Market id to follow")
		outcome = flag.Int("outcome", 0, "Outcome index for the depth channel")
		timeout = flag.Duration("timeout", 0, "Exit after this long (0 = run until interrupt)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	if *market == "" {
		logger.Error("A -market id is required")
		os.Exit(1)
	}

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	logger.Info("Connecting to ember feed", "url", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Connection failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := SubscribeRequest{
		Type: "subscribe",
		Channels: []string{
			fmt.Sprintf("depth:%s:%d", *market, *outcome),
			fmt.Sprintf("trades:%s", *market),
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		return
	}
	logger.Info("Subscribed", "market", *market, "outcome", *outcome)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warn("Read error", "error", err)
				return
			}

			if messageType == websocket.TextMessage {
				var msg Message
				if err := json.Unmarshal(message, &msg); err != nil {
					logger.Info("Raw message", "data", string(message))
					continue
				}
				logger.Info("Message received", "type", msg.Type, "channel", msg.Channel)
				if msg.Data != nil {
					logger.Info("Message data", "data", fmt.Sprintf("%+v", msg.Data))
				}
			}
		}
	}()

	var deadline <-chan time.Time
	if *timeout > 0 {
		deadline = time.After(*timeout)
	}

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-deadline:
		logger.Info("Timeout reached")
	}

	logger.Info("Feed tail terminated")
}
