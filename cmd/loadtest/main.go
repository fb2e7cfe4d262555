// Command loadtest ramps up simulated game clients against a relay
// server: each bot joins, answers heartbeat pings, and emits moves and
// chat on an interval while the tool reports throughput and the server's
// /health view.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	wsURL       string
	healthURL   string
	bots        int
	rampPerSec  int
	duration    time.Duration
	moveEvery   time.Duration
	chatEvery   time.Duration
	reportEvery time.Duration
}

type counters struct {
	connected  int64
	failed     int64
	joined     int64
	sent       int64
	received   int64
	pings      int64
	evictions  int64 // connections dropped by the server mid-run
}

func main() {
	opts := options{}
	flag.StringVar(&opts.wsURL, "ws", "ws://localhost:3002/ws", "relay WebSocket URL")
	flag.StringVar(&opts.healthURL, "health", "http://localhost:3002/health", "relay health URL")
	flag.IntVar(&opts.bots, "bots", 10, "number of simulated clients")
	flag.IntVar(&opts.rampPerSec, "ramp", 5, "connections opened per second")
	flag.DurationVar(&opts.duration, "duration", 60*time.Second, "sustain duration after ramp")
	flag.DurationVar(&opts.moveEvery, "move-every", 250*time.Millisecond, "interval between move messages")
	flag.DurationVar(&opts.chatEvery, "chat-every", 10*time.Second, "interval between chat messages")
	flag.DurationVar(&opts.reportEvery, "report-every", 5*time.Second, "interval between progress reports")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stats counters
	var wg sync.WaitGroup

	log.Printf("ramping %d bots at %d/sec against %s", opts.bots, opts.rampPerSec, opts.wsURL)

	go report(ctx, &stats, opts)

	rampTicker := time.NewTicker(time.Second / time.Duration(max(opts.rampPerSec, 1)))
	defer rampTicker.Stop()
ramp:
	for i := 0; i < opts.bots; i++ {
		select {
		case <-ctx.Done():
			break ramp
		case <-rampTicker.C:
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				runBot(ctx, n, opts, &stats)
			}(i)
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(opts.duration):
	}
	stop()
	wg.Wait()

	fmt.Printf("\n=== Final ===\nconnected: %d  failed: %d  joined: %d\nsent: %d  received: %d  pings answered: %d  dropped by server: %d\n",
		atomic.LoadInt64(&stats.connected), atomic.LoadInt64(&stats.failed), atomic.LoadInt64(&stats.joined),
		atomic.LoadInt64(&stats.sent), atomic.LoadInt64(&stats.received),
		atomic.LoadInt64(&stats.pings), atomic.LoadInt64(&stats.evictions))
	if atomic.LoadInt64(&stats.failed) > 0 {
		os.Exit(1)
	}
}

func runBot(ctx context.Context, n int, opts options, stats *counters) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.wsURL, nil)
	if err != nil {
		atomic.AddInt64(&stats.failed, 1)
		return
	}
	defer conn.Close()
	atomic.AddInt64(&stats.connected, 1)
	defer atomic.AddInt64(&stats.connected, -1)

	var writeMu sync.Mutex
	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		atomic.AddInt64(&stats.sent, 1)
		return true
	}

	if !send(map[string]any{"type": "join", "name": fmt.Sprintf("bot-%03d", n)}) {
		atomic.AddInt64(&stats.failed, 1)
		return
	}

	// Reader: count frames, answer pings, bail out on join rejection.
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&stats.received, 1)
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case "welcome":
				atomic.AddInt64(&stats.joined, 1)
			case "ping":
				if send(map[string]any{"type": "pong"}) {
					atomic.AddInt64(&stats.pings, 1)
				}
			case "error":
				return
			}
		}
	}()

	moveTicker := time.NewTicker(opts.moveEvery)
	defer moveTicker.Stop()
	chatTicker := time.NewTicker(opts.chatEvery)
	defer chatTicker.Stop()

	x, z := rand.Float64()*100, rand.Float64()*100
	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			atomic.AddInt64(&stats.evictions, 1)
			return
		case <-moveTicker.C:
			x += rand.Float64()*2 - 1
			z += rand.Float64()*2 - 1
			if !send(map[string]any{"type": "move", "x": x, "z": z, "ry": rand.Float64() * 6.28, "moving": true}) {
				return
			}
		case <-chatTicker.C:
			send(map[string]any{"type": "chat", "text": fmt.Sprintf("hello from bot-%03d", n)})
		}
	}
}

func report(ctx context.Context, stats *counters, opts options) {
	ticker := time.NewTicker(opts.reportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("connected=%d joined=%d sent=%d received=%d %s",
				atomic.LoadInt64(&stats.connected),
				atomic.LoadInt64(&stats.joined),
				atomic.LoadInt64(&stats.sent),
				atomic.LoadInt64(&stats.received),
				healthSnapshot(opts.healthURL))
		}
	}
}

func healthSnapshot(url string) string {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "health=unreachable"
	}
	defer resp.Body.Close()
	var payload struct {
		Status   string  `json:"status"`
		Players  int     `json:"players"`
		Capacity int     `json:"capacity"`
		CPU      float64 `json:"cpu_percent"`
	}
	if json.NewDecoder(resp.Body).Decode(&payload) != nil {
		return "health=unparseable"
	}
	return fmt.Sprintf("health=%s players=%d/%d cpu=%.1f%%",
		payload.Status, payload.Players, payload.Capacity, payload.CPU)
}
