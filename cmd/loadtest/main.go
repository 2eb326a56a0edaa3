package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type latencySample struct {
	size int
	dur  time.Duration
}

// payloadSizes covers every supported length class and its boundaries.
var payloadSizes = []int{0, 1, 125, 126, 1024, 65535}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	clients := flag.Int("clients", 100, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "messages each client sends")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between messages of one client")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("addr", *addr).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server rejects continuation frames, so the write buffer must hold
	// the largest message in one frame.
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second, WriteBufferSize: 1 << 17}

	latencyCh := make(chan latencySample, *clients**messages)
	var failures sync.Map
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			if err := runClient(ctx, dialer, *addr, *messages, *interval, latencyCh); err != nil {
				failures.Store(clientID, err)
				logger.Error().Err(err).Str("client", clientID).Msg("client failed")
			}
		}(i)
	}

	wg.Wait()
	close(latencyCh)

	failed := 0
	failures.Range(func(_, _ any) bool {
		failed++
		return true
	})
	report(latencyCh, failed, logger)
}

// runClient sends messages of rotating sizes and waits for each echo before
// sending the next one, so every round trip is measured in isolation.
func runClient(ctx context.Context, dialer websocket.Dialer, addr string, messages int, interval time.Duration, latencies chan<- latencySample) error {
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for j := 0; j < messages; j++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		size := payloadSizes[j%len(payloadSizes)]
		payload := strings.Repeat("x", size)

		start := time.Now()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return fmt.Errorf("write %d bytes: %w", size, err)
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read echo of %d bytes: %w", size, err)
		}
		if kind != websocket.TextMessage || string(data) != payload {
			return fmt.Errorf("echo mismatch for %d byte message: got %d bytes", size, len(data))
		}
		latencies <- latencySample{size: size, dur: time.Since(start)}
	}
	return nil
}

func report(samples <-chan latencySample, failed int, logger zerolog.Logger) {
	var durations []time.Duration
	var total time.Duration
	bySize := make(map[int]int)

	for s := range samples {
		durations = append(durations, s.dur)
		total += s.dur
		bySize[s.size]++
	}

	if len(durations) == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	avg := time.Duration(int64(math.Round(float64(total) / float64(len(durations)))))
	p50 := durations[len(durations)*50/100]
	p99 := durations[min(len(durations)*99/100, len(durations)-1)]

	fmt.Fprintf(os.Stdout, "Samples: %d\nFailed clients: %d\nAvg latency: %s\nP50: %s\nP99: %s\nMax: %s\n",
		len(durations), failed, avg, p50, p99, durations[len(durations)-1])
	for _, size := range payloadSizes {
		fmt.Fprintf(os.Stdout, "  %6d bytes: %d echoes\n", size, bySize[size])
	}
	if failed > 0 {
		logger.Warn().Int("failed", failed).Msg("some clients did not finish")
	}
}
