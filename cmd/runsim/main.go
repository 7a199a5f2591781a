// Command runsim plays synthetic runs against a running score server. Each
// simulated player asks for a session, builds telemetry that passes the
// server's plausibility rules and submits it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/telemetry"
	"golang.org/x/time/rate"
)

var playerPrefixes = []string{
	"phoenix", "shadow", "thunder", "storm", "blaze", "ninja", "dragon", "wolf", "hawk", "viper",
	"ghost", "titan", "frost", "cyber", "nova", "raven", "omega", "alpha", "delta", "sigma",
}

func playerName(idx int) string {
	prefix := playerPrefixes[idx%len(playerPrefixes)]
	return fmt.Sprintf("%s_%d", prefix, idx/len(playerPrefixes)+1)
}

type stats struct {
	runs     atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %s reply: %w", path, err)
	}
	return resp.StatusCode, nil
}

func spread(n int, from, to int64, r *rand.Rand) []int64 {
	out := make([]int64, n)
	if n == 0 {
		return out
	}
	step := (to - from) / int64(n)
	for i := range out {
		jitter := int64(0)
		if step > 1 {
			jitter = r.Int64N(step / 2)
		}
		out[i] = from + int64(i)*step + jitter
	}
	return out
}

// buildRun produces telemetry that satisfies every server rule, with a pass
// count drawn up to the pass-rate ceiling
func buildRun(r *rand.Rand, skill float64) domain.Telemetry {
	durationMs := telemetry.MinDurationMs + r.Int64N(120_000)
	maxPasses := telemetry.MaxPasses(durationMs)
	passes := int64(float64(maxPasses) * skill * (0.5 + r.Float64()/2))

	nearMisses := int64(0)
	if passes > 0 {
		nearMisses = r.Int64N(passes/4 + 1)
	}
	directCoins := int64(0)
	if passes > 0 {
		directCoins = r.Int64N(passes/2 + 1)
	}
	flaps := passes*3 + 1 + r.Int64N(10)

	// Passes at the minimum spacing from zero always fit inside the run
	passEvents := make([]int64, passes)
	for i := range passEvents {
		passEvents[i] = int64(i) * telemetry.MinPassIntervalMs
	}
	start := int64(telemetry.WarmupMs)

	return domain.Telemetry{
		DurationMs:     durationMs,
		Score:          passes + nearMisses,
		Coins:          directCoins + nearMisses,
		NearMisses:     nearMisses,
		Flaps:          flaps,
		PassEvents:     passEvents,
		CoinEvents:     spread(int(directCoins), start, durationMs, r),
		NearMissEvents: spread(int(nearMisses), start, durationMs, r),
		FlapEvents:     spread(int(flaps), 0, durationMs, r),
	}
}

func playOnce(ctx context.Context, c *client, handle string, r *rand.Rand, skill float64, st *stats, logger *slog.Logger) {
	st.runs.Add(1)

	var sessionReply struct {
		Session json.RawMessage `json:"session"`
		Error   string          `json:"error"`
	}
	status, err := c.post(ctx, "/score/session", map[string]string{"handle": handle}, &sessionReply)
	if err != nil || status != http.StatusOK {
		st.failed.Add(1)
		logger.Warn("session request failed", "handle", handle, "status", status, "reason", sessionReply.Error, "error", err)
		return
	}

	run := buildRun(r, skill)
	if err := telemetry.Check(run); err != nil {
		st.failed.Add(1)
		logger.Error("generated implausible run", "error", err)
		return
	}

	var submitReply struct {
		Accepted  bool   `json:"accepted"`
		Rank      int64  `json:"rank"`
		BestScore int64  `json:"bestScore"`
		Reason    string `json:"reason"`
	}
	status, err = c.post(ctx, "/score/submit", map[string]any{
		"handle":    handle,
		"session":   sessionReply.Session,
		"telemetry": run,
	}, &submitReply)
	switch {
	case err != nil:
		st.failed.Add(1)
		logger.Warn("submit failed", "handle", handle, "error", err)
	case submitReply.Accepted:
		st.accepted.Add(1)
		logger.Debug("run accepted", "handle", handle, "score", run.Score, "rank", submitReply.Rank, "best", submitReply.BestScore)
	default:
		st.rejected.Add(1)
		logger.Info("run rejected", "handle", handle, "status", status, "reason", submitReply.Reason)
	}
}

func main() {
	// Command line flags
	baseURL := flag.String("url", "http://localhost:8080", "Score server base URL")
	totalPlayers := flag.Int("players", 50, "Number of distinct players")
	runsPerSecond := flag.Float64("rate", 5, "Runs per second across all players")
	workers := flag.Int("workers", 4, "Concurrent players")
	duration := flag.Duration("duration", 0, "Duration to run (0 = until interrupted)")
	verbose := flag.Bool("v", false, "Log every accepted run")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	c := &client{
		baseURL: strings.TrimRight(*baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	limiter := rate.NewLimiter(rate.Limit(*runsPerSecond), 1)

	logger.Info("starting run simulator",
		"url", c.baseURL,
		"players", *totalPlayers,
		"rate", *runsPerSecond,
		"workers", *workers,
	)

	var st stats
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				idx := r.IntN(*totalPlayers)
				// Lower indexes play better so the top of the board moves
				skill := 1 - float64(idx)/float64(*totalPlayers+1)
				playOnce(ctx, c, playerName(idx), r, skill, &st, logger)
			}
		}(uint64(w))
	}

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			logger.Info("simulator stopped",
				"runs", st.runs.Load(),
				"accepted", st.accepted.Load(),
				"rejected", st.rejected.Load(),
				"failed", st.failed.Load(),
			)
			return
		case <-statsTicker.C:
			logger.Info("progress",
				"runs", st.runs.Load(),
				"accepted", st.accepted.Load(),
				"rejected", st.rejected.Load(),
				"failed", st.failed.Load(),
			)
		}
	}
}
