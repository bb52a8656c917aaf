// Command webpoller is a minimal runnable harness around the scenario
// execution engine: it loads a YAML fixture of tests, wires an identity
// macro resolver and an in-memory+Prometheus-mirrored sink, and runs N
// independent PollerWorkers until interrupted. It exists to demonstrate
// the engine end-to-end; a real deployment wires the same components
// against its own SQL-backed store and macro service (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webpoller/engine/internal/configstore"
	"github.com/webpoller/engine/internal/macro"
	"github.com/webpoller/engine/internal/metrics"
	"github.com/webpoller/engine/internal/runner"
	"github.com/webpoller/engine/internal/scheduler"
	"github.com/webpoller/engine/internal/sink"
	"github.com/webpoller/engine/pkg/models"
)

func main() {
	var (
		fixturePath string
		workers     int
		listenAddr  string
	)
	flag.StringVar(&fixturePath, "fixture", "", "Path to a YAML fixture of tests")
	flag.StringVar(&fixturePath, "f", "", "Path to a YAML fixture of tests (shorthand)")
	flag.IntVar(&workers, "workers", 1, "Number of independent poller workers")
	flag.StringVar(&listenAddr, "listen", ":9109", "Address to serve Prometheus metrics on")
	flag.Parse()

	if fixturePath == "" {
		fmt.Println("webpoller: -fixture is required")
		os.Exit(1)
	}

	store, err := configstore.LoadYAML(fixturePath)
	if err != nil {
		fmt.Printf("failed to load fixture: %v\n", err)
		os.Exit(1)
	}

	tests, err := store.Tests()
	if err != nil {
		fmt.Printf("failed to read tests: %v\n", err)
		os.Exit(1)
	}
	if len(tests) == 0 {
		fmt.Println("webpoller: fixture has no tests")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.Register(registry)
	memSink := sink.NewMemory()
	emitter := metrics.NewEmitter(memSink, collectors)

	r := runner.New(macro.Identity{}, allEligible{}, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received interrupt, shutting down gracefully")
		cancel()
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server exited", "error", err)
		}
	}()

	queue := newRoundRobinQueue(tests)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		w := scheduler.NewPollerWorker(queue, r)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// allEligible treats every item binding as eligible with no bindings at
// all — the demonstration harness has no item cache to consult (§6 item
// cache is out of scope), so it simply never emits item values, relying
// instead on the Prometheus self-observability surface to show activity.
type allEligible struct{}

func (allEligible) Bindings(int64) []models.ItemBinding { return nil }
func (allEligible) Eligible(int64) bool                 { return true }

// roundRobinQueue is the demonstration harness's in-memory scheduler.Queue:
// it cycles through the fixture's tests, each becoming due again after
// its own delay has elapsed.
type roundRobinQueue struct {
	mu    sync.Mutex
	tests []models.HttpTest
	due   []time.Time
	next  int
}

func newRoundRobinQueue(tests []models.HttpTest) *roundRobinQueue {
	now := time.Now()
	due := make([]time.Time, len(tests))
	for i := range due {
		due[i] = now
	}
	return &roundRobinQueue{tests: tests, due: due}
}

func (q *roundRobinQueue) NextDue(ctx context.Context) (models.HttpTest, error) {
	for {
		q.mu.Lock()
		n := len(q.tests)
		for i := 0; i < n; i++ {
			idx := (q.next + i) % n
			if !q.due[idx].After(time.Now()) {
				q.next = (idx + 1) % n
				test := q.tests[idx]
				q.mu.Unlock()
				return test, nil
			}
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.HttpTest{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (q *roundRobinQueue) Requeue(test models.HttpTest, interval time.Duration, when time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tests {
		if t.ID == test.ID {
			q.due[i] = when.Add(interval)
			return
		}
	}
}
