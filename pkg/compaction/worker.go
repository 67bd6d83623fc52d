package compaction

import (
	"sync"
	"time"

	"github.com/ddhadho/cityhall/pkg/logging"
)

// DefaultInterval is how often the background worker polls for a tier
// that has reached the compaction threshold.
const DefaultInterval = 30 * time.Second

// Worker runs a Compactor on a ticker until stopped.
type Worker struct {
	compactor *Compactor
	interval  time.Duration
	logger    logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker wraps a Compactor with a background polling loop. interval
// of zero uses DefaultInterval.
func NewWorker(c *Compactor, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		compactor: c,
		interval:  interval,
		logger:    c.logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling loop in a background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the loop to exit and waits for it to finish the
// compaction it may currently be running.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drainAllTiers()
		}
	}
}

// drainAllTiers keeps compacting until no tier meets the threshold,
// so a tick that finds two ready tiers doesn't wait a full interval to
// start the second.
func (w *Worker) drainAllTiers() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		ran, err := w.compactor.RunOnce()
		if err != nil {
			w.logger.Error("compaction worker: run failed", logging.Error(err))
			return
		}
		if !ran {
			return
		}
	}
}
