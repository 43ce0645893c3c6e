package multisig

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// ExpiryWorkerConfig configures the expiry worker.
type ExpiryWorkerConfig struct {
	PollInterval time.Duration // How often to look for overdue transactions
}

// DefaultExpiryWorkerConfig returns the default configuration.
func DefaultExpiryWorkerConfig() ExpiryWorkerConfig {
	return ExpiryWorkerConfig{
		PollInterval: 30 * time.Second,
	}
}

// ExpiryWorker periodically expires transactions past their deadline.
type ExpiryWorker struct {
	coordinator *Coordinator
	config      ExpiryWorkerConfig
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExpiryWorker creates a new expiry worker.
func NewExpiryWorker(c *Coordinator, cfg ExpiryWorkerConfig) *ExpiryWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultExpiryWorkerConfig().PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ExpiryWorker{
		coordinator: c,
		config:      cfg,
		log:         logging.GetDefault().Component("expiry-worker"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the expiry worker background goroutine.
func (w *ExpiryWorker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("Expiry worker started", "poll_interval", w.config.PollInterval)
}

// Stop stops the expiry worker and waits for the loop to exit.
func (w *ExpiryWorker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.log.Info("Expiry worker stopped")
}

// run is the main loop of the expiry worker.
func (w *ExpiryWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Catch up on startup
	w.expire()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.expire()
		}
	}
}

func (w *ExpiryWorker) expire() {
	if _, err := w.coordinator.ExpireDue(w.coordinator.now()); err != nil {
		w.log.Warn("Failed to expire multisig transactions", "error", err)
	}
}
