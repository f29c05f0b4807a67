package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Expirable is any store the sweeper can reclaim records from.
type Expirable interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically removes expired records so abandoned QR codes do not
// grow memory without bound. Removal is independent of polling activity.
type Sweeper struct {
	stores   []Expirable
	interval time.Duration
	logger   *slog.Logger
	swept    func(n int)

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper builds a sweeper over the given stores. The swept callback (may
// be nil) receives the number of removed records per pass, for metrics.
func NewSweeper(interval time.Duration, logger *slog.Logger, swept func(n int), stores ...Expirable) *Sweeper {
	return &Sweeper{
		stores:   stores,
		interval: interval,
		logger:   logger,
		swept:    swept,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit. Safe to call more
// than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) sweep(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total := 0
	for _, st := range s.stores {
		n, err := st.DeleteExpired(ctx, now)
		if err != nil {
			s.logger.Warn("expiry sweep failed", "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Debug("expiry sweep removed records", "count", total)
		if s.swept != nil {
			s.swept(total)
		}
	}
}
