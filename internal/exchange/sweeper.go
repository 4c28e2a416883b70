package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically expires stale pending proximity requests. The sweep is
// a single conditional UPDATE, so overlapping runs across replicas are safe;
// the ticker here only bounds how stale a pending row can look.
type Sweeper struct {
	service  *ProximityService
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSweeper starts a background goroutine sweeping at the given interval.
func NewSweeper(service *ProximityService, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.service.ExpireStale(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Error("proximity sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.Info("expired stale proximity requests", "count", expired)
			}
		}
	}
}

// Shutdown stops the sweeper and waits for the in-flight sweep to finish.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.once.Do(s.cancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
