package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/metrics"
)

const sweepBatchSize = 100

// RunSweeper runs Sweep every interval until ctx is done. Retrieval checks
// expiry on its own, so the sweeper only reclaims storage.
func (s *TransferService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass. Images are deleted as soon as their transfer
// expires. Records stay for the retention period so their codes keep
// answering as expired, then they are deleted too. It returns how many
// records it removed.
func (s *TransferService) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	images, err := s.sweepImages(ctx, now)
	if images > 0 {
		slog.Info("expired images deleted", "count", images)
	}
	if err != nil {
		return 0, err
	}

	removed, err := s.sweepRecords(ctx, now.Add(-s.retention))
	if removed > 0 {
		metrics.TransfersSwept.Add(float64(removed))
		slog.Info("expired transfers swept", "count", removed)
	}
	return removed, err
}

func (s *TransferService) sweepImages(ctx context.Context, now time.Time) (int, error) {
	return sweepBatches(func() ([]domain.Transfer, error) {
		return s.repo.ListExpiredObjects(ctx, now, sweepBatchSize)
	}, func(t domain.Transfer) (bool, error) {
		if err := s.blobs.Delete(ctx, t.ObjectKey); err != nil {
			// keep the reference so the next pass retries the delete
			slog.Warn("failed to delete expired image", "code", t.Code, "key", t.ObjectKey, "error", err)
			return false, nil
		}
		return true, s.repo.ClearObject(ctx, t.Code, t.ObjectKey)
	})
}

func (s *TransferService) sweepRecords(ctx context.Context, before time.Time) (int, error) {
	return sweepBatches(func() ([]domain.Transfer, error) {
		return s.repo.ListExpired(ctx, before, sweepBatchSize)
	}, func(t domain.Transfer) (bool, error) {
		if t.ObjectKey != "" {
			if err := s.blobs.Delete(ctx, t.ObjectKey); err != nil {
				slog.Warn("failed to delete expired image", "code", t.Code, "key", t.ObjectKey, "error", err)
				return false, nil
			}
		}
		return true, s.repo.Delete(ctx, t.Code)
	})
}

// sweepBatches applies fn to each listed transfer until a batch makes no
// progress or comes back short.
func sweepBatches(list func() ([]domain.Transfer, error), fn func(domain.Transfer) (bool, error)) (int, error) {
	done := 0
	for {
		batch, err := list()
		if err != nil {
			return done, err
		}

		n := 0
		for _, t := range batch {
			ok, err := fn(t)
			if err != nil {
				return done + n, err
			}
			if ok {
				n++
			}
		}
		done += n

		if n == 0 || len(batch) < sweepBatchSize {
			return done, nil
		}
	}
}
