package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/llm"
	"github.com/stellarlinkco/prospector/internal/ranking"
)

// BatchResult collects the outcome of scoring several accounts.
type BatchResult struct {
	Scored map[string]account.DriveScore `json:"scored"`
	Failed map[string]string             `json:"failed"`
}

// ScoreAll scores ids with at most Concurrency model calls in flight. A
// failing account is recorded and the rest continue; a missing API key or a
// canceled ctx stops the batch and is returned.
func (s *Service) ScoreAll(ctx context.Context, ids []string) (BatchResult, error) {
	res := BatchResult{
		Scored: make(map[string]account.DriveScore, len(ids)),
		Failed: make(map[string]string),
	}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			score, err := s.ScoreAccount(gCtx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err.Error()
				if errors.Is(err, llm.ErrMissingAPIKey) {
					return err
				}
				s.logger.Warn("batch scoring failed", zap.String("company", id), zap.Error(err))
				return nil
			}
			res.Scored[id] = score
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("batch scoring finished",
		zap.Int("requested", len(ids)),
		zap.Int("scored", len(res.Scored)),
		zap.Int("failed", len(res.Failed)))
	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

// Prefetch scores the day's priority accounts that only have an estimate.
func (s *Service) Prefetch(ctx context.Context, date time.Time) (BatchResult, error) {
	list, err := s.Worklist(ctx, date, ranking.Filters{})
	if err != nil {
		return BatchResult{}, err
	}
	var ids []string
	for _, item := range list.Priority {
		if item.Estimated {
			ids = append(ids, item.Company.ID)
		}
	}
	if len(ids) == 0 {
		return BatchResult{Scored: map[string]account.DriveScore{}, Failed: map[string]string{}}, nil
	}
	return s.ScoreAll(ctx, ids)
}
