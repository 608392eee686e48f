package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/crawl"
	"github.com/lcpredict/lcpredict/store"
)

func (p *Pipeline) upsertContestInfos(ctx context.Context, infos []crawl.ContestInfo) error {
	now := p.now()
	for _, info := range infos {
		if info.TitleSlug == "" {
			continue
		}
		start := time.Unix(info.StartTime, 0).UTC()
		end := start.Add(time.Duration(info.Duration) * time.Second)
		c := store.Contest{
			Slug:       info.TitleSlug,
			Title:      info.Title,
			StartTime:  start,
			Duration:   info.Duration,
			EndTime:    end,
			Past:       end.Before(now),
			UpdateTime: now,
		}
		if err := p.gw.UpsertContest(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// RefreshContests updates the contest collection from the most recent past
// page plus the two upcoming contests.
func (p *Pipeline) RefreshContests(ctx context.Context) error {
	recent, err := p.client.RecentContests(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: fetch recent contests: %w", err)
	}
	if err := p.upsertContestInfos(ctx, recent); err != nil {
		return fmt.Errorf("pipeline: save recent contests: %w", err)
	}

	upcoming, err := p.client.NextTwoContests(ctx)
	if err != nil {
		// The Next.js blob shifts layout now and then; the recent page
		// already covers running contests.
		p.log.Warn("upcoming contests unavailable", zap.Error(err))
		return nil
	}
	if err := p.upsertContestInfos(ctx, upcoming); err != nil {
		return fmt.Errorf("pipeline: save upcoming contests: %w", err)
	}
	return nil
}

// BackfillContests loads the complete historical contest list. Used on
// first deployment against an empty store.
func (p *Pipeline) BackfillContests(ctx context.Context) error {
	all, err := p.client.AllPastContests(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: fetch all past contests: %w", err)
	}
	p.log.Info("backfilling contests", zap.Int("count", len(all)))
	if err := p.upsertContestInfos(ctx, all); err != nil {
		return fmt.Errorf("pipeline: backfill contests: %w", err)
	}
	return nil
}

// ArchiveLastTwo re-archives the most recent weekly and biweekly contests,
// keeping their final standings current between predictions.
func (p *Pipeline) ArchiveLastTwo(ctx context.Context, weeklySlug, biweeklySlug string) error {
	if err := p.stage(biweeklySlug, "archive-last-biweekly", func() error {
		return p.SaveArchiveRecords(ctx, biweeklySlug, store.RegionCN, true)
	}); err != nil {
		return err
	}
	return p.stage(weeklySlug, "archive-last-weekly", func() error {
		return p.SaveArchiveRecords(ctx, weeklySlug, store.RegionCN, true)
	})
}
