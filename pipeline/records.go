package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/crawl"
	"github.com/lcpredict/lcpredict/emit"
	"github.com/lcpredict/lcpredict/store"
)

// toRecords maps ranking rows to store records. On the US side the
// username column is unreliable; the slug is the stable identifier and is
// promoted into the username field.
func toRecords(slug string, region store.DataRegion, entries []crawl.RankingEntry, p *Pipeline) []store.ContestRecord {
	now := p.now()
	records := make([]store.ContestRecord, 0, len(entries))
	for _, e := range entries {
		username := e.Username
		if region == store.RegionUS && e.UserSlug != "" {
			username = e.UserSlug
		}
		records = append(records, store.ContestRecord{
			ContestSlug: slug,
			ContestID:   e.ContestID,
			Username:    username,
			UserSlug:    e.UserSlug,
			DataRegion:  store.DataRegion(e.DataRegion),
			Rank:        e.Rank,
			Score:       e.Score,
			FinishTime:  time.Unix(e.FinishTime, 0).UTC(),
			InsertTime:  now,
			UpdateTime:  now,
		})
	}
	return records
}

// SavePredictRecords crawls the ranking from one region and replaces the
// contest's predict records wholesale, then refreshes stale participant
// profiles and copies rating and attended count onto each scoring record.
func (p *Pipeline) SavePredictRecords(ctx context.Context, slug string, region store.DataRegion) error {
	entries, _, err := p.client.ContestRankings(ctx, slug, region)
	if err != nil {
		return fmt.Errorf("pipeline: crawl ranking for %s/%s: %w", slug, region, err)
	}

	records := toRecords(slug, region, entries, p)
	dropped, err := p.gw.ReplacePredictRecords(ctx, slug, records)
	if err != nil {
		return fmt.Errorf("pipeline: replace predict records for %s: %w", slug, err)
	}
	if dropped > 0 {
		recordsDropped.Add(float64(dropped))
		p.log.Warn("dropped duplicate ranking rows",
			zap.String("contest", slug), zap.Int("dropped", dropped))
	}

	if err := p.refreshStalePredictUsers(ctx, slug); err != nil {
		return err
	}
	return p.fillPredictRecords(ctx, slug)
}

// fillPredictRecords copies rating and attended count from the User
// collection onto every scoring predict record.
func (p *Pipeline) fillPredictRecords(ctx context.Context, slug string) error {
	scorers, err := p.gw.PredictScorers(ctx, slug)
	if err != nil {
		return fmt.Errorf("pipeline: list scorers for %s: %w", slug, err)
	}
	for _, rec := range scorers {
		key := store.UserKey{Username: rec.Username, DataRegion: rec.DataRegion}
		user, err := p.gw.GetUser(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("pipeline: load user %s/%s: %w", key.DataRegion, key.Username, err)
		}
		if err := p.gw.FillPredictRecordUser(ctx, slug, key, user.Rating, user.AttendedContestsCount); err != nil {
			return fmt.Errorf("pipeline: fill record for %s/%s: %w", key.DataRegion, key.Username, err)
		}
	}
	return nil
}

// Predict computes rating deltas for every scoring participant and persists
// them. Biweekly contests additionally write the new ratings back into the
// User collection right away; weekly users are updated lazily by the next
// crawler refresh.
func (p *Pipeline) Predict(ctx context.Context, slug string) error {
	scorers, err := p.gw.PredictScorers(ctx, slug)
	if err != nil {
		return fmt.Errorf("pipeline: list scorers for %s: %w", slug, err)
	}
	if len(scorers) == 0 {
		p.log.Warn("no scoring records to predict", zap.String("contest", slug))
		return nil
	}

	ranks := make([]int, len(scorers))
	oldRatings := make([]float64, len(scorers))
	ks := make([]int, len(scorers))
	for i, rec := range scorers {
		ranks[i] = rec.Rank
		oldRatings[i] = rec.OldRating
		ks[i] = rec.AttendedContestsCount
	}

	deltas, err := p.engine.Deltas(ranks, oldRatings, ks)
	if err != nil {
		return fmt.Errorf("pipeline: compute deltas for %s: %w", slug, err)
	}

	predictTime := p.now()
	results := make([]store.PredictResult, len(scorers))
	for i, rec := range scorers {
		results[i] = store.PredictResult{
			Key:         store.UserKey{Username: rec.Username, DataRegion: rec.DataRegion},
			OldRating:   rec.OldRating,
			NewRating:   rec.OldRating + deltas[i],
			DeltaRating: deltas[i],
		}
	}
	if err := p.gw.SavePredictResults(ctx, slug, results, predictTime); err != nil {
		return fmt.Errorf("pipeline: save predict results for %s: %w", slug, err)
	}
	p.emit.Emit(emit.Event{Contest: slug, Stage: "predict", Msg: "saved deltas",
		Meta: map[string]interface{}{"participants": len(results)}})

	if isBiweekly(slug) {
		if err := p.writeBackUserRatings(ctx, scorers, results); err != nil {
			return err
		}
	}

	if err := p.gw.SetContestPredictTime(ctx, slug, p.now()); err != nil {
		return fmt.Errorf("pipeline: stamp predict_time for %s: %w", slug, err)
	}
	return nil
}

// writeBackUserRatings applies predicted results to the User collection
// immediately, bumping each participant's attended count by one.
func (p *Pipeline) writeBackUserRatings(ctx context.Context, scorers []store.ContestRecord, results []store.PredictResult) error {
	now := p.now()
	for i, rec := range scorers {
		u := store.User{
			Username:              rec.Username,
			UserSlug:              rec.UserSlug,
			DataRegion:            rec.DataRegion,
			AttendedContestsCount: rec.AttendedContestsCount + 1,
			Rating:                results[i].NewRating,
			UpdateTime:            now,
		}
		if err := p.gw.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("pipeline: write back rating for %s/%s: %w", rec.DataRegion, rec.Username, err)
		}
	}
	p.log.Info("wrote predicted ratings back to users", zap.Int("count", len(scorers)))
	return nil
}

// SaveArchiveRecords crawls the ranking and upserts it into the archive,
// tombstoning rows that vanished upstream, then rebuilds the submission
// data, question stats and real-time ranks. When saveUsers is set the
// participants' profiles are refreshed too (skipped inside the prediction
// pipeline, which just refreshed them).
func (p *Pipeline) SaveArchiveRecords(ctx context.Context, slug string, region store.DataRegion, saveUsers bool) error {
	passStart := p.now()

	entries, submissions, err := p.client.ContestRankings(ctx, slug, region)
	if err != nil {
		return fmt.Errorf("pipeline: crawl ranking for %s/%s: %w", slug, region, err)
	}

	records := toRecords(slug, region, entries, p)
	if err := p.gw.UpsertArchiveRecords(ctx, records); err != nil {
		return fmt.Errorf("pipeline: upsert archive records for %s: %w", slug, err)
	}

	removed, err := p.gw.DeleteObsoleteArchiveRecords(ctx, slug, passStart)
	if err != nil {
		return fmt.Errorf("pipeline: tombstone archive records for %s: %w", slug, err)
	}
	if removed > 0 {
		p.log.Info("tombstoned vanished participants",
			zap.String("contest", slug), zap.Int("removed", removed))
	}

	if saveUsers {
		if err := p.refreshArchiveUsers(ctx, slug); err != nil {
			return err
		}
	}

	return p.saveSubmissions(ctx, slug, records, submissions)
}
