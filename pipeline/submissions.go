package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/crawl"
	"github.com/lcpredict/lcpredict/store"
)

// saveSubmissions rebuilds the contest's submission rows from the crawled
// ranking pages, then recomputes the per-question accept counts and the
// per-participant real-time ranks over the grid.
//
// records and cells are parallel: cells[i] holds the accepted submissions of
// records[i], keyed by question id.
func (p *Pipeline) saveSubmissions(ctx context.Context, slug string, records []store.ContestRecord, cells []map[string]crawl.SubmissionCell) error {
	passStart := p.now()

	questions, err := p.SaveQuestions(ctx, slug)
	if err != nil {
		return err
	}
	creditByID := make(map[int]int, len(questions))
	for _, q := range questions {
		creditByID[q.QuestionID] = q.Credit
	}

	var subs []store.Submission
	for i, rec := range records {
		if i >= len(cells) {
			break
		}
		for _, cell := range cells[i] {
			subs = append(subs, store.Submission{
				ContestSlug:  slug,
				Username:     rec.Username,
				DataRegion:   rec.DataRegion,
				QuestionID:   cell.QuestionID,
				Date:         time.Unix(cell.Date, 0).UTC(),
				FailCount:    cell.FailCount,
				Credit:       creditByID[cell.QuestionID],
				SubmissionID: cell.SubmissionID,
				Status:       cell.Status,
				ContestID:    cell.ContestID,
				Lang:         cell.Lang,
				UpdateTime:   passStart,
			})
		}
	}
	if err := p.gw.UpsertSubmissions(ctx, subs); err != nil {
		return fmt.Errorf("pipeline: upsert submissions for %s: %w", slug, err)
	}
	removed, err := p.gw.DeleteObsoleteSubmissions(ctx, slug, passStart)
	if err != nil {
		return fmt.Errorf("pipeline: tombstone submissions for %s: %w", slug, err)
	}
	if removed > 0 {
		p.log.Info("tombstoned vanished submissions",
			zap.String("contest", slug), zap.Int("removed", removed))
	}

	if err := p.SaveQuestionRealTimeCounts(ctx, slug, questions); err != nil {
		return err
	}
	return p.SaveRealTimeRanks(ctx, slug)
}

// SaveQuestions fetches the contest's question list, numbers the questions
// by position and upserts them, tombstoning stale rows. Returns the saved
// set.
func (p *Pipeline) SaveQuestions(ctx context.Context, slug string) ([]store.Question, error) {
	passStart := p.now()

	infos, err := p.client.QuestionList(ctx, slug, store.RegionCN)
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch questions for %s: %w", slug, err)
	}

	questions := make([]store.Question, len(infos))
	for i, info := range infos {
		questions[i] = store.Question{
			QuestionID:  info.QuestionID,
			ContestSlug: slug,
			Title:       info.Title,
			TitleSlug:   info.TitleSlug,
			Credit:      info.Credit,
			QI:          i + 1,
			UpdateTime:  passStart,
		}
	}
	if err := p.gw.UpsertQuestions(ctx, questions); err != nil {
		return nil, fmt.Errorf("pipeline: upsert questions for %s: %w", slug, err)
	}
	if _, err := p.gw.DeleteObsoleteQuestions(ctx, slug, passStart); err != nil {
		return nil, fmt.Errorf("pipeline: tombstone questions for %s: %w", slug, err)
	}
	return questions, nil
}

// gridInstants returns the real-time sample points: contest start plus one
// step, stepping up to start plus the rank window.
func (p *Pipeline) gridInstants(slug string) ([]time.Time, error) {
	start, err := p.inferStart(slug)
	if err != nil {
		return nil, fmt.Errorf("pipeline: infer start of %s: %w", slug, err)
	}
	var instants []time.Time
	for at := start.Add(p.gridStep); !at.After(start.Add(rankWindow)); at = at.Add(p.gridStep) {
		instants = append(instants, at)
	}
	return instants, nil
}

// SaveQuestionRealTimeCounts computes, for each question, the accepted
// submission count at every grid instant.
func (p *Pipeline) SaveQuestionRealTimeCounts(ctx context.Context, slug string, questions []store.Question) error {
	instants, err := p.gridInstants(slug)
	if err != nil {
		return err
	}
	for _, q := range questions {
		counts := make([]int, len(instants))
		for i, at := range instants {
			n, err := p.gw.CountSubmissionsAt(ctx, slug, q.QuestionID, at)
			if err != nil {
				return fmt.Errorf("pipeline: count submissions for %s q%d: %w", slug, q.QuestionID, err)
			}
			counts[i] = n
		}
		if err := p.gw.SetQuestionRealTimeCount(ctx, slug, q.QuestionID, counts); err != nil {
			return fmt.Errorf("pipeline: save question counts for %s q%d: %w", slug, q.QuestionID, err)
		}
	}
	return nil
}

// SaveRealTimeRanks reconstructs every scoring participant's standing at
// each grid instant. A participant without submissions at an instant gets
// the sentinel rank one past the last ranked participant, so every vector
// has one entry per instant.
func (p *Pipeline) SaveRealTimeRanks(ctx context.Context, slug string) error {
	instants, err := p.gridInstants(slug)
	if err != nil {
		return err
	}
	scorers, err := p.gw.ArchiveScorers(ctx, slug)
	if err != nil {
		return fmt.Errorf("pipeline: list archive scorers for %s: %w", slug, err)
	}
	if len(scorers) == 0 {
		return nil
	}

	vectors := make(map[store.UserKey][]int, len(scorers))
	for _, key := range scorers {
		vectors[key] = make([]int, 0, len(instants))
	}

	for _, at := range instants {
		ranks, ranked, err := p.gw.RankAtInstant(ctx, slug, at)
		if err != nil {
			return fmt.Errorf("pipeline: rank at %s for %s: %w", at.Format(time.RFC3339), slug, err)
		}
		sentinel := ranked + 1
		for _, key := range scorers {
			rank, ok := ranks[key]
			if !ok {
				rank = sentinel
			}
			vectors[key] = append(vectors[key], rank)
		}
	}

	for _, key := range scorers {
		if err := p.gw.SetRealTimeRank(ctx, slug, key, vectors[key]); err != nil {
			return fmt.Errorf("pipeline: save rank vector for %s/%s: %w", key.DataRegion, key.Username, err)
		}
	}
	p.log.Info("saved real-time ranks",
		zap.String("contest", slug), zap.Int("users", len(scorers)), zap.Int("steps", len(instants)))
	return nil
}
