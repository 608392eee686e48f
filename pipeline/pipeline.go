// Package pipeline orchestrates the crawl, predict and archive passes for a
// contest.
//
// Every write it performs is idempotent (wholesale replace, upsert by
// natural key, or tombstone by timestamp), so a failed run can simply be
// re-armed by the dispatcher and will converge.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/crawl"
	"github.com/lcpredict/lcpredict/emit"
	"github.com/lcpredict/lcpredict/rating"
	"github.com/lcpredict/lcpredict/store"
)

const (
	// readinessInterval and readinessAttempts bound the CN data poll.
	readinessInterval = time.Minute
	readinessAttempts = 300

	// staleUserWindow is how old a User document may be before the predict
	// pass refreshes it from upstream.
	staleUserWindow = 36 * time.Hour

	// rankWindow and rankStep define the real-time grid: one rank per step
	// from contest start to start+rankWindow.
	rankWindow = 90 * time.Minute
	rankStep   = time.Minute
)

// Crawler is the slice of the crawl client the pipeline consumes.
type Crawler interface {
	ContestRankings(ctx context.Context, slug string, region store.DataRegion) ([]crawl.RankingEntry, []map[string]crawl.SubmissionCell, error)
	ContestUserNum(ctx context.Context, slug string, region store.DataRegion) (int, error)
	RecentContests(ctx context.Context) ([]crawl.ContestInfo, error)
	NextTwoContests(ctx context.Context) ([]crawl.ContestInfo, error)
	AllPastContests(ctx context.Context) ([]crawl.ContestInfo, error)
	QuestionList(ctx context.Context, slug string, region store.DataRegion) ([]crawl.QuestionInfo, error)
	UserRating(ctx context.Context, region store.DataRegion, username string) (*float64, *int, error)
}

// Pipeline wires the crawler, the store gateway and a rating engine.
type Pipeline struct {
	gw     store.Gateway
	client Crawler
	engine rating.Engine
	log    *zap.Logger
	emit   emit.Emitter

	// inferStart maps a contest slug to its start instant.
	inferStart func(slug string) (time.Time, error)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	gridStep time.Duration
}

// New builds a Pipeline. inferStart is typically the dispatcher's
// ContestStartTime.
func New(gw store.Gateway, client Crawler, engine rating.Engine,
	inferStart func(string) (time.Time, error), log *zap.Logger, emitter emit.Emitter) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Pipeline{
		gw:         gw,
		client:     client,
		engine:     engine,
		log:        log,
		emit:       emitter,
		inferStart: inferStart,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
		gridStep:   rankStep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stage wraps a pipeline step with entry/exit logging and error context.
// The error is returned, not swallowed; failed jobs are re-run by the next
// trigger.
func (p *Pipeline) stage(slug, name string, fn func() error) error {
	log := p.log.With(zap.String("contest", slug), zap.String("stage", name))
	log.Info("stage starting")
	start := time.Now()
	if err := fn(); err != nil {
		stageFailures.WithLabelValues(name).Inc()
		log.Error("stage failed", zap.Error(err))
		return err
	}
	stageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	log.Info("stage finished", zap.Duration("took", time.Since(start)))
	return nil
}

// stageSilenced is the swallowing form of stage, used only where one bad
// entry must not abort a batch.
func (p *Pipeline) stageSilenced(slug, name string, fn func() error) {
	if err := fn(); err != nil {
		p.log.Warn("stage error silenced",
			zap.String("contest", slug), zap.String("stage", name), zap.Error(err))
	}
}

// RunPipeline executes the full prediction workflow for one contest:
// readiness poll, contest refresh, predict pass, rating computation, and
// archive pass.
func (p *Pipeline) RunPipeline(ctx context.Context, slug string) error {
	pipelineRuns.Inc()
	p.emit.Emit(emit.Event{Contest: slug, Stage: "pipeline", Msg: "starting"})

	if err := p.waitForCNData(ctx, slug); err != nil {
		// Best effort: stale or partial data is corrected by the next run.
		p.log.Error("proceeding on incomplete data",
			zap.String("contest", slug), zap.Error(err))
	}

	if err := p.stage(slug, "refresh-contests", func() error {
		return p.RefreshContests(ctx)
	}); err != nil {
		return err
	}
	if err := p.stage(slug, "predict-records", func() error {
		return p.SavePredictRecords(ctx, slug, store.RegionCN)
	}); err != nil {
		return err
	}
	if err := p.stage(slug, "predict", func() error {
		return p.Predict(ctx, slug)
	}); err != nil {
		return err
	}
	if err := p.stage(slug, "archive", func() error {
		return p.SaveArchiveRecords(ctx, slug, store.RegionCN, false)
	}); err != nil {
		return err
	}

	p.emit.Emit(emit.Event{Contest: slug, Stage: "pipeline", Msg: "finished"})
	return nil
}

// PreCache runs the cut-down predict-record save for both regions,
// spreading the crawl load across the contest window.
func (p *Pipeline) PreCache(ctx context.Context, slug string) error {
	if err := p.stage(slug, "pre-cache-cn", func() error {
		return p.SavePredictRecords(ctx, slug, store.RegionCN)
	}); err != nil {
		return err
	}
	return p.stage(slug, "pre-cache-us", func() error {
		return p.SavePredictRecords(ctx, slug, store.RegionUS)
	})
}

// waitForCNData polls the CN ranking endpoint until its participant count is
// nonzero and stops growing between two consecutive polls, or the attempt
// budget runs out.
func (p *Pipeline) waitForCNData(ctx context.Context, slug string) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(readinessInterval), readinessAttempts)

	prev := -1
	attempt := 0
	for {
		attempt++
		n, err := p.client.ContestUserNum(ctx, slug, store.RegionCN)
		if err != nil {
			p.log.Warn("readiness probe failed",
				zap.String("contest", slug), zap.Int("attempt", attempt), zap.Error(err))
		} else if n > 0 && n == prev {
			return nil
		} else {
			p.log.Info("waiting for ranking data",
				zap.String("contest", slug), zap.Int("user_num", n), zap.Int("attempt", attempt))
			prev = n
		}

		next := policy.NextBackOff()
		if next == backoff.Stop {
			return fmt.Errorf("pipeline: ranking data incomplete after %d attempts", attempt)
		}
		if err := p.sleep(ctx, next); err != nil {
			return err
		}
	}
}

// isBiweekly reports whether a slug names a biweekly contest.
func isBiweekly(slug string) bool {
	return strings.HasPrefix(strings.ToLower(slug), "bi")
}
