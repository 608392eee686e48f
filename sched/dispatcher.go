// Package sched decides, minute by minute, which pipeline work to arm.
//
// The dispatcher has no knowledge of how jobs run; it plans them from the
// UTC wall clock and the two contest reference anchors, then hands them to a
// Runner on a timer.
package sched

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/config"
)

// Job names armed by the dispatcher.
const (
	JobPreCache        = "pre-cache"
	JobPipeline        = "pipeline"
	JobRefreshContests = "refresh-contests"
	JobUpdateLastTwo   = "update-last-two"
)

// Delays relative to contest start (the trigger fires at start time).
const (
	preCacheFirstDelay  = 25 * time.Minute
	preCacheSecondDelay = 70 * time.Minute
	pipelineDelay       = 95 * time.Minute

	refreshDelay       = 1 * time.Minute
	updateLastTwoDelay = 10 * time.Minute
)

const secondsPerWeek = 7 * 86400

// Runner executes the work the dispatcher arms.
type Runner interface {
	// RefreshContests refreshes the contest list (recent page plus the two
	// upcoming contests).
	RefreshContests(ctx context.Context) error
	// ArchiveLastTwo re-archives the most recent weekly and biweekly
	// contests.
	ArchiveLastTwo(ctx context.Context, weeklySlug, biweeklySlug string) error
	// PreCache runs the cut-down predict-record save for both regions.
	PreCache(ctx context.Context, slug string) error
	// RunPipeline runs the full prediction pipeline for the contest.
	RunPipeline(ctx context.Context, slug string) error
}

// Job is one planned unit of work.
type Job struct {
	ID    string
	Name  string
	Slug  string // empty for contest-independent jobs
	Delay time.Duration
}

// Dispatcher plans and arms jobs on a one-minute UTC tick.
type Dispatcher struct {
	runner      Runner
	weeklyRef   config.ContestRef
	biweeklyRef config.ContestRef
	log         *zap.Logger

	now      func() time.Time
	schedule func(d time.Duration, fn func())
}

// New builds a Dispatcher around the runner and the configured contest
// anchors.
func New(runner Runner, contests config.Contests, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		runner:      runner,
		weeklyRef:   contests.WeeklyRef,
		biweeklyRef: contests.BiweeklyRef,
		log:         log,
		now:         time.Now,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// WeeksSince returns the number of whole weeks from ref to now, flooring
// toward negative infinity.
func WeeksSince(ref, now time.Time) int {
	secs := int64(now.Sub(ref) / time.Second)
	weeks := secs / secondsPerWeek
	if secs%secondsPerWeek != 0 && secs < 0 {
		weeks--
	}
	return int(weeks)
}

// WeeklySlug returns the slug of the weekly contest starting in the week of
// now.
func (d *Dispatcher) WeeklySlug(now time.Time) string {
	return fmt.Sprintf("weekly-contest-%d", d.weeklyRef.Number+WeeksSince(d.weeklyRef.Start, now))
}

// BiweeklySlug returns the slug of the most recent biweekly contest as of
// now.
func (d *Dispatcher) BiweeklySlug(now time.Time) string {
	return fmt.Sprintf("biweekly-contest-%d", d.biweeklyRef.Number+WeeksSince(d.biweeklyRef.Start, now)/2)
}

var slugNumRe = regexp.MustCompile(`^(bi)?weekly-contest-(\d+)$`)

// StartTimeFor infers a contest's start instant from its slug and the
// reference anchors.
func StartTimeFor(contests config.Contests, slug string) (time.Time, error) {
	m := slugNumRe.FindStringSubmatch(slug)
	if m == nil {
		return time.Time{}, fmt.Errorf("sched: unrecognized contest slug %q", slug)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("sched: parse contest number in %q: %w", slug, err)
	}

	if m[1] == "bi" {
		weeks := 2 * (n - contests.BiweeklyRef.Number)
		return contests.BiweeklyRef.Start.Add(time.Duration(weeks) * secondsPerWeek * time.Second), nil
	}
	weeks := n - contests.WeeklyRef.Number
	return contests.WeeklyRef.Start.Add(time.Duration(weeks) * secondsPerWeek * time.Second), nil
}

// ContestStartTime is StartTimeFor over the dispatcher's anchors.
func (d *Dispatcher) ContestStartTime(slug string) (time.Time, error) {
	return StartTimeFor(config.Contests{WeeklyRef: d.weeklyRef, BiweeklyRef: d.biweeklyRef}, slug)
}

func matchesMinute(now, ref time.Time) bool {
	return now.Weekday() == ref.Weekday() &&
		now.Hour() == ref.Hour() &&
		now.Minute() == ref.Minute()
}

// Plan decides the jobs for one tick. Contest triggers arm the pre-cache
// pair and the pipeline; a biweekly trigger on an odd week arms nothing; any
// other minute arms the rolling refresh jobs.
func (d *Dispatcher) Plan(now time.Time) []Job {
	now = now.UTC()

	if matchesMinute(now, d.weeklyRef.Start) {
		return contestJobs(d.WeeklySlug(now))
	}

	if matchesMinute(now, d.biweeklyRef.Start) {
		if WeeksSince(d.biweeklyRef.Start, now)%2 != 0 {
			d.log.Info("skipping odd biweekly week", zap.Time("tick", now))
			return nil
		}
		return contestJobs(d.BiweeklySlug(now))
	}

	return []Job{
		{ID: uuid.NewString(), Name: JobRefreshContests, Delay: refreshDelay},
		{ID: uuid.NewString(), Name: JobUpdateLastTwo, Delay: updateLastTwoDelay},
	}
}

func contestJobs(slug string) []Job {
	return []Job{
		{ID: uuid.NewString(), Name: JobPreCache, Slug: slug, Delay: preCacheFirstDelay},
		{ID: uuid.NewString(), Name: JobPreCache, Slug: slug, Delay: preCacheSecondDelay},
		{ID: uuid.NewString(), Name: JobPipeline, Slug: slug, Delay: pipelineDelay},
	}
}

// Run ticks every minute until ctx is canceled, arming the planned jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	d.log.Info("dispatcher started",
		zap.Int("weekly_ref", d.weeklyRef.Number),
		zap.Int("biweekly_ref", d.biweeklyRef.Number))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.arm(ctx, d.Plan(d.now()))
		}
	}
}

func (d *Dispatcher) arm(ctx context.Context, jobs []Job) {
	for _, job := range jobs {
		job := job
		jobsArmed.WithLabelValues(job.Name).Inc()
		if job.Slug != "" {
			d.log.Info("arming job",
				zap.String("job_id", job.ID), zap.String("job", job.Name),
				zap.String("contest", job.Slug), zap.Duration("delay", job.Delay))
		}
		d.schedule(job.Delay, func() {
			d.execute(ctx, job)
		})
	}
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	log := d.log.With(
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.String("contest", job.Slug))

	var err error
	switch job.Name {
	case JobRefreshContests:
		err = d.runner.RefreshContests(ctx)
	case JobUpdateLastTwo:
		now := d.now().UTC()
		err = d.runner.ArchiveLastTwo(ctx, d.WeeklySlug(now), d.BiweeklySlug(now))
	case JobPreCache:
		err = d.runner.PreCache(ctx, job.Slug)
	case JobPipeline:
		err = d.runner.RunPipeline(ctx, job.Slug)
	default:
		log.Error("unknown job name")
		return
	}

	if err != nil {
		jobsFailed.WithLabelValues(job.Name).Inc()
		// The next trigger re-runs the job; writes are idempotent.
		log.Error("job failed", zap.Error(err))
		return
	}
	log.Debug("job finished")
}
