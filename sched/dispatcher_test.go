package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/config"
)

var testContests = config.Contests{
	WeeklyRef: config.ContestRef{
		Number: 294,
		Start:  time.Date(2022, 5, 22, 2, 30, 0, 0, time.UTC), // Sunday
	},
	BiweeklyRef: config.ContestRef{
		Number: 78,
		Start:  time.Date(2022, 5, 14, 14, 30, 0, 0, time.UTC), // Saturday
	},
}

type recordingRunner struct {
	mu        sync.Mutex
	refreshed int
	archived  [][2]string
	precached []string
	pipelines []string
}

func (r *recordingRunner) RefreshContests(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed++
	return nil
}

func (r *recordingRunner) ArchiveLastTwo(_ context.Context, weekly, biweekly string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, [2]string{weekly, biweekly})
	return nil
}

func (r *recordingRunner) PreCache(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.precached = append(r.precached, slug)
	return nil
}

func (r *recordingRunner) RunPipeline(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines = append(r.pipelines, slug)
	return nil
}

func testDispatcher(t *testing.T) (*Dispatcher, *recordingRunner) {
	t.Helper()
	runner := &recordingRunner{}
	return New(runner, testContests, zap.NewNop()), runner
}

func TestWeeksSince(t *testing.T) {
	ref := testContests.WeeklyRef.Start

	require.Equal(t, 0, WeeksSince(ref, ref))
	require.Equal(t, 0, WeeksSince(ref, ref.Add(7*24*time.Hour-time.Second)))
	require.Equal(t, 1, WeeksSince(ref, ref.Add(7*24*time.Hour)))
	require.Equal(t, 5, WeeksSince(ref, ref.Add(5*7*24*time.Hour+time.Hour)))
}

func TestPlan_WeeklyTrigger(t *testing.T) {
	d, _ := testDispatcher(t)

	// Sunday 02:30 UTC, five weeks past the anchor of weekly 294.
	now := testContests.WeeklyRef.Start.Add(5 * 7 * 24 * time.Hour)
	jobs := d.Plan(now)

	require.Len(t, jobs, 3)
	for _, job := range jobs {
		require.Equal(t, "weekly-contest-299", job.Slug)
		require.NotEmpty(t, job.ID)
	}
	require.Equal(t, JobPreCache, jobs[0].Name)
	require.Equal(t, 25*time.Minute, jobs[0].Delay)
	require.Equal(t, JobPreCache, jobs[1].Name)
	require.Equal(t, 70*time.Minute, jobs[1].Delay)
	require.Equal(t, JobPipeline, jobs[2].Name)
	require.Equal(t, 95*time.Minute, jobs[2].Delay)
}

func TestPlan_BiweeklyTrigger(t *testing.T) {
	d, _ := testDispatcher(t)

	// Saturday 14:30 UTC on an even week arms biweekly 78 + 4/2.
	now := testContests.BiweeklyRef.Start.Add(4 * 7 * 24 * time.Hour)
	jobs := d.Plan(now)
	require.Len(t, jobs, 3)
	require.Equal(t, "biweekly-contest-80", jobs[0].Slug)

	// Odd weeks have no biweekly contest: nothing is armed, not even the
	// refresh pair.
	now = testContests.BiweeklyRef.Start.Add(5 * 7 * 24 * time.Hour)
	require.Empty(t, d.Plan(now))
}

func TestPlan_OffMinuteArmsRefreshJobs(t *testing.T) {
	d, _ := testDispatcher(t)

	now := testContests.WeeklyRef.Start.Add(5*7*24*time.Hour + 3*time.Minute)
	jobs := d.Plan(now)

	require.Len(t, jobs, 2)
	require.Equal(t, JobRefreshContests, jobs[0].Name)
	require.Equal(t, time.Minute, jobs[0].Delay)
	require.Equal(t, JobUpdateLastTwo, jobs[1].Name)
	require.Equal(t, 10*time.Minute, jobs[1].Delay)
}

func TestContestStartTime(t *testing.T) {
	d, _ := testDispatcher(t)

	start, err := d.ContestStartTime("weekly-contest-299")
	require.NoError(t, err)
	require.Equal(t, testContests.WeeklyRef.Start.Add(5*7*24*time.Hour), start)

	start, err = d.ContestStartTime("biweekly-contest-80")
	require.NoError(t, err)
	require.Equal(t, testContests.BiweeklyRef.Start.Add(4*7*24*time.Hour), start)

	_, err = d.ContestStartTime("monthly-contest-3")
	require.Error(t, err)
}

func TestSlugInference_MatchesPlan(t *testing.T) {
	d, _ := testDispatcher(t)

	now := testContests.WeeklyRef.Start.Add(9 * 7 * 24 * time.Hour)
	slug := d.WeeklySlug(now)
	start, err := d.ContestStartTime(slug)
	require.NoError(t, err)
	require.Equal(t, now, start)
}

func TestArm_ExecutesJobsThroughRunner(t *testing.T) {
	d, runner := testDispatcher(t)

	// Run armed jobs synchronously.
	d.schedule = func(_ time.Duration, fn func()) { fn() }
	d.now = func() time.Time {
		return testContests.WeeklyRef.Start.Add(5*7*24*time.Hour + 3*time.Minute)
	}

	d.arm(context.Background(), d.Plan(d.now()))
	require.Equal(t, 1, runner.refreshed)
	require.Equal(t, [][2]string{{"weekly-contest-299", "biweekly-contest-81"}}, runner.archived)

	d.arm(context.Background(), contestJobs("weekly-contest-299"))
	require.Equal(t, []string{"weekly-contest-299", "weekly-contest-299"}, runner.precached)
	require.Equal(t, []string{"weekly-contest-299"}, runner.pipelines)
}
