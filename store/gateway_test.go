package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// forEachGateway runs a subtest against every embeddable Gateway
// implementation. MySQL is excluded since it needs a running server.
func forEachGateway(t *testing.T, fn func(t *testing.T, g Gateway)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		g, err := NewSQLiteGateway(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		fn(t, g)
	})

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemGateway())
	})
}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestDedupeRecords(t *testing.T) {
	records := []ContestRecord{
		{Username: "alice", DataRegion: RegionCN, Rank: 1},
		{Username: "bob", DataRegion: RegionUS, Rank: 2},
		{Username: "alice", DataRegion: RegionCN, Rank: 3},
		{Username: "alice", DataRegion: RegionUS, Rank: 4},
	}

	kept, dropped := DedupeRecords(records)
	require.Equal(t, 1, dropped)
	require.Len(t, kept, 3)
	// First occurrence wins; a same-name user in the other region survives.
	require.Equal(t, 1, kept[0].Rank)
	require.Equal(t, 4, kept[2].Rank)
}

func TestAssignTieRanks(t *testing.T) {
	p := at(1000)
	rows := []RankRow{
		{CreditSum: 12, PenaltyDate: p},
		{CreditSum: 9, PenaltyDate: p},
		{CreditSum: 9, PenaltyDate: p},
		{CreditSum: 9, PenaltyDate: p.Add(time.Minute)},
		{CreditSum: 3, PenaltyDate: p},
	}

	AssignTieRanks(rows)

	require.Equal(t, []int{1, 2, 2, 4, 5}, []int{
		rows[0].Rank, rows[1].Rank, rows[2].Rank, rows[3].Rank, rows[4].Rank,
	})
}

func TestContestUpsertPreservesPredictTime(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		start := at(1650000000)
		c := Contest{
			Slug:       "weekly-contest-294",
			Title:      "Weekly Contest 294",
			StartTime:  start,
			Duration:   5400,
			EndTime:    start.Add(90 * time.Minute),
			UpdateTime: at(1650001000),
		}
		require.NoError(t, g.UpsertContest(ctx, c))

		require.NoError(t, g.SetContestPredictTime(ctx, c.Slug, at(1650010000)))
		require.NoError(t, g.SetContestUserNum(ctx, c.Slug, RegionCN, 4000))

		// A refresh pass re-upserts metadata without predict fields set.
		c.Title = "Weekly Contest 294 (updated)"
		c.UpdateTime = at(1650002000)
		require.NoError(t, g.UpsertContest(ctx, c))

		got, err := g.GetContest(ctx, c.Slug)
		require.NoError(t, err)
		require.Equal(t, "Weekly Contest 294 (updated)", got.Title)
		require.NotNil(t, got.PredictTime)
		require.Equal(t, at(1650010000), *got.PredictTime)
		require.NotNil(t, got.UserNumCN)
		require.Equal(t, 4000, *got.UserNumCN)
		require.Nil(t, got.UserNumUS)
	})
}

func TestGetContest_NotFound(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		_, err := g.GetContest(context.Background(), "no-such-contest")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListContests_OrderAndPredictedFilter(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		pt := at(1650020000)
		contests := []Contest{
			{Slug: "weekly-contest-294", StartTime: at(1650000000), UpdateTime: at(1), PredictTime: &pt},
			{Slug: "weekly-contest-295", StartTime: at(1650604800), UpdateTime: at(1)},
			{Slug: "biweekly-contest-78", StartTime: at(1649500000), UpdateTime: at(1), PredictTime: &pt},
		}
		for _, c := range contests {
			require.NoError(t, g.UpsertContest(ctx, c))
		}

		all, err := g.ListContests(ctx, false, 0, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "weekly-contest-295", all[0].Slug)
		require.Equal(t, "biweekly-contest-78", all[2].Slug)

		predicted, err := g.ListContests(ctx, true, 0, 10)
		require.NoError(t, err)
		require.Len(t, predicted, 2)

		n, err := g.CountContests(ctx, true)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		paged, err := g.ListContests(ctx, false, 1, 1)
		require.NoError(t, err)
		require.Len(t, paged, 1)
		require.Equal(t, "weekly-contest-294", paged[0].Slug)
	})
}

func TestReplacePredictRecords_DropsDuplicates(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		records := []ContestRecord{
			{ContestSlug: slug, Username: "alice", DataRegion: RegionCN, Rank: 1, Score: 18, FinishTime: at(100), InsertTime: at(200)},
			{ContestSlug: slug, Username: "alice", DataRegion: RegionCN, Rank: 7, Score: 12, FinishTime: at(100), InsertTime: at(200)},
			{ContestSlug: slug, Username: "bob", DataRegion: RegionUS, Rank: 2, Score: 12, FinishTime: at(100), InsertTime: at(200)},
			{ContestSlug: slug, Username: "carol", DataRegion: RegionCN, Rank: 3, Score: 0, FinishTime: at(100), InsertTime: at(200)},
		}

		dropped, err := g.ReplacePredictRecords(ctx, slug, records)
		require.NoError(t, err)
		require.Equal(t, 1, dropped)

		scorers, err := g.PredictScorers(ctx, slug)
		require.NoError(t, err)
		require.Len(t, scorers, 2)
		require.Equal(t, "alice", scorers[0].Username)
		require.Equal(t, 1, scorers[0].Rank)
		require.Equal(t, "bob", scorers[1].Username)

		// Replacing again wipes the previous set.
		dropped, err = g.ReplacePredictRecords(ctx, slug, records[2:3])
		require.NoError(t, err)
		require.Zero(t, dropped)
		n, err := g.CountRecords(ctx, slug, false)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestSavePredictResults_RoundTrip(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "biweekly-contest-80"
		key := UserKey{Username: "alice", DataRegion: RegionCN}
		_, err := g.ReplacePredictRecords(ctx, slug, []ContestRecord{
			{ContestSlug: slug, ContestID: 880, Username: "alice", UserSlug: "alice",
				DataRegion: RegionCN, Rank: 4, Score: 18, FinishTime: at(100), InsertTime: at(200)},
		})
		require.NoError(t, err)

		require.NoError(t, g.FillPredictRecordUser(ctx, slug, key, 1834.5, 12))

		predictTime := at(1650030000)
		require.NoError(t, g.SavePredictResults(ctx, slug, []PredictResult{
			{Key: key, OldRating: 1834.5, NewRating: 1901.25, DeltaRating: 66.75},
		}, predictTime))

		got, err := g.PredictedRating(ctx, slug, key)
		require.NoError(t, err)
		require.Equal(t, 1834.5, got.OldRating)
		require.Equal(t, 1901.25, got.NewRating)
		require.Equal(t, 66.75, got.DeltaRating)
		require.Equal(t, 12, got.AttendedContestsCount)
		require.NotNil(t, got.PredictTime)
		require.Equal(t, predictTime, *got.PredictTime)
	})
}

func TestUpsertArchiveRecords_PartialUpdateAndTombstone(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		first := ContestRecord{
			ContestSlug: slug, ContestID: 299, Username: "alice", UserSlug: "alice",
			DataRegion: RegionCN, Rank: 5, Score: 18, FinishTime: at(100),
			AttendedContestsCount: 12, OldRating: 1800, NewRating: 1850, DeltaRating: 50,
			UpdateTime: at(1000),
		}
		require.NoError(t, g.UpsertArchiveRecords(ctx, []ContestRecord{first}))

		// A later pass only refreshes standing fields; computed ratings stay.
		second := first
		second.Rank = 4
		second.Score = 21
		second.FinishTime = at(150)
		second.UpdateTime = at(2000)
		second.OldRating = 0
		second.NewRating = 0
		second.DeltaRating = 0
		require.NoError(t, g.UpsertArchiveRecords(ctx, []ContestRecord{second}))

		got, err := g.Records(ctx, slug, true, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, 4, got[0].Rank)
		require.Equal(t, 21, got[0].Score)
		require.Equal(t, at(150), got[0].FinishTime)
		require.Equal(t, 1800.0, got[0].OldRating)
		require.Equal(t, 1850.0, got[0].NewRating)
		require.Equal(t, 50.0, got[0].DeltaRating)

		// A participant absent from the latest ranking gets tombstoned.
		stale := first
		stale.Username = "ghost"
		stale.UpdateTime = at(1500)
		require.NoError(t, g.UpsertArchiveRecords(ctx, []ContestRecord{stale}))

		n, err := g.DeleteObsoleteArchiveRecords(ctx, slug, at(2000))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		keys, err := g.ArchiveUserKeys(ctx, slug)
		require.NoError(t, err)
		require.Equal(t, []UserKey{{Username: "alice", DataRegion: RegionCN}}, keys)
	})
}

func TestRealTimeRank_RoundTrip(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		key := UserKey{Username: "alice", DataRegion: RegionCN}
		require.NoError(t, g.UpsertArchiveRecords(ctx, []ContestRecord{
			{ContestSlug: slug, Username: "alice", DataRegion: RegionCN,
				Rank: 1, Score: 18, FinishTime: at(100), UpdateTime: at(1000)},
		}))

		_, err := g.RealTimeRank(ctx, slug, UserKey{Username: "nobody", DataRegion: RegionUS})
		require.ErrorIs(t, err, ErrNotFound)

		ranks := []int{3, 2, 2, 1}
		require.NoError(t, g.SetRealTimeRank(ctx, slug, key, ranks))

		got, err := g.RealTimeRank(ctx, slug, key)
		require.NoError(t, err)
		require.Equal(t, ranks, got)
	})
}

func TestUserRecords_MatchesLowercase(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		_, err := g.ReplacePredictRecords(ctx, slug, []ContestRecord{
			{ContestSlug: slug, Username: "alice", DataRegion: RegionCN, Rank: 1, Score: 18, FinishTime: at(100), InsertTime: at(200)},
		})
		require.NoError(t, err)

		got, err := g.UserRecords(ctx, slug, "Alice", false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "alice", got[0].Username)
	})
}

func TestStalePredictUsers(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		cutoff := at(10000)

		_, err := g.ReplacePredictRecords(ctx, slug, []ContestRecord{
			{ContestSlug: slug, Username: "fresh", DataRegion: RegionCN, Rank: 1, Score: 18, FinishTime: at(100), InsertTime: at(200)},
			{ContestSlug: slug, Username: "stale", DataRegion: RegionCN, Rank: 2, Score: 12, FinishTime: at(100), InsertTime: at(200)},
			{ContestSlug: slug, Username: "unseen", DataRegion: RegionUS, Rank: 3, Score: 9, FinishTime: at(100), InsertTime: at(200)},
			{ContestSlug: slug, Username: "zero", DataRegion: RegionCN, Rank: 4, Score: 0, FinishTime: at(100), InsertTime: at(200)},
		})
		require.NoError(t, err)

		require.NoError(t, g.UpsertUser(ctx, User{Username: "fresh", UserSlug: "fresh", DataRegion: RegionCN, Rating: 1700, UpdateTime: at(20000)}))
		require.NoError(t, g.UpsertUser(ctx, User{Username: "stale", UserSlug: "stale", DataRegion: RegionCN, Rating: 1600, UpdateTime: at(5000)}))

		keys, err := g.StalePredictUsers(ctx, slug, cutoff)
		require.NoError(t, err)
		require.ElementsMatch(t, []UserKey{
			{Username: "stale", DataRegion: RegionCN},
			{Username: "unseen", DataRegion: RegionUS},
		}, keys)
	})
}

func TestUserUpsertAndRatingOrder(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		users := []User{
			{Username: "low", UserSlug: "low", DataRegion: RegionCN, Rating: 1500, AttendedContestsCount: 1, UpdateTime: at(1)},
			{Username: "high", UserSlug: "high", DataRegion: RegionUS, Rating: 2600, AttendedContestsCount: 40, UpdateTime: at(1)},
			{Username: "mid", UserSlug: "mid", DataRegion: RegionCN, Rating: 1900, AttendedContestsCount: 10, UpdateTime: at(1)},
		}
		for _, u := range users {
			require.NoError(t, g.UpsertUser(ctx, u))
		}

		// Upsert by key overwrites mutable fields.
		require.NoError(t, g.UpsertUser(ctx, User{
			Username: "mid", UserSlug: "mid", DataRegion: RegionCN,
			Rating: 1950, AttendedContestsCount: 11, UpdateTime: at(2),
		}))

		got, err := g.GetUser(ctx, UserKey{Username: "mid", DataRegion: RegionCN})
		require.NoError(t, err)
		require.Equal(t, 1950.0, got.Rating)
		require.Equal(t, 11, got.AttendedContestsCount)
		require.Equal(t, at(2), got.UpdateTime)

		n, err := g.CountUsers(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		keys, err := g.UserKeysByRating(ctx, 0, 2)
		require.NoError(t, err)
		require.Equal(t, []UserKey{
			{Username: "high", DataRegion: RegionUS},
			{Username: "mid", DataRegion: RegionCN},
		}, keys)
	})
}

func TestQuestions_UpsertOrderAndCounts(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		qs := []Question{
			{QuestionID: 2322, ContestSlug: slug, Title: "Q4", TitleSlug: "q4", Credit: 6, QI: 4, UpdateTime: at(1000)},
			{QuestionID: 2319, ContestSlug: slug, Title: "Q1", TitleSlug: "q1", Credit: 3, QI: 1, UpdateTime: at(1000)},
		}
		require.NoError(t, g.UpsertQuestions(ctx, qs))

		got, err := g.Questions(ctx, slug)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, 1, got[0].QI)
		require.Equal(t, 4, got[1].QI)

		require.NoError(t, g.SetQuestionRealTimeCount(ctx, slug, 2319, []int{0, 12, 48}))
		q, err := g.QuestionByID(ctx, 2319)
		require.NoError(t, err)
		require.Equal(t, []int{0, 12, 48}, q.RealTimeCount)

		// Re-upserting metadata keeps the computed count vector.
		qs[1].Title = "Q1 renamed"
		qs[1].UpdateTime = at(2000)
		require.NoError(t, g.UpsertQuestions(ctx, qs[1:]))
		q, err = g.QuestionByID(ctx, 2319)
		require.NoError(t, err)
		require.Equal(t, "Q1 renamed", q.Title)
		require.Equal(t, []int{0, 12, 48}, q.RealTimeCount)

		n, err := g.DeleteObsoleteQuestions(ctx, slug, at(1500))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestSubmissions_TombstoneAndCountAt(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		subs := []Submission{
			{ContestSlug: slug, Username: "alice", DataRegion: RegionCN, QuestionID: 1, Date: at(600), Credit: 3, UpdateTime: at(5000)},
			{ContestSlug: slug, Username: "bob", DataRegion: RegionUS, QuestionID: 1, Date: at(1200), Credit: 3, UpdateTime: at(5000)},
			{ContestSlug: slug, Username: "bob", DataRegion: RegionUS, QuestionID: 2, Date: at(1800), Credit: 4, UpdateTime: at(4000)},
		}
		require.NoError(t, g.UpsertSubmissions(ctx, subs))

		n, err := g.CountSubmissionsAt(ctx, slug, 1, at(900))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = g.CountSubmissionsAt(ctx, slug, 1, at(1200))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		removed, err := g.DeleteObsoleteSubmissions(ctx, slug, at(4500))
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		n, err = g.CountSubmissionsAt(ctx, slug, 2, at(3600))
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestRankAtInstant(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		base := at(1700000000)

		keyA := UserKey{Username: "a", DataRegion: RegionCN}
		keyB := UserKey{Username: "b", DataRegion: RegionCN}
		keyC := UserKey{Username: "c", DataRegion: RegionUS}

		subs := []Submission{
			{ContestSlug: slug, Username: "a", DataRegion: RegionCN, QuestionID: 1, Date: base.Add(10 * time.Minute), Credit: 300, UpdateTime: base},
			{ContestSlug: slug, Username: "b", DataRegion: RegionCN, QuestionID: 1, Date: base.Add(20 * time.Minute), Credit: 300, FailCount: 1, UpdateTime: base},
			{ContestSlug: slug, Username: "c", DataRegion: RegionUS, QuestionID: 1, Date: base.Add(30 * time.Minute), Credit: 300, FailCount: 2, UpdateTime: base},
		}
		require.NoError(t, g.UpsertSubmissions(ctx, subs))

		// t = 10min: only a has a standing.
		ranks, last, err := g.RankAtInstant(ctx, slug, base.Add(10*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, last)
		require.Equal(t, map[UserKey]int{keyA: 1}, ranks)

		// t = 20min: equal credit, a's penalty date (10min) beats b's (25min).
		ranks, last, err = g.RankAtInstant(ctx, slug, base.Add(20*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 2, last)
		require.Equal(t, map[UserKey]int{keyA: 1, keyB: 2}, ranks)

		// t = 30min: c's two fails put its penalty date (40min) last.
		ranks, last, err = g.RankAtInstant(ctx, slug, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 3, last)
		require.Equal(t, map[UserKey]int{keyA: 1, keyB: 2, keyC: 3}, ranks)
	})
}

func TestRankAtInstant_TiesShareRank(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "weekly-contest-299"
		base := at(1700000000)

		// a and b solve the same problem at the same instant with no fails.
		subs := []Submission{
			{ContestSlug: slug, Username: "a", DataRegion: RegionCN, QuestionID: 1, Date: base.Add(10 * time.Minute), Credit: 300, UpdateTime: base},
			{ContestSlug: slug, Username: "b", DataRegion: RegionUS, QuestionID: 1, Date: base.Add(10 * time.Minute), Credit: 300, UpdateTime: base},
			{ContestSlug: slug, Username: "c", DataRegion: RegionCN, QuestionID: 1, Date: base.Add(15 * time.Minute), Credit: 300, UpdateTime: base},
		}
		require.NoError(t, g.UpsertSubmissions(ctx, subs))

		ranks, last, err := g.RankAtInstant(ctx, slug, base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 3, last)
		require.Equal(t, 1, ranks[UserKey{Username: "a", DataRegion: RegionCN}])
		require.Equal(t, 1, ranks[UserKey{Username: "b", DataRegion: RegionUS}])
		require.Equal(t, 3, ranks[UserKey{Username: "c", DataRegion: RegionCN}])
	})
}

func TestRecordRoundTrip_AllFields(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		const slug = "biweekly-contest-80"
		rec := ContestRecord{
			ContestSlug: slug, ContestID: 880, Username: "alice", UserSlug: "alice-slug",
			DataRegion: RegionCN, Rank: 42, Score: 13, FinishTime: at(1650001234),
			AttendedContestsCount: 7, OldRating: 1654.25, NewRating: 1688.5, DeltaRating: 34.25,
			UpdateTime: at(1650005000),
		}
		require.NoError(t, g.UpsertArchiveRecords(ctx, []ContestRecord{rec}))

		got, err := g.Records(ctx, slug, true, 0, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, rec, got[0])
	})
}
