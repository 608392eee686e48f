package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lcpredict/lcpredict/store"
)

const (
	// Per-region concurrency for user rating lookups. The CN GraphQL
	// endpoint bans aggressively, so it is crawled strictly serially.
	userConcurrencyCN = 1
	userConcurrencyUS = 5

	// totalUserFetchSlots caps concurrent user lookups across both regions.
	totalUserFetchSlots = 30

	// allUsersBatchSize pages the full-user refresh.
	allUsersBatchSize = 100
)

// refreshUser fetches one participant's rating and attended count and
// upserts the User document. A participant unknown upstream becomes a
// default-rated new user when saveNew is set, and is skipped otherwise.
func (p *Pipeline) refreshUser(ctx context.Context, key store.UserKey, saveNew bool) error {
	ratingPtr, attendedPtr, err := p.client.UserRating(ctx, key.DataRegion, key.Username)
	if err != nil {
		return fmt.Errorf("pipeline: fetch rating for %s/%s: %w", key.DataRegion, key.Username, err)
	}

	u := store.User{
		Username:   key.Username,
		UserSlug:   key.Username,
		DataRegion: key.DataRegion,
		UpdateTime: p.now(),
	}
	switch {
	case ratingPtr != nil && attendedPtr != nil:
		u.Rating = *ratingPtr
		u.AttendedContestsCount = *attendedPtr
	case saveNew:
		u.Rating = store.NewUserRating
		u.AttendedContestsCount = store.NewUserAttended
	default:
		return nil
	}

	if err := p.gw.UpsertUser(ctx, u); err != nil {
		return fmt.Errorf("pipeline: save user %s/%s: %w", key.DataRegion, key.Username, err)
	}
	usersRefreshed.WithLabelValues(string(key.DataRegion)).Inc()
	return nil
}

// refreshUsers runs rating lookups for a batch of keys, splitting the batch
// by region so each endpoint gets its own concurrency cap. Individual
// lookup failures are logged and skipped; one banned profile must not sink
// the pass.
func (p *Pipeline) refreshUsers(ctx context.Context, slug string, keys []store.UserKey, saveNew bool) error {
	if len(keys) == 0 {
		return nil
	}
	p.log.Info("refreshing users",
		zap.String("contest", slug), zap.Int("count", len(keys)))

	sem := semaphore.NewWeighted(totalUserFetchSlots)
	g, gctx := errgroup.WithContext(ctx)

	byRegion := map[store.DataRegion][]store.UserKey{}
	for _, key := range keys {
		byRegion[key.DataRegion] = append(byRegion[key.DataRegion], key)
	}

	for region, regionKeys := range byRegion {
		limit := userConcurrencyUS
		if region == store.RegionCN {
			limit = userConcurrencyCN
		}
		rg, rgctx := errgroup.WithContext(gctx)
		rg.SetLimit(limit)
		regionKeys := regionKeys
		g.Go(func() error {
			for _, key := range regionKeys {
				key := key
				rg.Go(func() error {
					if err := sem.Acquire(rgctx, 1); err != nil {
						return err
					}
					defer sem.Release(1)
					p.stageSilenced(slug, "refresh-user", func() error {
						return p.refreshUser(rgctx, key, saveNew)
					})
					return nil
				})
			}
			return rg.Wait()
		})
	}
	return g.Wait()
}

// refreshStalePredictUsers refreshes the scoring participants of a contest
// whose User document is older than the stale window or missing entirely.
// Missing participants are created with the default rating.
func (p *Pipeline) refreshStalePredictUsers(ctx context.Context, slug string) error {
	keys, err := p.gw.StalePredictUsers(ctx, slug, p.now().Add(-staleUserWindow))
	if err != nil {
		return fmt.Errorf("pipeline: list stale users for %s: %w", slug, err)
	}
	return p.refreshUsers(ctx, slug, keys, true)
}

// refreshArchiveUsers refreshes every participant of an archived contest.
func (p *Pipeline) refreshArchiveUsers(ctx context.Context, slug string) error {
	keys, err := p.gw.ArchiveUserKeys(ctx, slug)
	if err != nil {
		return fmt.Errorf("pipeline: list archive users for %s: %w", slug, err)
	}
	return p.refreshUsers(ctx, slug, keys, false)
}

// RefreshAllUsers walks the entire User collection in rating order and
// refreshes each profile from upstream. Meant for occasional maintenance
// runs, not the contest schedule.
func (p *Pipeline) RefreshAllUsers(ctx context.Context) error {
	for skip := 0; ; skip += allUsersBatchSize {
		keys, err := p.gw.UserKeysByRating(ctx, skip, allUsersBatchSize)
		if err != nil {
			return fmt.Errorf("pipeline: page users at %d: %w", skip, err)
		}
		if len(keys) == 0 {
			return nil
		}
		if err := p.refreshUsers(ctx, "", keys, false); err != nil {
			return err
		}
	}
}
