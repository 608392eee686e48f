package crawl

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/store"
)

const (
	hostUS = "https://leetcode.com"
	hostCN = "https://leetcode.cn"
)

// Client exposes the upstream endpoints as typed adapters over a Fetcher.
type Client struct {
	fetcher *Fetcher
	log     *zap.Logger

	// Host overrides, settable by tests.
	hostUS string
	hostCN string

	// userBreaker guards the per-user GraphQL endpoint, the only one hit
	// with per-entity cardinality. When it starts refusing, stop asking.
	userBreaker *gobreaker.CircuitBreaker
}

// NewClient wraps a Fetcher.
func NewClient(fetcher *Fetcher, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		fetcher: fetcher,
		log:     log,
		hostUS:  hostUS,
		hostCN:  hostCN,
		userBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "user-rating",
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 10
			},
		}),
	}
}

func (c *Client) host(region store.DataRegion) string {
	if region == store.RegionUS {
		return c.hostUS
	}
	return c.hostCN
}
