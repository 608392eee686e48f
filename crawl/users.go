package crawl

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lcpredict/lcpredict/store"
)

const (
	userRatingQueryCN = `
query userContestRankingInfo($userSlug: String!) {
    userContestRanking(userSlug: $userSlug) {
        attendedContestsCount
        rating
    }
}`

	userRatingQueryUS = `
query getContestRankingData($username: String!) {
    userContestRanking(username: $username) {
        attendedContestsCount
        rating
    }
}`
)

// UserRating fetches a participant's current rating and attended-contest
// count. Both return values are nil for a user the upstream does not know,
// which is not an error. The call runs behind a circuit breaker so a
// misbehaving endpoint fails fast instead of burning the whole refresh
// batch's retry budget.
func (c *Client) UserRating(ctx context.Context, region store.DataRegion, username string) (*float64, *int, error) {
	var body map[string]interface{}
	var url string
	if region == store.RegionCN {
		url = c.hostCN + "/graphql/noj-go/"
		body = map[string]interface{}{
			"query":     userRatingQueryCN,
			"variables": map[string]string{"userSlug": username},
		}
	} else {
		url = c.hostUS + "/graphql/"
		body = map[string]interface{}{
			"query":     userRatingQueryUS,
			"variables": map[string]string{"username": username},
		}
	}

	result, err := c.userBreaker.Execute(func() (interface{}, error) {
		resp := c.fetcher.One(ctx, KeyedRequest{
			Key:    fmt.Sprintf("user-rating-%s-%s", region, username),
			URL:    url,
			Method: http.MethodPost,
			Body:   body,
		})
		if resp == nil {
			return nil, fmt.Errorf("crawl: fetch rating for %s/%s failed", region, username)
		}
		return resp, nil
	})
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		Data struct {
			UserContestRanking *struct {
				AttendedContestsCount int     `json:"attendedContestsCount"`
				Rating                float64 `json:"rating"`
			} `json:"userContestRanking"`
		} `json:"data"`
	}
	if err := result.(*Response).JSON(&payload); err != nil {
		return nil, nil, fmt.Errorf("crawl: parse rating for %s/%s: %w", region, username, err)
	}

	ranking := payload.Data.UserContestRanking
	if ranking == nil {
		return nil, nil, nil
	}
	return &ranking.Rating, &ranking.AttendedContestsCount, nil
}
