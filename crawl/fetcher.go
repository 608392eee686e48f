// Package crawl fetches contests, rankings, questions and user profiles from
// the two regional upstream sites.
//
// Everything goes through the Fetcher, a single driver that dispatches
// bounded batches with a shared backoff: one failure anywhere in a round
// slows down the whole next round. The upstreams rate-limit aggressively,
// and per-request retry alone gets the crawler banned.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent on every upstream request. The ranking endpoints
// reject the Go default agent.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X x.y; rv:42.0) " +
	"Gecko/20100101 Firefox/42.0"

const (
	// DefaultConcurrentNum is the per-round dispatch cap.
	DefaultConcurrentNum = 5
	// DefaultRetryNum is the per-key attempt limit.
	DefaultRetryNum = 10
	// DefaultWaitUnit is one unit of round backoff.
	DefaultWaitUnit = time.Second
)

// KeyedRequest is one entry of a batch. Key is opaque and only used for
// logging; results are returned by position.
type KeyedRequest struct {
	Key    string
	URL    string
	Method string
	// Body is JSON-marshaled into the request body when non-nil.
	Body interface{}
}

// Response is a settled upstream response.
type Response struct {
	StatusCode int
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// FetcherConfig configures a Fetcher. Zero fields take the package defaults.
type FetcherConfig struct {
	ConcurrentNum int
	RetryNum      int
	UserAgent     string
	WaitUnit      time.Duration
	Client        *http.Client
	// Limiter, when set, paces individual request starts on top of the
	// round-level backoff.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// Fetcher drives batches of upstream requests with bounded concurrency,
// per-key retry and a global round backoff.
type Fetcher struct {
	concurrentNum int
	retryNum      int
	userAgent     string
	waitUnit      time.Duration
	client        *http.Client
	limiter       *rate.Limiter
	log           *zap.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher builds a Fetcher from cfg, filling in defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.ConcurrentNum <= 0 {
		cfg.ConcurrentNum = DefaultConcurrentNum
	}
	if cfg.RetryNum <= 0 {
		cfg.RetryNum = DefaultRetryNum
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.WaitUnit <= 0 {
		cfg.WaitUnit = DefaultWaitUnit
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Fetcher{
		concurrentNum: cfg.ConcurrentNum,
		retryNum:      cfg.RetryNum,
		userAgent:     cfg.UserAgent,
		waitUnit:      cfg.WaitUnit,
		client:        cfg.Client,
		limiter:       cfg.Limiter,
		log:           cfg.Logger,
		sleep:         sleepCtx,
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

// Do dispatches every request and returns responses in input order. A nil
// entry marks a key that exhausted its retries; Do itself never fails, so
// callers can treat nils as recoverable on the next scheduled run.
//
// Rounds of up to ConcurrentNum requests run in parallel. Any non-200 or
// transport failure re-enqueues the key and adds one wait unit to the
// backoff applied before the next round; a clean round resets it to zero.
func (f *Fetcher) Do(ctx context.Context, reqs []KeyedRequest) []*Response {
	return f.DoWithConcurrency(ctx, reqs, f.concurrentNum)
}

// DoWithConcurrency is Do with a per-call round size, used by adapters whose
// endpoints tolerate more or less parallelism than the default.
func (f *Fetcher) DoWithConcurrency(ctx context.Context, reqs []KeyedRequest, concurrentNum int) []*Response {
	if concurrentNum <= 0 {
		concurrentNum = f.concurrentNum
	}
	results := make([]*Response, len(reqs))
	failures := make([]int, len(reqs))

	queue := make([]int, len(reqs))
	for i := range reqs {
		queue[i] = i
	}

	waitUnits := 0
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return results
		}

		var batch []int
		for len(batch) < concurrentNum && len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			if failures[i] >= f.retryNum {
				f.log.Error("retries exhausted",
					zap.String("key", reqs[i].Key), zap.String("url", reqs[i].URL))
				exhaustedTotal.Inc()
				continue
			}
			batch = append(batch, i)
		}
		if len(batch) == 0 {
			break
		}

		f.log.Debug("dispatching round",
			zap.Int("batch", len(batch)),
			zap.Int("remaining", len(queue)),
			zap.Int("wait_units", waitUnits))

		if waitUnits > 0 {
			d := time.Duration(waitUnits) * f.waitUnit
			backoffSeconds.Add(d.Seconds())
			if err := f.sleep(ctx, d); err != nil {
				return results
			}
		}

		responses := make([]*Response, len(batch))
		var wg sync.WaitGroup
		for bi, i := range batch {
			wg.Add(1)
			go func(bi, i int) {
				defer wg.Done()
				resp, err := f.doOne(ctx, reqs[i])
				if err != nil {
					f.log.Warn("request failed",
						zap.String("key", reqs[i].Key), zap.Error(err))
					return
				}
				responses[bi] = resp
			}(bi, i)
		}
		wg.Wait()

		waitUnits = 0
		for bi, i := range batch {
			resp := responses[bi]
			if resp != nil && resp.StatusCode == http.StatusOK {
				results[i] = resp
				requestsTotal.WithLabelValues("ok").Inc()
				continue
			}
			if resp != nil {
				f.log.Warn("non-200 response",
					zap.String("key", reqs[i].Key), zap.Int("status", resp.StatusCode))
			}
			requestsTotal.WithLabelValues("fail").Inc()
			retriesTotal.Inc()
			failures[i]++
			waitUnits++
			queue = append(queue, i)
		}
	}

	return results
}

// One fetches a single request, returning nil when it permanently fails.
func (f *Fetcher) One(ctx context.Context, req KeyedRequest) *Response {
	return f.Do(ctx, []KeyedRequest{req})[0]
}

func (f *Fetcher) doOne(ctx context.Context, req KeyedRequest) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("crawl: marshal body for %s: %w", req.Key, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("crawl: build request for %s: %w", req.Key, err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("crawl: read body for %s: %w", req.Key, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
