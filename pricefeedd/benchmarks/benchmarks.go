// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package benchmarks is a client for the historical price service that is
// consulted when an update is no longer retained locally.  Records returned
// by the service are authenticated by the service only.
package benchmarks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/decred/pricefeed/pricefeedd/backend"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultRate      = 10 // Requests per second
	DefaultBurst     = 20
	DefaultCacheSize = 4096

	maxResponseSize = 1 << 20
)

var (
	ErrNotFound  = errors.New("benchmarks: update not found")
	ErrTimeout   = errors.New("benchmarks: request timed out")
	ErrTransport = errors.New("benchmarks: transport failure")
)

// Config is the client configuration.  Zero fields take defaults.
type Config struct {
	URL        string        // Service base URL
	Timeout    time.Duration // Per request timeout
	Rate       rate.Limit    // Requests per second
	Burst      int
	CacheSize  int          // Number of cached records
	HTTPClient *http.Client // Optional
}

type cacheKey struct {
	id backend.FeedID
	ts int64
}

// Client fetches historical updates one feed at a time.  It is safe for
// concurrent use.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	group   singleflight.Group

	// History is immutable so successful answers are cached.
	cache *lru.Cache[cacheKey, *backend.PriceFeedUpdate]
}

// New returns a benchmarks client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid benchmarks url %q", cfg.URL)
	}

	c := &Client{
		base:    strings.TrimSuffix(cfg.URL, "/"),
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	limit, burst := cfg.Rate, cfg.Burst
	if limit <= 0 {
		limit = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	c.limiter = rate.NewLimiter(limit, burst)

	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	c.cache, err = lru.New[cacheKey, *backend.PriceFeedUpdate](size)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Fetch returns the first update of the feed at or after ts according to the
// service.  The returned error wraps ErrNotFound, ErrTimeout or ErrTransport.
func (c *Client) Fetch(ctx context.Context, id backend.FeedID, ts int64) (*backend.PriceFeedUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cacheKey{id: id, ts: ts}
	if u, ok := c.cache.Get(key); ok {
		return u.Copy(), nil
	}

	// The shared request outlives any single caller so that one cancelled
	// query does not fail the others waiting on it.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id.String()+"/"+strconv.FormatInt(ts, 10),
		func() (interface{}, error) {
			u, err := c.fetch(detached, id, ts)
			if err != nil {
				return nil, err
			}
			c.cache.Add(key, u)
			return u, nil
		})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Tracef("Fetch %v %v: shared", id, ts)
		}
		return res.Val.(*backend.PriceFeedUpdate).Copy(), nil
	}
}

// classify maps a request failure to an error kind.
func classify(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *Client) fetch(ctx context.Context, id backend.FeedID, ts int64) (*backend.PriceFeedUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(err)
	}

	q := url.Values{}
	q.Set("ids", id.String())
	q.Set("encoding", "hex")
	q.Set("parsed", "true")
	u := c.base + "/v1/updates/price/" + strconv.FormatInt(ts, 10) +
		"?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	start := time.Now()
	r, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		return nil, classify(err)
	}
	log.Debugf("Fetch %v %v: status %v in %v", id, ts, r.StatusCode,
		time.Since(start))

	switch r.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: feed %v at %v", ErrNotFound, id, ts)
	default:
		return nil, fmt.Errorf("%w: invalid benchmarks answer: %v %s",
			ErrTransport, r.StatusCode, body)
	}

	update, err := parseUpdate(body, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return update, nil
}

// parseUpdate extracts the update of the requested feed.  Numeric fields may
// be JSON strings.  The combined binary blob is assumed to belong to the
// requested feed since exactly one feed is requested at a time.
func parseUpdate(body []byte, id backend.FeedID) (*backend.PriceFeedUpdate, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json")
	}
	res := gjson.ParseBytes(body)

	p := res.Get("parsed.0")
	if !p.Exists() {
		return nil, errors.New("no parsed update")
	}
	got, err := backend.ParseFeedID(p.Get("id").String())
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, fmt.Errorf("requested feed %v got %v", id, got)
	}

	data := res.Get("binary.data.0")
	if !data.Exists() {
		return nil, errors.New("no binary update data")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(data.String(), "0x"))
	if err != nil {
		return nil, fmt.Errorf("binary update data: %v", err)
	}

	for _, field := range []string{"price.price", "price.publish_time",
		"ema_price.price"} {
		if !p.Get(field).Exists() {
			return nil, fmt.Errorf("missing %v", field)
		}
	}

	expo, emaExpo := p.Get("price.expo").Int(), p.Get("ema_price.expo").Int()
	if expo < math.MinInt32 || expo > math.MaxInt32 ||
		emaExpo < math.MinInt32 || emaExpo > math.MaxInt32 {
		return nil, fmt.Errorf("exponent out of range: %v %v", expo,
			emaExpo)
	}
	if pt := p.Get("price.publish_time").Int(); pt <= 0 {
		return nil, fmt.Errorf("invalid publish time: %v", pt)
	}

	u := &backend.PriceFeedUpdate{
		FeedID: id,
		Price: backend.PriceUpdate{
			Price:       p.Get("price.price").Int(),
			Confidence:  p.Get("price.conf").Uint(),
			Exponent:    int32(expo),
			PublishTime: p.Get("price.publish_time").Int(),
		},
		EmaPrice: backend.EmaUpdate{
			Price:       p.Get("ema_price.price").Int(),
			Confidence:  p.Get("ema_price.conf").Uint(),
			Exponent:    int32(emaExpo),
			PublishTime: p.Get("ema_price.publish_time").Int(),
		},
		RawUpdateData: raw,
		Slot:          p.Get("metadata.slot").Uint(),
	}
	if prev := p.Get("metadata.prev_publish_time"); prev.Exists() &&
		prev.Type != gjson.Null {
		v := prev.Int()
		u.PrevPublishTime = &v
	}

	return u, nil
}
