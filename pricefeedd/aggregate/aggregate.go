// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package aggregate ties the codec, the store and the benchmarks fallback
// together.  Payloads are decoded and verified, their updates inserted per
// feed, and queries are answered from the store first and from the fallback
// service when local history does not cover them.
package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/benchmarks"
	"github.com/decred/pricefeed/pricefeedd/codec"
	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of payloads decoded at once by IngestAll.
const DefaultConcurrency = 8

// Query errors.
var (
	ErrUnknownFeedID             = errors.New("unknown feed id")
	ErrNoFreshUpdate             = errors.New("no fresh update")
	ErrAmbiguousHistoricalResult = errors.New("ambiguous historical result")
	ErrFallbackUnavailable       = errors.New("fallback unavailable")
)

// Mode selects how a multi feed query treats feeds without an answer.
type Mode int

const (
	// Strict fails the whole query on the first feed without an answer.
	Strict Mode = iota

	// BestEffort returns partial results with a per feed error.
	BestEffort
)

// Source labels where a result came from.  Benchmarks results are only
// authenticated by that service.
type Source int

const (
	SourceLocal Source = iota
	SourceBenchmarks
)

var sources = map[Source]string{
	SourceLocal:      "local",
	SourceBenchmarks: "benchmarks",
}

// String returns the human readable source.
func (s Source) String() string {
	if v, ok := sources[s]; ok {
		return v
	}
	return "unknown"
}

// MarshalText encodes the source as its name.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Fallback is a historical price service.  benchmarks.Client satisfies it.
type Fallback interface {
	Fetch(ctx context.Context, id backend.FeedID, ts int64) (*backend.PriceFeedUpdate, error)
}

// UpdateOutcome is the store outcome of a single decoded update.
type UpdateOutcome struct {
	FeedID      backend.FeedID
	PublishTime int64
	Outcome     backend.InsertOutcome
}

// IngestReport describes what happened to a payload.
type IngestReport struct {
	Format     codec.Format
	Outcomes   []UpdateOutcome
	Errors     []*codec.UpdateError // Updates rejected by the codec
	Governance *governance.Upgrade  // Applied governance action
}

// Err returns the rejected updates as a single error, or nil.
func (r *IngestReport) Err() error {
	var err *multierror.Error
	for _, e := range r.Errors {
		err = multierror.Append(err, e)
	}
	return err.ErrorOrNil()
}

// PayloadError is the rejection of one payload of an IngestAll call.
type PayloadError struct {
	Index int
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload %v: %v", e.Index, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// FeedResult is the answer for a single feed.  Exactly one of Update or Err
// is set.
type FeedResult struct {
	ID     backend.FeedID
	Update *backend.PriceFeedUpdate
	Source Source
	Err    error
}

// PriceFeedsWithUpdateData is the answer to a historical query.  UpdateData
// holds the distinct raw payloads of the results in order of first use.
type PriceFeedsWithUpdateData struct {
	PriceFeeds []FeedResult
	UpdateData [][]byte
}

// Config is the engine configuration.
type Config struct {
	Backend     backend.Backend
	Codec       *codec.Codec
	Governance  *governance.State
	Fallback    Fallback              // Optional
	Universe    []backend.FeedID      // Feeds that are known before any update
	Concurrency int                   // IngestAll decode concurrency
	Registerer  prometheus.Registerer // Optional
	Now         func() time.Time
}

// Engine is the aggregation engine.  It is safe for concurrent use.
type Engine struct {
	backend     backend.Backend
	codec       *codec.Codec
	gov         *governance.State
	fallback    Fallback
	universe    map[backend.FeedID]struct{} // Read only after New
	concurrency int
	metrics     *metrics
	now         func() time.Time
}

// New returns an aggregation engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil || cfg.Codec == nil || cfg.Governance == nil {
		return nil, errors.New("backend, codec and governance are required")
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		backend:     cfg.Backend,
		codec:       cfg.Codec,
		gov:         cfg.Governance,
		fallback:    cfg.Fallback,
		universe:    make(map[backend.FeedID]struct{}, len(cfg.Universe)),
		concurrency: cfg.Concurrency,
		metrics:     m,
		now:         cfg.Now,
	}
	for _, id := range cfg.Universe {
		e.universe[id] = struct{}{}
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Ingest decodes, verifies and stores a single payload.  An error is
// returned only when the payload as a whole is rejected; rejected updates
// are listed in the report.
func (e *Engine) Ingest(raw []byte) (*IngestReport, error) {
	d, err := e.codec.DecodeAndVerify(raw, e.gov)
	if err != nil {
		format, _, _ := codec.Detect(raw)
		e.metrics.payloads.WithLabelValues(format.String(),
			"rejected").Inc()
		log.Debugf("Ingest rejected %v payload: %v", format, err)
		return nil, err
	}
	return e.apply(d)
}

// apply stores the result of a decode.
func (e *Engine) apply(d *codec.Decoded) (*IngestReport, error) {
	report := &IngestReport{
		Format:   d.Format,
		Outcomes: make([]UpdateOutcome, 0, len(d.Updates)),
		Errors:   d.Errors,
	}

	if d.Upgrade != nil {
		if err := e.gov.ApplyUpgrade(d.Upgrade, e.now()); err != nil {
			e.metrics.payloads.WithLabelValues(d.Format.String(),
				"rejected").Inc()
			return nil, err
		}
		report.Governance = d.Upgrade
	}

	for _, u := range d.Updates {
		o := e.backend.Insert(u)
		report.Outcomes = append(report.Outcomes, UpdateOutcome{
			FeedID:      u.FeedID,
			PublishTime: u.PublishTime(),
			Outcome:     o,
		})
		e.metrics.outcomes.WithLabelValues(o.String()).Inc()
	}
	if len(d.Errors) != 0 {
		e.metrics.outcomes.WithLabelValues("rejected").
			Add(float64(len(d.Errors)))
		log.Debugf("Ingest %v payload: %v", d.Format, report.Err())
	}

	e.metrics.payloads.WithLabelValues(d.Format.String(), "accepted").Inc()
	return report, nil
}

// IngestAll decodes the payloads concurrently and applies them in order.
// Once a governance action has been applied the remaining payloads are
// decoded again against the new state.  The returned reports line up with
// raws and are nil for rejected payloads, whose PayloadErrors are combined
// into the returned error.
func (e *Engine) IngestAll(ctx context.Context, raws [][]byte) ([]*IngestReport, error) {
	decoded := make([]*codec.Decoded, len(raws))
	errs := make([]error, len(raws))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range raws {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decoded[i], errs[i] = e.codec.DecodeAndVerify(raws[i], e.gov)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		reports = make([]*IngestReport, len(raws))
		result  *multierror.Error
		stale   bool
	)
	for i := range raws {
		var err error
		switch {
		case stale:
			reports[i], err = e.Ingest(raws[i])
		case errs[i] != nil:
			err = errs[i]
			format, _, _ := codec.Detect(raws[i])
			e.metrics.payloads.WithLabelValues(format.String(),
				"rejected").Inc()
		default:
			reports[i], err = e.apply(decoded[i])
		}
		if err != nil {
			result = multierror.Append(result,
				&PayloadError{Index: i, Err: err})
			continue
		}
		if reports[i].Governance != nil {
			stale = true
		}
	}

	return reports, result.ErrorOrNil()
}

// known reports whether the feed is in the universe or has ever been seen.
func (e *Engine) known(id backend.FeedID) bool {
	if _, ok := e.universe[id]; ok {
		return true
	}
	_, ok := e.backend.Latest(id)
	return ok
}

// checkKnown fails on the first id that is not known.
func (e *Engine) checkKnown(ids []backend.FeedID) error {
	for _, id := range ids {
		if !e.known(id) {
			return fmt.Errorf("%w: %v", ErrUnknownFeedID, id)
		}
	}
	return nil
}

// KnownFeeds returns the universe and every feed that has been seen.
func (e *Engine) KnownFeeds() []backend.FeedID {
	seen := make(map[backend.FeedID]struct{}, len(e.universe))
	ids := make([]backend.FeedID, 0, len(e.universe))
	for id := range e.universe {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range e.backend.FeedIDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// GetLatest returns the newest update of every feed.  Unknown feeds fail the
// call in either mode.
func (e *Engine) GetLatest(ids []backend.FeedID, mode Mode) ([]FeedResult, error) {
	defer e.observe("latest", time.Now())

	if err := e.checkKnown(ids); err != nil {
		return nil, err
	}

	results := make([]FeedResult, 0, len(ids))
	for _, id := range ids {
		u, ok := e.backend.Latest(id)
		if !ok {
			err := fmt.Errorf("%w: %v", ErrNoFreshUpdate, id)
			if mode == Strict {
				return nil, err
			}
			results = append(results, FeedResult{ID: id, Err: err})
			continue
		}
		results = append(results, FeedResult{
			ID:     id,
			Update: u,
			Source: SourceLocal,
		})
	}
	return results, nil
}

// GetFirstAfter returns, for every feed, the first update published at or
// after ts.  Feeds that local history cannot answer are fetched from the
// fallback service one feed per request.  No store lock is held while the
// fallback is consulted.
func (e *Engine) GetFirstAfter(ctx context.Context, ids []backend.FeedID, ts int64, mode Mode) (*PriceFeedsWithUpdateData, error) {
	defer e.observe("first_after", time.Now())

	if err := e.checkKnown(ids); err != nil {
		return nil, err
	}

	results := make([]FeedResult, len(ids))
	misses := make([]int, 0, len(ids))

	// Local updates that may not be the first are kept as candidates for
	// when the fallback has no better answer.
	candidates := make([]*backend.PriceFeedUpdate, len(ids))
	for i, id := range ids {
		u, ok := e.backend.FirstAtOrAfter(id, ts)
		if ok && firstAfter(u, ts) {
			results[i] = FeedResult{ID: id, Update: u, Source: SourceLocal}
			continue
		}
		if ok {
			candidates[i] = u
		}
		misses = append(misses, i)
	}

	if len(misses) != 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range misses {
			i := i
			g.Go(func() error {
				results[i] = e.fetch(gctx, ids[i], ts)
				err := results[i].Err
				if err == nil {
					return nil
				}
				if c := candidates[i]; c != nil &&
					errors.Is(err, ErrNoFreshUpdate) {
					results[i] = FeedResult{
						ID:     ids[i],
						Update: c,
						Source: SourceLocal,
					}
					return nil
				}
				// Infrastructure failures are never partial.
				if mode == Strict ||
					errors.Is(err, ErrFallbackUnavailable) ||
					errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	r := &PriceFeedsWithUpdateData{
		PriceFeeds: results,
		UpdateData: make([][]byte, 0, len(results)),
	}
	for _, f := range results {
		if f.Update == nil || len(f.Update.RawUpdateData) == 0 {
			continue
		}
		if !containsData(r.UpdateData, f.Update.RawUpdateData) {
			r.UpdateData = append(r.UpdateData,
				f.Update.RawUpdateData)
		}
	}
	return r, nil
}

// firstAfter reports whether a local update is provably the first at or
// after ts.  An update whose predecessor was also published at or after ts
// means that predecessor was never received.
func firstAfter(u *backend.PriceFeedUpdate, ts int64) bool {
	return u.PrevPublishTime == nil || *u.PrevPublishTime < ts
}

func containsData(data [][]byte, b []byte) bool {
	for _, d := range data {
		if bytes.Equal(d, b) {
			return true
		}
	}
	return false
}

// fetch asks the fallback service for a single feed.
func (e *Engine) fetch(ctx context.Context, id backend.FeedID, ts int64) FeedResult {
	r := FeedResult{ID: id, Source: SourceBenchmarks}
	if e.fallback == nil {
		r.Err = fmt.Errorf("%w: %v at %v", ErrNoFreshUpdate, id, ts)
		return r
	}

	u, err := e.fallback.Fetch(ctx, id, ts)
	switch {
	case err == nil:
	case errors.Is(err, benchmarks.ErrNotFound):
		e.metrics.fallback.WithLabelValues("not_found").Inc()
		r.Err = fmt.Errorf("%w: %v at %v", ErrNoFreshUpdate, id, ts)
		return r
	case errors.Is(err, context.Canceled):
		e.metrics.fallback.WithLabelValues("cancelled").Inc()
		r.Err = err
		return r
	default:
		e.metrics.fallback.WithLabelValues("unavailable").Inc()
		r.Err = fmt.Errorf("%w: %w", ErrFallbackUnavailable, err)
		return r
	}

	switch {
	case u.FeedID != id:
		e.metrics.fallback.WithLabelValues("invalid").Inc()
		r.Err = fmt.Errorf("%w: fallback answered feed %v for %v",
			ErrFallbackUnavailable, u.FeedID, id)
	case u.PrevPublishTime != nil && *u.PrevPublishTime == u.PublishTime():
		e.metrics.fallback.WithLabelValues("ambiguous").Inc()
		r.Err = fmt.Errorf("%w: %v at %v", ErrAmbiguousHistoricalResult,
			id, u.PublishTime())
	case u.PublishTime() < ts:
		e.metrics.fallback.WithLabelValues("stale").Inc()
		r.Err = fmt.Errorf("%w: %v fallback published at %v before %v",
			ErrNoFreshUpdate, id, u.PublishTime(), ts)
	default:
		e.metrics.fallback.WithLabelValues("ok").Inc()
		r.Update = u
	}
	return r
}

func (e *Engine) observe(query string, start time.Time) {
	e.metrics.queryLatency.WithLabelValues(query).
		Observe(time.Since(start).Seconds())
}
