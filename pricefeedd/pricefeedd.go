// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	v1 "github.com/decred/pricefeed/api/v1"
	"github.com/decred/pricefeed/pricefeedd/aggregate"
	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/backend/memory"
	"github.com/decred/pricefeed/pricefeedd/benchmarks"
	"github.com/decred/pricefeed/pricefeedd/codec"
	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/decred/pricefeed/pricefeedd/ingest"
	"github.com/decred/pricefeed/util"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	// maxUpdatesBody bounds the size of a submission.
	maxUpdatesBody = 16 << 20

	shutdownTimeout = 5 * time.Second
)

// PriceFeedServer application context.
type PriceFeedServer struct {
	engine   *aggregate.Engine
	router   *mux.Router
	registry *prometheus.Registry
}

// newPriceFeedServer returns a server answering from the provided engine.
// The registry is exposed on the metrics route.
func newPriceFeedServer(engine *aggregate.Engine, registry *prometheus.Registry) *PriceFeedServer {
	p := &PriceFeedServer{
		engine:   engine,
		router:   mux.NewRouter(),
		registry: registry,
	}

	p.router.HandleFunc(v1.LatestPriceFeedsRoute,
		p.latestPriceFeeds).Methods("GET")
	p.router.HandleFunc(v1.GetPriceFeedRoute,
		p.getPriceFeed).Methods("GET")
	p.router.HandleFunc(v1.PriceFeedIDsRoute,
		p.priceFeedIDs).Methods("GET")
	p.router.HandleFunc(v1.UpdatesRoute,
		p.updates).Methods("POST")
	p.router.Handle(v1.MetricsRoute,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).
		Methods("GET")

	return p
}

// handler returns the router wrapped in the logging, proxy and compression
// middleware.
func (p *PriceFeedServer) handler() http.Handler {
	logged := handlers.CustomLoggingHandler(io.Discard, p.router,
		func(_ io.Writer, params handlers.LogFormatterParams) {
			log.Debugf("%v %v %v %v %v", params.Request.RemoteAddr,
				params.Request.Method, params.URL.RequestURI(),
				params.StatusCode, params.Size)
		})
	return handlers.CompressHandler(handlers.ProxyHeaders(logged))
}

// respondWithServerError logs the error with a unique code and returns that
// code to the client.
func respondWithServerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	errorCode := time.Now().Unix()
	log.Errorf("%v %v error code %v: %v", r.RemoteAddr, op, errorCode, err)
	util.RespondWithError(w, http.StatusInternalServerError,
		fmt.Sprintf("Server error code %v", errorCode))
}

// resultFromError maps an engine error to a result code and HTTP status.  A
// zero status means the error is not a query outcome.
func resultFromError(err error) (v1.ResultT, int) {
	switch {
	case errors.Is(err, aggregate.ErrUnknownFeedID):
		return v1.ResultUnknownFeed, http.StatusNotFound
	case errors.Is(err, aggregate.ErrAmbiguousHistoricalResult):
		return v1.ResultAmbiguous, http.StatusNotFound
	case errors.Is(err, aggregate.ErrNoFreshUpdate):
		return v1.ResultNoFreshUpdate, http.StatusNotFound
	case errors.Is(err, aggregate.ErrFallbackUnavailable):
		return v1.ResultFallbackUnavailable, http.StatusServiceUnavailable
	}
	return v1.ResultInvalid, 0
}

// respondWithEngineError answers a failed query.
func respondWithEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debugf("%v %v: %v", r.RemoteAddr, op, err)
		return
	}
	result, status := resultFromError(err)
	if status == 0 {
		respondWithServerError(w, r, op, err)
		return
	}
	log.Debugf("%v %v: %v", r.RemoteAddr, op, err)
	util.RespondWithError(w, status,
		fmt.Sprintf("%v: %v", result, err))
}

func convertPrice(p backend.PriceUpdate) *v1.Price {
	return &v1.Price{
		Price:       strconv.FormatInt(p.Price, 10),
		Conf:        strconv.FormatUint(p.Confidence, 10),
		Expo:        p.Exponent,
		PublishTime: p.PublishTime,
	}
}

// convertFeed converts an engine result to its wire form.
func convertFeed(r aggregate.FeedResult, binary bool) v1.PriceFeed {
	f := v1.PriceFeed{
		ID: r.ID.String(),
	}
	if r.Err != nil {
		f.Result, _ = resultFromError(r.Err)
		f.Error = r.Err.Error()
		return f
	}

	u := r.Update
	f.Price = convertPrice(u.Price)
	f.EmaPrice = convertPrice(backend.PriceUpdate(u.EmaPrice))
	f.Metadata = v1.PriceFeedMetadata{
		Slot:            u.Slot,
		PrevPublishTime: u.PrevPublishTime,
		Source:          r.Source.String(),
	}
	if binary {
		f.VAA = hex.EncodeToString(u.RawUpdateData)
	}
	return f
}

// parseBool parses an optional boolean query parameter.
func parseBool(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %v: %q", name, s)
	}
	return b, nil
}

// parseFeedID validates and converts a feed id parameter.
func parseFeedID(s string) (backend.FeedID, error) {
	if !v1.RegexpFeedID.MatchString(s) {
		return backend.FeedID{}, fmt.Errorf("invalid feed id: %q", s)
	}
	return backend.ParseFeedID(s)
}

func (p *PriceFeedServer) latestPriceFeeds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := append(q[v1.QueryIDs], q["ids"]...)
	if len(raw) == 0 {
		util.RespondWithError(w, http.StatusBadRequest,
			"no price feed ids provided")
		return
	}
	ids := make([]backend.FeedID, 0, len(raw))
	for _, s := range raw {
		id, err := parseFeedID(s)
		if err != nil {
			util.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		ids = append(ids, id)
	}
	binary, err := parseBool(r, v1.QueryBinary)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	strict, err := parseBool(r, v1.QueryStrict)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := aggregate.BestEffort
	if strict {
		mode = aggregate.Strict
	}

	results, err := p.engine.GetLatest(ids, mode)
	if err != nil {
		respondWithEngineError(w, r, "latestPriceFeeds", err)
		return
	}

	reply := v1.LatestPriceFeedsReply{
		PriceFeeds: make([]v1.PriceFeed, 0, len(results)),
	}
	for _, res := range results {
		reply.PriceFeeds = append(reply.PriceFeeds,
			convertFeed(res, binary))
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func (p *PriceFeedServer) getPriceFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := parseFeedID(q.Get(v1.QueryID))
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	pt := q.Get(v1.QueryPublishTime)
	if !v1.RegexpTimestamp.MatchString(pt) {
		util.RespondWithError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid %v: %q", v1.QueryPublishTime, pt))
		return
	}
	ts, err := strconv.ParseInt(pt, 10, 64)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	binary, err := parseBool(r, v1.QueryBinary)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := p.engine.GetFirstAfter(r.Context(), []backend.FeedID{id},
		ts, aggregate.Strict)
	if err != nil {
		respondWithEngineError(w, r, "getPriceFeed", err)
		return
	}

	reply := v1.GetPriceFeedReply{
		PriceFeed: convertFeed(res.PriceFeeds[0], binary),
	}
	if binary {
		for _, d := range res.UpdateData {
			reply.UpdateData = append(reply.UpdateData,
				hex.EncodeToString(d))
		}
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func (p *PriceFeedServer) priceFeedIDs(w http.ResponseWriter, r *http.Request) {
	ids := p.engine.KnownFeeds()
	reply := v1.PriceFeedIDsReply{
		IDs: make([]string, 0, len(ids)),
	}
	for _, id := range ids {
		reply.IDs = append(reply.IDs, id.String())
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func (p *PriceFeedServer) updates(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdatesBody))
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Unable to read request")
		return
	}
	var u v1.Updates
	if err := json.Unmarshal(b, &u); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	if len(u.Payloads) == 0 || len(u.Payloads) > v1.MaxUpdatePayloads {
		util.RespondWithError(w, http.StatusBadRequest,
			fmt.Sprintf("payload count must be between 1 and %v",
				v1.MaxUpdatePayloads))
		return
	}
	raws := make([][]byte, 0, len(u.Payloads))
	for i, s := range u.Payloads {
		raw, err := hex.DecodeString(s)
		if err != nil {
			util.RespondWithError(w, http.StatusBadRequest,
				fmt.Sprintf("payload %v: invalid hex", i))
			return
		}
		raws = append(raws, raw)
	}

	reports, err := p.engine.IngestAll(r.Context(), raws)
	if reports == nil {
		respondWithEngineError(w, r, "updates", err)
		return
	}

	reply := v1.UpdatesReply{
		ID:      u.ID,
		Results: make([]v1.UpdateResult, len(reports)),
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			var pe *aggregate.PayloadError
			if !errors.As(e, &pe) {
				continue
			}
			reply.Results[pe.Index] = v1.UpdateResult{
				Result: v1.ResultRejected,
				Error:  pe.Err.Error(),
			}
		}
	}
	for i, report := range reports {
		if report == nil {
			continue
		}
		res := v1.UpdateResult{
			Format:   report.Format.String(),
			Result:   v1.ResultOK,
			Outcomes: make([]v1.UpdateOutcome, 0, len(report.Outcomes)),
		}
		for _, o := range report.Outcomes {
			res.Outcomes = append(res.Outcomes, v1.UpdateOutcome{
				ID:          o.FeedID.String(),
				PublishTime: o.PublishTime,
				Outcome:     o.Outcome.String(),
			})
		}
		for _, e := range report.Errors {
			res.Errors = append(res.Errors, e.Error())
		}
		if report.Governance != nil {
			res.Governance = report.Governance.Action.Type()
		}
		reply.Results[i] = res
	}

	log.Infof("Updates from %v: %v payloads", r.RemoteAddr, len(raws))
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func _main() error {
	// Parse the configuration file.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Home dir: %v", loadedCfg.HomeDir)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already
	// exist.
	if !loadedCfg.DisableTLS && !util.FileExists(loadedCfg.HTTPSKey) &&
		!util.FileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("pricefeedd", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	// Setup governance.
	genesis, err := loadedCfg.genesis()
	if err != nil {
		return err
	}
	journal, err := governance.OpenJournal(filepath.Join(loadedCfg.DataDir,
		defaultJournalDirname))
	if err != nil {
		return err
	}
	defer journal.Close()
	gov, err := governance.New(*genesis, journal)
	if err != nil {
		return err
	}
	gs, gsIndex := gov.CurrentGuardianSet()
	log.Infof("Guardian set %v: %v guardians", gsIndex, len(gs.Keys))

	// Setup backend.
	store, err := memory.New(memory.Policy{
		MaxUpdates: loadedCfg.MaxUpdates,
		MaxAge:     int64(loadedCfg.MaxAge / time.Second),
	}, loadedCfg.SweepSchedule)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := codec.New(codec.Config{
		Quorum: codec.Quorum{
			Num: loadedCfg.QuorumNumerator,
			Den: loadedCfg.QuorumDenominator,
		},
	})
	if err != nil {
		return err
	}

	universe, err := loadedCfg.universe()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engineCfg := aggregate.Config{
		Backend:     store,
		Codec:       c,
		Governance:  gov,
		Universe:    universe,
		Concurrency: loadedCfg.Concurrency,
		Registerer:  registry,
	}
	if loadedCfg.BenchmarksURL != "" {
		fallback, err := benchmarks.New(benchmarks.Config{
			URL:     loadedCfg.BenchmarksURL,
			Timeout: loadedCfg.BenchmarksTimeout,
			Rate:    rate.Limit(loadedCfg.BenchmarksRate),
			Burst:   loadedCfg.BenchmarksBurst,
		})
		if err != nil {
			return err
		}
		engineCfg.Fallback = fallback
		log.Infof("Benchmarks: %v", loadedCfg.BenchmarksURL)
	}
	engine, err := aggregate.New(engineCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup ingestion.
	ingestC := make(chan error, 1)
	if loadedCfg.IngestURL != "" {
		s, err := ingest.New(ingest.Config{
			URL: loadedCfg.IngestURL,
			Handler: func(raw []byte) error {
				_, err := engine.Ingest(raw)
				return err
			},
		})
		if err != nil {
			return err
		}
		go func() {
			ingestC <- s.Run(ctx)
		}()
		log.Infof("Ingest  : %v", loadedCfg.IngestURL)
	}

	// Setup mux
	p := newPriceFeedServer(engine, registry)

	// Bind to a port and pass our router in
	listenC := make(chan error, len(loadedCfg.Listeners))
	servers := make([]*http.Server, 0, len(loadedCfg.Listeners))
	for _, listener := range loadedCfg.Listeners {
		srv := &http.Server{
			Addr:              listener,
			Handler:           p.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			log.Infof("Listen: %v", srv.Addr)
			if loadedCfg.DisableTLS {
				listenC <- srv.ListenAndServe()
				return
			}
			listenC <- srv.ListenAndServeTLS(loadedCfg.HTTPSCert,
				loadedCfg.HTTPSKey)
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigs:
			log.Infof("Terminating with %v", sig)
			goto done
		case err := <-listenC:
			log.Errorf("%v", err)
			goto done
		case err := <-ingestC:
			log.Errorf("Ingest: %v", err)
			goto done
		}
	}
done:
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(),
		shutdownTimeout)
	defer scancel()
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf("Shutdown %v: %v", srv.Addr, err)
		}
	}

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
