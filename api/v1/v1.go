// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
)

type ResultT int

const (
	APIVersion = 1

	ResultOK                  ResultT = 0
	ResultInvalid             ResultT = 1
	ResultUnknownFeed         ResultT = 2
	ResultNoFreshUpdate       ResultT = 3
	ResultAmbiguous           ResultT = 4
	ResultFallbackUnavailable ResultT = 5
	ResultRejected            ResultT = 6

	DefaultMainnetPricePort = "49160"
	DefaultTestnetPricePort = "59160"

	// MaxUpdatePayloads is the number of payloads accepted per
	// submission.
	MaxUpdatePayloads = 256
)

var (
	// Result is a human readable map of the result codes.
	Result = map[ResultT]string{
		ResultOK:                  "OK",
		ResultInvalid:             "Invalid request",
		ResultUnknownFeed:         "Unknown price feed",
		ResultNoFreshUpdate:       "No fresh update",
		ResultAmbiguous:           "Ambiguous historical result",
		ResultFallbackUnavailable: "Historical service unavailable",
		ResultRejected:            "Payload rejected",
	}

	RoutePrefix           = "/api"
	LatestPriceFeedsRoute = RoutePrefix + "/latest_price_feeds"
	GetPriceFeedRoute     = RoutePrefix + "/get_price_feed"
	PriceFeedIDsRoute     = RoutePrefix + "/price_feed_ids"
	UpdatesRoute          = RoutePrefix + "/updates"
	MetricsRoute          = "/metrics"

	// Query parameters.
	QueryIDs         = "ids[]"
	QueryID          = "id"
	QueryPublishTime = "publish_time"
	QueryBinary      = "binary"
	QueryStrict      = "strict"

	// Feed id is 32 bytes of hex with an optional 0x prefix.
	RegexpFeedID = regexp.MustCompile("^(0x)?[A-Fa-f0-9]{64}$")

	// Valid timestamp is 10 digits.
	RegexpTimestamp = regexp.MustCompile("^[0-9]{10}$")
)

// String returns the human readable form of a result code.
func (r ResultT) String() string {
	if s, ok := Result[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown result %d", int(r))
}

// Price is a price with its confidence interval.  Integer amounts are
// rendered as strings since they may not fit a JSON number.
type Price struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// PriceFeedMetadata describes where an update came from.
type PriceFeedMetadata struct {
	Slot            uint64 `json:"slot,omitempty"`
	PrevPublishTime *int64 `json:"prev_publish_time"`
	Source          string `json:"source"` // "local" or "benchmarks"
}

// PriceFeed is a single feed answer.  VAA holds the hex encoded raw update
// payload and is only set when binary data was requested.  A feed that could
// not be answered in best effort mode carries Result and Error instead of
// prices.
type PriceFeed struct {
	ID       string            `json:"id"`
	Price    *Price            `json:"price,omitempty"`
	EmaPrice *Price            `json:"ema_price,omitempty"`
	Metadata PriceFeedMetadata `json:"metadata"`
	VAA      string            `json:"vaa,omitempty"`
	Result   ResultT           `json:"result"`
	Error    string            `json:"error,omitempty"`
}

// LatestPriceFeedsReply is returned by LatestPriceFeedsRoute.
type LatestPriceFeedsReply struct {
	PriceFeeds []PriceFeed `json:"price_feeds"`
}

// GetPriceFeedReply is returned by GetPriceFeedRoute.  UpdateData holds the
// hex encoded payloads that prove the returned feed.
type GetPriceFeedReply struct {
	PriceFeed  PriceFeed `json:"price_feed"`
	UpdateData []string  `json:"update_data,omitempty"`
}

// PriceFeedIDsReply is returned by PriceFeedIDsRoute.
type PriceFeedIDsReply struct {
	IDs []string `json:"ids"`
}

// Updates is the body of a submission to UpdatesRoute.  Every payload is hex
// encoded.
type Updates struct {
	ID       string   `json:"id"` // Client identifier
	Payloads []string `json:"payloads"`
}

// UpdateOutcome is the store outcome of a single accepted update.
type UpdateOutcome struct {
	ID          string `json:"id"`
	PublishTime int64  `json:"publish_time"`
	Outcome     string `json:"outcome"`
}

// UpdateResult is the result of a single submitted payload.
type UpdateResult struct {
	Format     string          `json:"format,omitempty"`
	Result     ResultT         `json:"result"`
	Error      string          `json:"error,omitempty"`
	Outcomes   []UpdateOutcome `json:"outcomes,omitempty"`
	Errors     []string        `json:"errors,omitempty"` // Rejected updates
	Governance string          `json:"governance,omitempty"`
}

// UpdatesReply is returned by UpdatesRoute.  Results are in payload order.
type UpdatesReply struct {
	ID      string         `json:"id"`
	Results []UpdateResult `json:"results"`
}

// ErrorReply is returned on every non 200 answer.
type ErrorReply struct {
	Error string `json:"error"`
}
