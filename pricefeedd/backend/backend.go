// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// FeedIDSize is the size of a price feed identifier.
const FeedIDSize = 32

// InsertOutcome is the result of inserting a single update into a feed index.
type InsertOutcome int

const (
	// Inserted indicates the update was stored without becoming the
	// feed's newest update, or it is the first update of the feed.
	Inserted InsertOutcome = iota

	// Superseded indicates the update has a strictly newer publish time
	// than the previous latest update.  It was stored and is now the
	// latest.
	Superseded

	// Duplicate indicates an identical update already exists for the
	// publish time.  Nothing changed.
	Duplicate

	// Conflict indicates a different update already exists for the
	// publish time.  The original is retained.
	Conflict

	// Expired indicates the update is older than the retention horizon
	// and was not stored.
	Expired
)

var outcomes = map[InsertOutcome]string{
	Inserted:   "inserted",
	Superseded: "superseded",
	Duplicate:  "duplicate",
	Conflict:   "conflict",
	Expired:    "expired",
}

// String returns the human readable outcome.
func (o InsertOutcome) String() string {
	if s, ok := outcomes[o]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(o))
}

var (
	ErrInvalidFeedID = errors.New("invalid feed id")
)

// FeedID is an opaque price feed identifier.
type FeedID [FeedIDSize]byte

// String returns the hex encoding of the feed id without prefix.
func (f FeedID) String() string {
	return hex.EncodeToString(f[:])
}

// MarshalText encodes the feed id as hex.
func (f FeedID) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a hex feed id, with or without 0x prefix.
func (f *FeedID) UnmarshalText(text []byte) error {
	id, err := ParseFeedID(string(text))
	if err != nil {
		return err
	}
	*f = id
	return nil
}

// ParseFeedID converts a hex string, optionally 0x prefixed, to a FeedID.
func ParseFeedID(s string) (FeedID, error) {
	var id FeedID
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidFeedID, err)
	}
	if len(b) != FeedIDSize {
		return id, fmt.Errorf("%w: length %v", ErrInvalidFeedID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// PriceUpdate is a single price observation.  The value it describes is
// Price * 10^Exponent.
type PriceUpdate struct {
	Price       int64  `json:"price"`
	Confidence  uint64 `json:"conf"`
	Exponent    int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// EmaUpdate is the exponentially weighted moving average published alongside
// a PriceUpdate with the same publish time.
type EmaUpdate PriceUpdate

// PriceFeedUpdate is a verified update for one feed.  Records are immutable
// once inserted into a backend.
type PriceFeedUpdate struct {
	FeedID          FeedID      `json:"id"`
	Price           PriceUpdate `json:"price"`
	EmaPrice        EmaUpdate   `json:"ema_price"`
	PrevPublishTime *int64      `json:"prev_publish_time,omitempty"`
	RawUpdateData   []byte      `json:"-"`
	Slot            uint64      `json:"slot"`
}

// PublishTime returns the publish time of the update.
func (u *PriceFeedUpdate) PublishTime() int64 {
	return u.Price.PublishTime
}

// SameContent reports whether both updates describe the same observation.
// Raw update data and slot are ignored since the same observation can be
// delivered in more than one wire format.
func (u *PriceFeedUpdate) SameContent(o *PriceFeedUpdate) bool {
	return u.FeedID == o.FeedID && u.Price == o.Price &&
		u.EmaPrice == o.EmaPrice
}

// Copy returns a deep copy of the update.
func (u *PriceFeedUpdate) Copy() *PriceFeedUpdate {
	c := *u
	if u.PrevPublishTime != nil {
		pt := *u.PrevPublishTime
		c.PrevPublishTime = &pt
	}
	if u.RawUpdateData != nil {
		c.RawUpdateData = bytes.Clone(u.RawUpdateData)
	}
	return &c
}

// Backend is the time indexed store of verified updates.  Implementations
// must be safe for concurrent use.
type Backend interface {
	// Insert stores the update in its feed's index and reports what
	// happened.
	Insert(*PriceFeedUpdate) InsertOutcome

	// Latest returns the newest retained update of a feed.
	Latest(FeedID) (*PriceFeedUpdate, bool)

	// FirstAtOrAfter returns the retained update with the smallest
	// publish time that is greater than or equal to the provided
	// timestamp.
	FirstAtOrAfter(FeedID, int64) (*PriceFeedUpdate, bool)

	// FeedIDs returns all feeds that have at least one update.
	FeedIDs() []FeedID

	// Sweep applies the retention policy to every feed and returns the
	// number of evicted updates.
	Sweep() int

	// Close performs cleanup of the backend.
	Close()
}
