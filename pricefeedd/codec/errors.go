// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"errors"
	"fmt"

	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/governance"
)

// Codec error kinds.  Returned errors wrap one of these and are matched with
// errors.Is.
var (
	ErrMalformedPayload         = errors.New("malformed payload")
	ErrSignatureQuorumNotMet    = errors.New("signature quorum not met")
	ErrProofVerificationFailed  = errors.New("proof verification failed")
	ErrUnsupportedFormatVersion = errors.New("unsupported format version")

	// ErrUnauthorizedSource is the governance error so that callers can
	// match either package's value.
	ErrUnauthorizedSource = governance.ErrUnauthorizedSource
)

// UpdateError is the failure of a single update of a multi update payload.
// Sibling updates are unaffected.
type UpdateError struct {
	Index  int             // Position of the update in the payload
	FeedID *backend.FeedID // Nil when the feed could not be decoded
	Err    error
}

// Error satisfies the error interface.
func (e *UpdateError) Error() string {
	if e.FeedID == nil {
		return fmt.Sprintf("update %v: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("update %v feed %v: %v", e.Index, *e.FeedID, e.Err)
}

// Unwrap returns the underlying error kind.
func (e *UpdateError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrMalformedPayload,
		fmt.Sprintf(format, args...))
}

func unsupported(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrUnsupportedFormatVersion,
		fmt.Sprintf(format, args...))
}
