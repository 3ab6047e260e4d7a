// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package codec decodes and verifies raw attestation payloads.
//
// Three payload formats are understood: batch attestations, accumulator
// updates that carry a Merkle proof per feed and governance messages.  Price
// payloads are turned into backend.PriceFeedUpdate records; governance
// messages are returned as a verified governance.Upgrade for the caller to
// apply.  Decoding never mutates any state.
package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/governance"
)

// Format is the closed set of payload formats.
type Format int

const (
	FormatUnknown Format = iota
	FormatBatch
	FormatAccumulator
	FormatGovernance
)

var formats = map[Format]string{
	FormatUnknown:     "unknown",
	FormatBatch:       "batch",
	FormatAccumulator: "accumulator",
	FormatGovernance:  "governance",
}

// String returns the human readable format.
func (f Format) String() string {
	if s, ok := formats[f]; ok {
		return s
	}
	return formats[FormatUnknown]
}

// Payload magics.
var (
	magicAccumulator      = []byte("PNAU")
	magicBatch            = []byte("P2WH")
	magicPythGovernance   = []byte("PTGM")
	magicAccumulatorRoot  = []byte("AUWV")
	coreGovernanceModule  = append(make([]byte, 28), []byte("Core")...)
	pythGovernanceModule  = uint8(1)
	accumulatorUpdateType = uint8(0)
)

// Decoded is the result of a successful decode.  Exactly one of Updates or
// Upgrade is populated, depending on Format.
type Decoded struct {
	Format  Format
	Updates []*backend.PriceFeedUpdate
	Errors  []*UpdateError      // Rejected updates, siblings are unaffected
	Upgrade *governance.Upgrade // Set for FormatGovernance
}

// Config is the codec configuration.  Zero fields take defaults.
type Config struct {
	Verifier Verifier
	Quorum   Quorum
	Now      func() time.Time // Used to check guardian set expiry
}

// Codec decodes and verifies payloads.  It is safe for concurrent use.
type Codec struct {
	verifier Verifier
	quorum   Quorum
	now      func() time.Time
}

// New returns a codec.
func New(cfg Config) (*Codec, error) {
	c := &Codec{
		verifier: cfg.Verifier,
		quorum:   cfg.Quorum,
		now:      cfg.Now,
	}
	if c.verifier == nil {
		c.verifier = ECDSAVerifier{}
	}
	if c.quorum == (Quorum{}) {
		c.quorum = DefaultQuorum
	}
	if err := c.quorum.Validate(); err != nil {
		return nil, err
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Detect returns the format of the payload.  The attestation envelope is
// returned for formats that are one.
func Detect(raw []byte) (Format, *VAA, error) {
	if bytes.HasPrefix(raw, magicAccumulator) {
		return FormatAccumulator, nil, nil
	}
	if len(raw) == 0 || raw[0] != VAAVersion {
		return FormatUnknown, nil, unsupported("unknown payload format")
	}

	v, err := ParseVAA(raw)
	if err != nil {
		return FormatUnknown, nil, err
	}
	switch {
	case bytes.HasPrefix(v.Payload, magicBatch):
		return FormatBatch, v, nil
	case bytes.HasPrefix(v.Payload, magicPythGovernance):
		return FormatGovernance, v, nil
	case bytes.HasPrefix(v.Payload, coreGovernanceModule):
		return FormatGovernance, v, nil
	}
	return FormatUnknown, nil, unsupported("unknown attestation payload")
}

// DecodeAndVerify decodes raw and verifies it against the governance state.
// An error is returned when the payload as a whole is rejected.  Individual
// updates that fail are reported in Decoded.Errors.
func (c *Codec) DecodeAndVerify(raw []byte, gov *governance.State) (*Decoded, error) {
	format, v, err := Detect(raw)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatBatch:
		if err := c.verifyPriceVAA(v, gov); err != nil {
			return nil, err
		}
		return decodeBatch(v, raw)

	case FormatAccumulator:
		return c.decodeAccumulator(raw, gov)

	case FormatGovernance:
		if err := c.verifyVAA(v, gov); err != nil {
			return nil, err
		}
		u, err := c.decodeGovernance(v, gov)
		if err != nil {
			return nil, err
		}
		return &Decoded{Format: FormatGovernance, Upgrade: u}, nil
	}

	// Not reached, Detect only returns known formats without error.
	return nil, unsupported("format %v", format)
}

// verifyPriceVAA verifies an attestation that carries prices.
func (c *Codec) verifyPriceVAA(v *VAA, gov *governance.State) error {
	if err := c.verifyVAA(v, gov); err != nil {
		return err
	}
	if !gov.IsDataSource(v.Emitter()) {
		return fmt.Errorf("%w: data source %v", ErrUnauthorizedSource,
			v.Emitter())
	}
	return nil
}
