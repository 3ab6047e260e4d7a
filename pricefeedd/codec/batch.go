// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"github.com/decred/pricefeed/pricefeedd/backend"
)

const (
	batchMajorVersion = 3
	batchPayloadID    = 2

	// attestationSize is the minimum size of a batch attestation.  Larger
	// attestations carry fields this decoder ignores.
	attestationSize = 32 + 32 + 8 + 8 + 4 + 8 + 8 + 1 + 4 + 4 + 8 + 8 + 8 +
		8 + 8
)

// PriceStatus is the trading status of a batch attestation.
type PriceStatus uint8

const (
	StatusUnknown PriceStatus = iota
	StatusTrading
	StatusHalted
	StatusAuction
	StatusIgnored
)

// BatchAttestation is a single feed snapshot of a batch payload.
type BatchAttestation struct {
	ProductID        [32]byte
	PriceID          backend.FeedID
	Price            int64
	Confidence       uint64
	Exponent         int32
	EmaPrice         int64
	EmaConfidence    uint64
	Status           PriceStatus
	NumPublishers    uint32
	MaxNumPublishers uint32
	AttestationTime  int64
	PublishTime      int64
	PrevPublishTime  int64
	PrevPrice        int64
	PrevConfidence   uint64
}

func parseAttestation(b []byte) (*BatchAttestation, error) {
	r := newReader(b)
	var a BatchAttestation
	copy(a.ProductID[:], r.take(32))
	copy(a.PriceID[:], r.take(backend.FeedIDSize))
	a.Price = r.i64()
	a.Confidence = r.u64()
	a.Exponent = r.i32()
	a.EmaPrice = r.i64()
	a.EmaConfidence = r.u64()
	a.Status = PriceStatus(r.u8())
	a.NumPublishers = r.u32()
	a.MaxNumPublishers = r.u32()
	a.AttestationTime = r.i64()
	a.PublishTime = r.i64()
	a.PrevPublishTime = r.i64()
	a.PrevPrice = r.i64()
	a.PrevConfidence = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	return &a, nil
}

// update converts the attestation into a price feed update.  A feed that is
// not trading reports its last trading price.
func (a *BatchAttestation) update() (*backend.PriceFeedUpdate, error) {
	if a.Status > StatusIgnored {
		return nil, malformed("unknown price status %v", a.Status)
	}

	price, conf, ts := a.Price, a.Confidence, a.PublishTime
	var prev *int64
	if a.Status == StatusTrading {
		p := a.PrevPublishTime
		prev = &p
	} else {
		price, conf, ts = a.PrevPrice, a.PrevConfidence, a.PrevPublishTime
	}
	if ts <= 0 {
		return nil, malformed("invalid publish time %v", ts)
	}

	return &backend.PriceFeedUpdate{
		FeedID: a.PriceID,
		Price: backend.PriceUpdate{
			Price:       price,
			Confidence:  conf,
			Exponent:    a.Exponent,
			PublishTime: ts,
		},
		EmaPrice: backend.EmaUpdate{
			Price:       a.EmaPrice,
			Confidence:  a.EmaConfidence,
			Exponent:    a.Exponent,
			PublishTime: ts,
		},
		PrevPublishTime: prev,
	}, nil
}

// decodeBatch decodes the payload of a verified batch attestation.  Every
// update carries the complete attestation as its raw update data.
func decodeBatch(v *VAA, raw []byte) (*Decoded, error) {
	r := newReader(v.Payload)
	r.take(len(magicBatch))
	major := r.u16()
	minor := r.u16()
	hdr := r.take(int(r.u16()))
	if r.err != nil {
		return nil, r.err
	}
	if major != batchMajorVersion {
		return nil, unsupported("batch version %v.%v", major, minor)
	}
	if len(hdr) == 0 || hdr[0] != batchPayloadID {
		return nil, malformed("batch payload id")
	}

	n := int(r.u16())
	size := int(r.u16())
	if r.err != nil {
		return nil, r.err
	}
	if size < attestationSize {
		return nil, malformed("attestation size %v", size)
	}

	d := &Decoded{
		Format:  FormatBatch,
		Updates: make([]*backend.PriceFeedUpdate, 0, n),
	}
	for i := 0; i < n; i++ {
		b := r.take(size)
		if r.err != nil {
			// The rest of the payload is missing.
			d.Errors = append(d.Errors, &UpdateError{
				Index: i,
				Err:   r.err,
			})
			break
		}
		a, err := parseAttestation(b)
		if err != nil {
			d.Errors = append(d.Errors, &UpdateError{
				Index: i,
				Err:   err,
			})
			continue
		}
		u, err := a.update()
		if err != nil {
			id := a.PriceID
			d.Errors = append(d.Errors, &UpdateError{
				Index:  i,
				FeedID: &id,
				Err:    err,
			})
			continue
		}
		u.RawUpdateData = raw
		u.Slot = v.Sequence
		d.Updates = append(d.Updates, u)
	}

	log.Tracef("decodeBatch: sequence %v updates %v errors %v",
		v.Sequence, len(d.Updates), len(d.Errors))

	return d, nil
}
