// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"github.com/decred/pricefeed/merkle"
	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/governance"
)

const (
	accumulatorMajorVersion = 1

	// MessagePriceFeed is the accumulator message type of a price update.
	MessagePriceFeed = 0

	priceMessageSize = 1 + backend.FeedIDSize + 8 + 8 + 4 + 8 + 8 + 8 + 8
)

// MerkleRoot is the signed accumulator root.
type MerkleRoot struct {
	Slot     uint64
	RingSize uint32
	Root     merkle.Hash
}

func parseMerkleRoot(payload []byte) (*MerkleRoot, error) {
	r := newReader(payload)
	magic := r.take(len(magicAccumulatorRoot))
	updateType := r.u8()
	var m MerkleRoot
	m.Slot = r.u64()
	m.RingSize = r.u32()
	copy(m.Root[:], r.take(merkle.HashSize))
	if r.err != nil {
		return nil, r.err
	}
	if string(magic) != string(magicAccumulatorRoot) {
		return nil, unsupported("accumulator root magic %x", magic)
	}
	if updateType != accumulatorUpdateType {
		return nil, unsupported("accumulator root type %v", updateType)
	}
	return &m, nil
}

// parsePriceMessage decodes an accumulator price message.
func parsePriceMessage(msg []byte) (*backend.PriceFeedUpdate, error) {
	r := newReader(msg)
	if t := r.u8(); r.err == nil && t != MessagePriceFeed {
		return nil, unsupported("message type %v", t)
	}
	var u backend.PriceFeedUpdate
	copy(u.FeedID[:], r.take(backend.FeedIDSize))
	u.Price.Price = r.i64()
	u.Price.Confidence = r.u64()
	u.Price.Exponent = r.i32()
	u.Price.PublishTime = r.i64()
	prev := r.i64()
	u.EmaPrice.Price = r.i64()
	u.EmaPrice.Confidence = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	if u.Price.PublishTime <= 0 {
		return nil, malformed("invalid publish time %v",
			u.Price.PublishTime)
	}
	u.EmaPrice.Exponent = u.Price.Exponent
	u.EmaPrice.PublishTime = u.Price.PublishTime
	u.PrevPublishTime = &prev
	return &u, nil
}

// decodeAccumulator decodes and verifies an accumulator payload.  The signed
// root must meet quorum; each update is then checked against it on its own.
// Every update carries a single update payload as raw update data.
func (c *Codec) decodeAccumulator(raw []byte, gov *governance.State) (*Decoded, error) {
	r := newReader(raw)
	r.take(len(magicAccumulator))
	major := r.u8()
	minor := r.u8()
	r.take(int(r.u8())) // Trailing header
	updateType := r.u8()
	if r.err != nil {
		return nil, r.err
	}
	if major != accumulatorMajorVersion {
		return nil, unsupported("accumulator version %v.%v", major,
			minor)
	}
	if updateType != accumulatorUpdateType {
		return nil, unsupported("accumulator update type %v",
			updateType)
	}
	vaa := r.take(int(r.u16()))
	if r.err != nil {
		return nil, r.err
	}
	prefix := raw[:r.off]

	v, err := ParseVAA(vaa)
	if err != nil {
		return nil, err
	}
	if err := c.verifyPriceVAA(v, gov); err != nil {
		return nil, err
	}
	root, err := parseMerkleRoot(v.Payload)
	if err != nil {
		return nil, err
	}

	n := int(r.u8())
	if r.err != nil {
		return nil, r.err
	}
	d := &Decoded{
		Format:  FormatAccumulator,
		Updates: make([]*backend.PriceFeedUpdate, 0, n),
	}
	for i := 0; i < n; i++ {
		start := r.off
		msg := r.take(int(r.u16()))
		nodes := r.take(int(r.u8()) * merkle.HashSize)
		if r.err != nil {
			d.Errors = append(d.Errors, &UpdateError{
				Index: i,
				Err:   r.err,
			})
			break
		}
		entry := raw[start:r.off]

		u, err := parsePriceMessage(msg)
		if err != nil {
			d.Errors = append(d.Errors, &UpdateError{
				Index: i,
				Err:   err,
			})
			continue
		}

		proof := make([]merkle.Hash, len(nodes)/merkle.HashSize)
		for j := range proof {
			copy(proof[j][:], nodes[j*merkle.HashSize:])
		}
		if !merkle.VerifyAuthPath(root.Root, merkle.LeafHash(msg), proof) {
			id := u.FeedID
			d.Errors = append(d.Errors, &UpdateError{
				Index:  i,
				FeedID: &id,
				Err:    ErrProofVerificationFailed,
			})
			continue
		}

		single := make([]byte, 0, len(prefix)+1+len(entry))
		single = append(single, prefix...)
		single = append(single, 1)
		single = append(single, entry...)
		u.RawUpdateData = single
		u.Slot = root.Slot
		d.Updates = append(d.Updates, u)
	}

	log.Tracef("decodeAccumulator: slot %v updates %v errors %v",
		root.Slot, len(d.Updates), len(d.Errors))

	return d, nil
}
