// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// VAAVersion is the only supported attestation envelope version.
	VAAVersion = 1

	// SignatureSize is the size of a recoverable secp256k1 signature.
	SignatureSize = 65

	vaaHeaderSize = 1 + 4 + 1
	vaaBodySize   = 4 + 4 + 2 + governance.AddressSize + 8 + 1
)

// Signature is a guardian signature over the attestation body.
type Signature struct {
	Index uint8 // Position of the guardian in its set
	Data  [SignatureSize]byte
}

// VAA is a signed attestation envelope.
type VAA struct {
	Version          uint8
	GuardianSetIndex uint32
	Signatures       []Signature

	Timestamp        uint32
	Nonce            uint32
	EmitterChain     uint16
	EmitterAddress   governance.Address
	Sequence         uint64
	ConsistencyLevel uint8
	Payload          []byte
}

// Emitter returns the data source that published the attestation.
func (v *VAA) Emitter() governance.DataSource {
	return governance.DataSource{
		EmitterChain:   v.EmitterChain,
		EmitterAddress: v.EmitterAddress,
	}
}

// Body returns the signed part of the attestation.
func (v *VAA) Body() []byte {
	b := make([]byte, vaaBodySize, vaaBodySize+len(v.Payload))
	binary.BigEndian.PutUint32(b[0:], v.Timestamp)
	binary.BigEndian.PutUint32(b[4:], v.Nonce)
	binary.BigEndian.PutUint16(b[8:], v.EmitterChain)
	copy(b[10:], v.EmitterAddress[:])
	binary.BigEndian.PutUint64(b[42:], v.Sequence)
	b[50] = v.ConsistencyLevel
	return append(b, v.Payload...)
}

// SigningDigest returns the digest the guardians sign, the double keccak256
// of the body.
func (v *VAA) SigningDigest() common.Hash {
	return crypto.Keccak256Hash(crypto.Keccak256(v.Body()))
}

// Serialize returns the wire encoding of the attestation.
func (v *VAA) Serialize() []byte {
	body := v.Body()
	b := make([]byte, 0, vaaHeaderSize+len(v.Signatures)*(1+SignatureSize)+
		len(body))
	b = append(b, v.Version)
	b = binary.BigEndian.AppendUint32(b, v.GuardianSetIndex)
	b = append(b, uint8(len(v.Signatures)))
	for _, s := range v.Signatures {
		b = append(b, s.Index)
		b = append(b, s.Data[:]...)
	}
	return append(b, body...)
}

// AddSignature signs the attestation with the key of the guardian at index.
// Signatures must be added in ascending index order.
func (v *VAA) AddSignature(index uint8, key *ecdsa.PrivateKey) error {
	digest := v.SigningDigest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	s := Signature{Index: index}
	copy(s.Data[:], sig)
	v.Signatures = append(v.Signatures, s)
	return nil
}

// ParseVAA decodes an attestation envelope.  It does not verify signatures.
func ParseVAA(b []byte) (*VAA, error) {
	r := newReader(b)
	v := &VAA{}
	v.Version = r.u8()
	if r.err == nil && v.Version != VAAVersion {
		return nil, unsupported("vaa version %v", v.Version)
	}
	v.GuardianSetIndex = r.u32()
	n := int(r.u8())
	if r.err != nil {
		return nil, r.err
	}
	v.Signatures = make([]Signature, 0, n)
	for i := 0; i < n; i++ {
		var s Signature
		s.Index = r.u8()
		copy(s.Data[:], r.take(SignatureSize))
		v.Signatures = append(v.Signatures, s)
	}
	v.Timestamp = r.u32()
	v.Nonce = r.u32()
	v.EmitterChain = r.u16()
	copy(v.EmitterAddress[:], r.take(governance.AddressSize))
	v.Sequence = r.u64()
	v.ConsistencyLevel = r.u8()
	v.Payload = bytes.Clone(r.rest())
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}

// Verifier checks a single guardian signature.
type Verifier interface {
	Verify(digest common.Hash, sig [SignatureSize]byte, guardian common.Address) bool
}

// ECDSAVerifier recovers the secp256k1 public key from the signature and
// compares its address with the guardian key.
type ECDSAVerifier struct{}

// Verify satisfies the Verifier interface.
func (ECDSAVerifier) Verify(digest common.Hash, sig [SignatureSize]byte, guardian common.Address) bool {
	pub, err := crypto.SigToPub(digest[:], sig[:])
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == guardian
}

// Quorum is the fraction of total guardian weight that must sign, exclusive.
type Quorum struct {
	Num uint64
	Den uint64
}

// DefaultQuorum requires more than two thirds of the guardian weight.
var DefaultQuorum = Quorum{Num: 2, Den: 3}

// Validate ensures the quorum can be met.
func (q Quorum) Validate() error {
	if q.Den == 0 || q.Num >= q.Den {
		return fmt.Errorf("invalid quorum %v/%v", q.Num, q.Den)
	}
	return nil
}

// Threshold returns the minimum weight required out of total.  The quorum
// must be valid.
func (q Quorum) Threshold(total uint64) uint64 {
	// The 128 bit product cannot overflow the quotient since Num < Den.
	hi, lo := bits.Mul64(total, q.Num)
	quo, _ := bits.Div64(hi, lo, q.Den)
	return quo + 1
}

// verifyVAA checks that the attestation carries quorum for a guardian set
// that is still valid.
func (c *Codec) verifyVAA(v *VAA, gov *governance.State) error {
	gs, err := gov.GuardianSet(v.GuardianSetIndex, c.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureQuorumNotMet, err)
	}

	digest := v.SigningDigest()
	var weight uint64
	last := -1
	for _, s := range v.Signatures {
		if int(s.Index) <= last {
			return malformed("signature index %v not ascending",
				s.Index)
		}
		last = int(s.Index)
		if int(s.Index) >= len(gs.Keys) {
			return malformed("signature index %v out of range %v",
				s.Index, len(gs.Keys))
		}
		if !c.verifier.Verify(digest, s.Data, gs.Keys[s.Index]) {
			log.Debugf("Invalid signature guardian %v set %v",
				s.Index, gs.Index)
			continue
		}
		weight += gs.Weight(int(s.Index))
	}

	threshold := c.quorum.Threshold(gs.TotalWeight())
	if weight < threshold {
		return fmt.Errorf("%w: weight %v threshold %v",
			ErrSignatureQuorumNotMet, weight, threshold)
	}

	return nil
}
