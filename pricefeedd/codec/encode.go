// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"

	"github.com/decred/pricefeed/merkle"
	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/ethereum/go-ethereum/common"
)

// The encoders in this file produce payloads in the formats the decoders
// understand.  They are used to publish on test networks and by tests.

// Serialize returns the wire encoding of the attestation.
func (a *BatchAttestation) Serialize() []byte {
	b := make([]byte, 0, attestationSize)
	b = append(b, a.ProductID[:]...)
	b = append(b, a.PriceID[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(a.Price))
	b = binary.BigEndian.AppendUint64(b, a.Confidence)
	b = binary.BigEndian.AppendUint32(b, uint32(a.Exponent))
	b = binary.BigEndian.AppendUint64(b, uint64(a.EmaPrice))
	b = binary.BigEndian.AppendUint64(b, a.EmaConfidence)
	b = append(b, uint8(a.Status))
	b = binary.BigEndian.AppendUint32(b, a.NumPublishers)
	b = binary.BigEndian.AppendUint32(b, a.MaxNumPublishers)
	b = binary.BigEndian.AppendUint64(b, uint64(a.AttestationTime))
	b = binary.BigEndian.AppendUint64(b, uint64(a.PublishTime))
	b = binary.BigEndian.AppendUint64(b, uint64(a.PrevPublishTime))
	b = binary.BigEndian.AppendUint64(b, uint64(a.PrevPrice))
	b = binary.BigEndian.AppendUint64(b, a.PrevConfidence)
	return b
}

// EncodeBatch returns a batch attestation payload.
func EncodeBatch(atts []BatchAttestation) []byte {
	b := append([]byte(nil), magicBatch...)
	b = binary.BigEndian.AppendUint16(b, batchMajorVersion)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint16(b, 1)
	b = append(b, batchPayloadID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(atts)))
	b = binary.BigEndian.AppendUint16(b, attestationSize)
	for i := range atts {
		b = append(b, atts[i].Serialize()...)
	}
	return b
}

// EncodePriceMessage returns the accumulator message of an update.  A nil
// previous publish time is encoded as zero.
func EncodePriceMessage(u *backend.PriceFeedUpdate) []byte {
	var prev int64
	if u.PrevPublishTime != nil {
		prev = *u.PrevPublishTime
	}
	b := make([]byte, 0, priceMessageSize)
	b = append(b, MessagePriceFeed)
	b = append(b, u.FeedID[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(u.Price.Price))
	b = binary.BigEndian.AppendUint64(b, u.Price.Confidence)
	b = binary.BigEndian.AppendUint32(b, uint32(u.Price.Exponent))
	b = binary.BigEndian.AppendUint64(b, uint64(u.Price.PublishTime))
	b = binary.BigEndian.AppendUint64(b, uint64(prev))
	b = binary.BigEndian.AppendUint64(b, uint64(u.EmaPrice.Price))
	b = binary.BigEndian.AppendUint64(b, u.EmaPrice.Confidence)
	return b
}

// EncodeMerkleRoot returns the attestation payload that signs an
// accumulator root.
func EncodeMerkleRoot(m *MerkleRoot) []byte {
	b := append([]byte(nil), magicAccumulatorRoot...)
	b = append(b, accumulatorUpdateType)
	b = binary.BigEndian.AppendUint64(b, m.Slot)
	b = binary.BigEndian.AppendUint32(b, m.RingSize)
	return append(b, m.Root[:]...)
}

// AccumulatorUpdate is a message and its inclusion proof.
type AccumulatorUpdate struct {
	Message []byte
	Proof   []merkle.Hash
}

// EncodeAccumulator returns an accumulator payload carrying the serialized
// root attestation and the provided updates.
func EncodeAccumulator(vaa []byte, updates []AccumulatorUpdate) []byte {
	b := append([]byte(nil), magicAccumulator...)
	b = append(b, accumulatorMajorVersion, 0, 0, accumulatorUpdateType)
	b = binary.BigEndian.AppendUint16(b, uint16(len(vaa)))
	b = append(b, vaa...)
	b = append(b, uint8(len(updates)))
	for _, u := range updates {
		b = binary.BigEndian.AppendUint16(b, uint16(len(u.Message)))
		b = append(b, u.Message...)
		b = append(b, uint8(len(u.Proof)))
		for _, h := range u.Proof {
			b = append(b, h[:]...)
		}
	}
	return b
}

func governanceHeader(action uint8, chain uint16) []byte {
	b := append([]byte(nil), magicPythGovernance...)
	b = append(b, pythGovernanceModule, action)
	return binary.BigEndian.AppendUint16(b, chain)
}

// EncodeSetDataSources returns a governance payload that replaces the data
// sources.
func EncodeSetDataSources(chain uint16, sources []governance.DataSource) []byte {
	b := governanceHeader(ActionSetDataSources, chain)
	b = append(b, uint8(len(sources)))
	for _, ds := range sources {
		b = binary.BigEndian.AppendUint16(b, ds.EmitterChain)
		b = append(b, ds.EmitterAddress[:]...)
	}
	return b
}

// EncodeTransferRequest returns the claim payload a new governance source
// signs.
func EncodeTransferRequest(chain uint16, index uint32) []byte {
	b := governanceHeader(ActionRequestGovernanceDataSourceTransfer, chain)
	return binary.BigEndian.AppendUint32(b, index)
}

// EncodeAuthorizeTransfer returns a governance payload that wraps the
// serialized claim attestation.
func EncodeAuthorizeTransfer(chain uint16, claim []byte) []byte {
	b := governanceHeader(ActionAuthorizeGovernanceDataSourceTransfer, chain)
	return append(b, claim...)
}

// EncodeGuardianSetUpgrade returns a core governance payload rotating the
// guardian set.
func EncodeGuardianSetUpgrade(chain uint16, index uint32, keys []common.Address) []byte {
	b := append([]byte(nil), coreGovernanceModule...)
	b = append(b, ActionGuardianSetUpgrade)
	b = binary.BigEndian.AppendUint16(b, chain)
	b = binary.BigEndian.AppendUint32(b, index)
	b = append(b, uint8(len(keys)))
	for _, k := range keys {
		b = append(b, k[:]...)
	}
	return b
}
