// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/pricefeed/merkle"
	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"pgregory.net/rapid"
)

var (
	pythSource     = governance.DataSource{EmitterChain: 26, EmitterAddress: governance.Address{0xaa}}
	govSource      = governance.DataSource{EmitterChain: 1, EmitterAddress: governance.Address{0x50}}
	wormholeSource = governance.DataSource{EmitterChain: 1, EmitterAddress: governance.Address{31: 0x04}}
	strangerSource = governance.DataSource{EmitterChain: 9, EmitterAddress: governance.Address{0x99}}

	feedA = backend.FeedID{0x0a}
	feedB = backend.FeedID{0x0b}
	feedC = backend.FeedID{0x0c}
	feedD = backend.FeedID{0x0d}
)

// testNet is a guardian network with its governance state.
type testNet struct {
	keys  []*ecdsa.PrivateKey
	gov   *governance.State
	codec *Codec
	now   time.Time
	seq   uint64
}

func generateKeys(t *testing.T, n int) ([]*ecdsa.PrivateKey, []common.Address) {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, 0, n)
	addrs := make([]common.Address, 0, n)
	for i := 0; i < n; i++ {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
		addrs = append(addrs, crypto.PubkeyToAddress(k.PublicKey))
	}
	return keys, addrs
}

func newTestNet(t *testing.T, guardians int) *testNet {
	t.Helper()
	keys, addrs := generateKeys(t, guardians)
	gov, err := governance.New(governance.Genesis{
		GuardianSet:              governance.GuardianSet{Keys: addrs},
		DataSources:              []governance.DataSource{pythSource},
		GovernanceSource:         govSource,
		WormholeGovernanceSource: wormholeSource,
		ChainID:                  2,
		GuardianSetExpiry:        time.Hour,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tn := &testNet{
		keys: keys,
		gov:  gov,
		now:  time.Unix(1700000000, 0),
	}
	tn.codec, err = New(Config{Now: func() time.Time { return tn.now }})
	if err != nil {
		t.Fatal(err)
	}
	return tn
}

// vaa returns an unsigned attestation from the emitter.
func (tn *testNet) vaa(emitter governance.DataSource, payload []byte) *VAA {
	tn.seq++
	return &VAA{
		Version:        VAAVersion,
		Timestamp:      uint32(tn.now.Unix()),
		EmitterChain:   emitter.EmitterChain,
		EmitterAddress: emitter.EmitterAddress,
		Sequence:       tn.seq,
		Payload:        payload,
	}
}

// sign signs the attestation with the listed guardians, or with all of them
// when none are listed.
func (tn *testNet) sign(t *testing.T, v *VAA, guardians ...int) []byte {
	t.Helper()
	if len(guardians) == 0 {
		for i := range tn.keys {
			guardians = append(guardians, i)
		}
	}
	for _, g := range guardians {
		if err := v.AddSignature(uint8(g), tn.keys[g]); err != nil {
			t.Fatal(err)
		}
	}
	return v.Serialize()
}

func attestation(id backend.FeedID, ts, price int64) BatchAttestation {
	return BatchAttestation{
		PriceID:         id,
		Price:           price,
		Confidence:      10,
		Exponent:        -2,
		EmaPrice:        price - 1,
		EmaConfidence:   11,
		Status:          StatusTrading,
		PublishTime:     ts,
		PrevPublishTime: ts - 1,
		PrevPrice:       price - 5,
		PrevConfidence:  9,
	}
}

func priceUpdate(id backend.FeedID, ts, price int64) *backend.PriceFeedUpdate {
	prev := ts - 1
	return &backend.PriceFeedUpdate{
		FeedID: id,
		Price: backend.PriceUpdate{
			Price:       price,
			Confidence:  10,
			Exponent:    -2,
			PublishTime: ts,
		},
		EmaPrice: backend.EmaUpdate{
			Price:       price - 1,
			Confidence:  11,
			Exponent:    -2,
			PublishTime: ts,
		},
		PrevPublishTime: &prev,
	}
}

// accumulator returns an accumulator payload for the updates signed by the
// listed guardians.
func (tn *testNet) accumulator(t *testing.T, updates []*backend.PriceFeedUpdate, guardians ...int) []byte {
	t.Helper()
	msgs := make([][]byte, 0, len(updates))
	leaves := make([]merkle.Hash, 0, len(updates))
	for _, u := range updates {
		m := EncodePriceMessage(u)
		msgs = append(msgs, m)
		leaves = append(leaves, merkle.LeafHash(m))
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		t.Fatal(err)
	}
	v := tn.vaa(pythSource, EncodeMerkleRoot(&MerkleRoot{
		Slot:     42,
		RingSize: 10000,
		Root:     root,
	}))
	vaa := tn.sign(t, v, guardians...)

	aus := make([]AccumulatorUpdate, 0, len(msgs))
	for i, m := range msgs {
		proof, err := merkle.AuthPath(leaves, i)
		if err != nil {
			t.Fatal(err)
		}
		aus = append(aus, AccumulatorUpdate{Message: m, Proof: proof})
	}
	return EncodeAccumulator(vaa, aus)
}

func TestDetect(t *testing.T) {
	tn := newTestNet(t, 1)

	batch := tn.sign(t, tn.vaa(pythSource, EncodeBatch(nil)))
	gov := tn.sign(t, tn.vaa(govSource, EncodeSetDataSources(2, nil)))
	core := tn.sign(t, tn.vaa(wormholeSource,
		EncodeGuardianSetUpgrade(0, 1, nil)))
	other := tn.sign(t, tn.vaa(pythSource, []byte("XXXX")))

	tests := []struct {
		name   string
		raw    []byte
		format Format
		err    error
	}{
		{"accumulator", []byte("PNAU"), FormatAccumulator, nil},
		{"batch", batch, FormatBatch, nil},
		{"pyth governance", gov, FormatGovernance, nil},
		{"core governance", core, FormatGovernance, nil},
		{"unknown payload", other, FormatUnknown,
			ErrUnsupportedFormatVersion},
		{"empty", nil, FormatUnknown, ErrUnsupportedFormatVersion},
		{"garbage", []byte("hello"), FormatUnknown,
			ErrUnsupportedFormatVersion},
		{"truncated", batch[:20], FormatUnknown, ErrMalformedPayload},
	}
	for _, test := range tests {
		format, _, err := Detect(test.raw)
		if format != test.format {
			t.Fatalf("%v: got %v want %v", test.name, format,
				test.format)
		}
		if !errors.Is(err, test.err) {
			t.Fatalf("%v: got %v want %v", test.name, err, test.err)
		}
	}
}

func TestBatchDecode(t *testing.T) {
	tn := newTestNet(t, 4)

	halted := attestation(feedB, 300, 7000)
	halted.Status = StatusHalted
	v := tn.vaa(pythSource, EncodeBatch([]BatchAttestation{
		attestation(feedA, 100, 50000),
		halted,
	}))
	raw := tn.sign(t, v)

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if d.Format != FormatBatch || len(d.Errors) != 0 ||
		len(d.Updates) != 2 {
		t.Fatalf("unexpected decode %v", spew.Sdump(d))
	}

	want := priceUpdate(feedA, 100, 50000)
	want.RawUpdateData = raw
	want.Slot = v.Sequence
	if !reflect.DeepEqual(d.Updates[0], want) {
		t.Fatalf("want %v got %v", spew.Sdump(want),
			spew.Sdump(d.Updates[0]))
	}

	// A feed that is not trading reports its previous price.
	h := d.Updates[1]
	if h.Price.Price != 6995 || h.Price.Confidence != 9 ||
		h.PublishTime() != 299 || h.PrevPublishTime != nil {
		t.Fatalf("unexpected halted update %v", spew.Sdump(h))
	}
	if h.EmaPrice.PublishTime != 299 {
		t.Fatalf("ema publish time %v", h.EmaPrice.PublishTime)
	}
}

func TestBatchPartialAcceptance(t *testing.T) {
	tn := newTestNet(t, 4)

	bad := attestation(feedC, 100, 3)
	bad.Status = 9
	raw := tn.sign(t, tn.vaa(pythSource, EncodeBatch([]BatchAttestation{
		attestation(feedA, 100, 1),
		attestation(feedB, 100, 2),
		bad,
		attestation(feedD, 100, 4),
	})))

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Updates) != 3 {
		t.Fatalf("got %v updates want 3", len(d.Updates))
	}
	if len(d.Errors) != 1 {
		t.Fatalf("got %v errors want 1", len(d.Errors))
	}
	e := d.Errors[0]
	if e.Index != 2 || e.FeedID == nil || *e.FeedID != feedC ||
		!errors.Is(e, ErrMalformedPayload) {
		t.Fatalf("unexpected error %v", spew.Sdump(e))
	}
	for i, id := range []backend.FeedID{feedA, feedB, feedD} {
		if d.Updates[i].FeedID != id {
			t.Fatalf("update %v: got %v want %v", i,
				d.Updates[i].FeedID, id)
		}
	}
}

func TestQuorum(t *testing.T) {
	// 4 guardians, more than 2/3 is 3.
	tn := newTestNet(t, 4)
	payload := EncodeBatch([]BatchAttestation{attestation(feedA, 1, 1)})

	raw := tn.sign(t, tn.vaa(pythSource, payload), 0, 2)
	_, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrSignatureQuorumNotMet) {
		t.Fatalf("got %v want %v", err, ErrSignatureQuorumNotMet)
	}

	raw = tn.sign(t, tn.vaa(pythSource, payload), 0, 2, 3)
	if _, err := tn.codec.DecodeAndVerify(raw, tn.gov); err != nil {
		t.Fatal(err)
	}

	// A signature by a key that is not the guardian's does not count.
	stranger, _ := generateKeys(t, 1)
	v := tn.vaa(pythSource, payload)
	for _, g := range []int{0, 1} {
		if err := v.AddSignature(uint8(g), tn.keys[g]); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.AddSignature(2, stranger[0]); err != nil {
		t.Fatal(err)
	}
	_, err = tn.codec.DecodeAndVerify(v.Serialize(), tn.gov)
	if !errors.Is(err, ErrSignatureQuorumNotMet) {
		t.Fatalf("got %v want %v", err, ErrSignatureQuorumNotMet)
	}
}

func TestSignatureOrder(t *testing.T) {
	tn := newTestNet(t, 3)
	payload := EncodeBatch([]BatchAttestation{attestation(feedA, 1, 1)})

	raw := tn.sign(t, tn.vaa(pythSource, payload), 2, 1, 0)
	_, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("got %v want %v", err, ErrMalformedPayload)
	}

	raw = tn.sign(t, tn.vaa(pythSource, payload), 0, 1, 1)
	_, err = tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("got %v want %v", err, ErrMalformedPayload)
	}
}

func TestUnauthorizedDataSource(t *testing.T) {
	tn := newTestNet(t, 1)
	payload := EncodeBatch([]BatchAttestation{attestation(feedA, 1, 1)})
	raw := tn.sign(t, tn.vaa(strangerSource, payload))
	_, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}
}

func TestAccumulatorDecode(t *testing.T) {
	tn := newTestNet(t, 4)
	updates := []*backend.PriceFeedUpdate{
		priceUpdate(feedA, 100, 1),
		priceUpdate(feedB, 101, 2),
		priceUpdate(feedC, 102, 3),
	}
	raw := tn.accumulator(t, updates)

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if d.Format != FormatAccumulator || len(d.Updates) != 3 ||
		len(d.Errors) != 0 {
		t.Fatalf("unexpected decode %v", spew.Sdump(d))
	}
	for i, u := range d.Updates {
		if u.Slot != 42 {
			t.Fatalf("slot %v", u.Slot)
		}
		if !u.SameContent(updates[i]) ||
			*u.PrevPublishTime != *updates[i].PrevPublishTime {
			t.Fatalf("want %v got %v", spew.Sdump(updates[i]),
				spew.Sdump(u))
		}

		// The raw update data is a valid payload of only this update.
		single, err := tn.codec.DecodeAndVerify(u.RawUpdateData, tn.gov)
		if err != nil {
			t.Fatal(err)
		}
		if len(single.Updates) != 1 ||
			!single.Updates[0].SameContent(u) ||
			!bytes.Equal(single.Updates[0].RawUpdateData,
				u.RawUpdateData) {
			t.Fatalf("raw update data does not round trip: %v",
				spew.Sdump(single))
		}
	}
}

func TestAccumulatorBadProof(t *testing.T) {
	tn := newTestNet(t, 4)
	updates := []*backend.PriceFeedUpdate{
		priceUpdate(feedA, 100, 1),
		priceUpdate(feedB, 101, 2),
		priceUpdate(feedC, 102, 3),
	}
	raw := tn.accumulator(t, updates)

	// Flip the last byte of the last proof node of the last update.
	raw[len(raw)-1] ^= 0xff

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Updates) != 2 || len(d.Errors) != 1 {
		t.Fatalf("unexpected decode %v", spew.Sdump(d))
	}
	e := d.Errors[0]
	if !errors.Is(e, ErrProofVerificationFailed) || e.Index != 2 ||
		*e.FeedID != feedC {
		t.Fatalf("unexpected error %v", spew.Sdump(e))
	}
}

func TestAccumulatorQuorumRejectsAll(t *testing.T) {
	tn := newTestNet(t, 4)
	raw := tn.accumulator(t, []*backend.PriceFeedUpdate{
		priceUpdate(feedA, 100, 1),
		priceUpdate(feedB, 101, 2),
	}, 1, 3)

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrSignatureQuorumNotMet) {
		t.Fatalf("got %v want %v", err, ErrSignatureQuorumNotMet)
	}
	if d != nil {
		t.Fatalf("unexpected decode %v", spew.Sdump(d))
	}
}

func TestAccumulatorUnknownMessage(t *testing.T) {
	tn := newTestNet(t, 1)
	good := EncodePriceMessage(priceUpdate(feedA, 100, 1))
	unknown := append([]byte{7}, good[1:]...)
	leaves := []merkle.Hash{merkle.LeafHash(good), merkle.LeafHash(unknown)}
	root, err := merkle.Root(leaves)
	if err != nil {
		t.Fatal(err)
	}
	vaa := tn.sign(t, tn.vaa(pythSource, EncodeMerkleRoot(&MerkleRoot{
		Slot: 1,
		Root: root,
	})))
	p0, _ := merkle.AuthPath(leaves, 0)
	p1, _ := merkle.AuthPath(leaves, 1)
	raw := EncodeAccumulator(vaa, []AccumulatorUpdate{
		{Message: good, Proof: p0},
		{Message: unknown, Proof: p1},
	})

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Updates) != 1 || len(d.Errors) != 1 ||
		!errors.Is(d.Errors[0], ErrUnsupportedFormatVersion) {
		t.Fatalf("unexpected decode %v", spew.Sdump(d))
	}
}

func TestGovernanceSetDataSources(t *testing.T) {
	tn := newTestNet(t, 1)
	sources := []governance.DataSource{strangerSource}
	raw := tn.sign(t, tn.vaa(govSource, EncodeSetDataSources(2, sources)))

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if d.Format != FormatGovernance || len(d.Updates) != 0 {
		t.Fatalf("unexpected decode %v", spew.Sdump(d))
	}
	want := governance.SetDataSources{DataSources: sources}
	if !reflect.DeepEqual(d.Upgrade.Action, want) {
		t.Fatalf("want %v got %v", spew.Sdump(want),
			spew.Sdump(d.Upgrade.Action))
	}
	if err := tn.gov.ApplyUpgrade(d.Upgrade, tn.now); err != nil {
		t.Fatal(err)
	}

	// The old data source is no longer authorized.
	payload := EncodeBatch([]BatchAttestation{attestation(feedA, 1, 1)})
	_, err = tn.codec.DecodeAndVerify(tn.sign(t, tn.vaa(pythSource,
		payload)), tn.gov)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}
	_, err = tn.codec.DecodeAndVerify(tn.sign(t, tn.vaa(strangerSource,
		payload)), tn.gov)
	if err != nil {
		t.Fatal(err)
	}

	// Governance from anyone else is rejected.
	raw = tn.sign(t, tn.vaa(pythSource, EncodeSetDataSources(2, sources)))
	_, err = tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}
}

func TestGovernanceTransfer(t *testing.T) {
	tn := newTestNet(t, 1)
	newGov := governance.DataSource{EmitterChain: 26, EmitterAddress: governance.Address{0x77}}

	claim := tn.sign(t, tn.vaa(newGov, EncodeTransferRequest(2, 1)))
	claimSeq := tn.seq
	raw := tn.sign(t, tn.vaa(govSource, EncodeAuthorizeTransfer(2, claim)))

	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	want := governance.AuthorizeGovernanceDataSourceTransfer{
		NewSource:     newGov,
		Index:         1,
		ClaimSequence: claimSeq,
	}
	if !reflect.DeepEqual(d.Upgrade.Action, want) {
		t.Fatalf("want %v got %v", spew.Sdump(want),
			spew.Sdump(d.Upgrade.Action))
	}
	if err := tn.gov.ApplyUpgrade(d.Upgrade, tn.now); err != nil {
		t.Fatal(err)
	}
	if src, _ := tn.gov.GovernanceSource(); src != newGov {
		t.Fatalf("got %v want %v", src, newGov)
	}

	// A claim that is not a transfer request.
	bad := tn.sign(t, tn.vaa(newGov, EncodeSetDataSources(2, nil)))
	raw = tn.sign(t, tn.vaa(newGov, EncodeAuthorizeTransfer(2, bad)))
	_, err = tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("got %v want %v", err, ErrMalformedPayload)
	}
}

func TestGuardianSetRotation(t *testing.T) {
	tn := newTestNet(t, 1)
	oldKeys := tn.keys
	newKeys, addrs := generateKeys(t, 2)

	raw := tn.sign(t, tn.vaa(wormholeSource,
		EncodeGuardianSetUpgrade(0, 1, addrs)))
	d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if err != nil {
		t.Fatal(err)
	}
	if err := tn.gov.ApplyUpgrade(d.Upgrade, tn.now); err != nil {
		t.Fatal(err)
	}

	payload := EncodeBatch([]BatchAttestation{attestation(feedA, 1, 1)})

	// New set.
	tn.keys = newKeys
	v := tn.vaa(pythSource, payload)
	v.GuardianSetIndex = 1
	if _, err := tn.codec.DecodeAndVerify(tn.sign(t, v), tn.gov); err != nil {
		t.Fatal(err)
	}

	// Old set while it is still valid, then after expiry.
	tn.keys = oldKeys
	raw = tn.sign(t, tn.vaa(pythSource, payload))
	if _, err := tn.codec.DecodeAndVerify(raw, tn.gov); err != nil {
		t.Fatal(err)
	}
	tn.now = tn.now.Add(2 * time.Hour)
	_, err = tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrSignatureQuorumNotMet) {
		t.Fatalf("got %v want %v", err, ErrSignatureQuorumNotMet)
	}

	// Upgrades from anyone but the wormhole governance source.
	tn.keys = newKeys
	v = tn.vaa(govSource, EncodeGuardianSetUpgrade(0, 2, addrs))
	v.GuardianSetIndex = 1
	_, err = tn.codec.DecodeAndVerify(tn.sign(t, v), tn.gov)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}
}

func TestUnsupportedGovernanceAction(t *testing.T) {
	tn := newTestNet(t, 1)
	raw := tn.sign(t, tn.vaa(govSource, governanceHeader(4, 2)))
	_, err := tn.codec.DecodeAndVerify(raw, tn.gov)
	if !errors.Is(err, ErrUnsupportedFormatVersion) {
		t.Fatalf("got %v want %v", err, ErrUnsupportedFormatVersion)
	}
}

func TestQuorumValidate(t *testing.T) {
	for _, q := range []Quorum{{1, 0}, {3, 3}, {4, 3}} {
		if _, err := New(Config{Quorum: q}); err == nil {
			t.Fatalf("quorum %v: expected error", q)
		}
	}
	if got := DefaultQuorum.Threshold(19); got != 13 {
		t.Fatalf("threshold got %v want 13", got)
	}

	// Large weights do not wrap.
	total := uint64(math.MaxUint64)
	want := total/3*2 + 1
	if got := DefaultQuorum.Threshold(total); got != want {
		t.Fatalf("threshold got %v want %v", got, want)
	}
	if got := (Quorum{Num: 999, Den: 1000}).Threshold(total); got <= total/2 {
		t.Fatalf("threshold %v wrapped", got)
	}
}

// TestDecodeNeverPanics feeds truncated and corrupted payloads through the
// decoder.  Rejection is fine, a panic is not.
func TestDecodeNeverPanics(t *testing.T) {
	tn := newTestNet(t, 1)
	batch := tn.sign(t, tn.vaa(pythSource, EncodeBatch([]BatchAttestation{
		attestation(feedA, 1, 1),
		attestation(feedB, 2, 2),
	})))
	acc := tn.accumulator(t, []*backend.PriceFeedUpdate{
		priceUpdate(feedA, 100, 1),
		priceUpdate(feedB, 101, 2),
	})

	rapid.Check(t, func(t *rapid.T) {
		src := batch
		if rapid.Bool().Draw(t, "accumulator") {
			src = acc
		}
		raw := append([]byte(nil), src...)
		raw = raw[:rapid.IntRange(0, len(raw)).Draw(t, "length")]
		if len(raw) > 0 {
			i := rapid.IntRange(0, len(raw)-1).Draw(t, "index")
			raw[i] ^= rapid.Byte().Draw(t, "flip")
		}
		d, err := tn.codec.DecodeAndVerify(raw, tn.gov)
		if err == nil && d == nil {
			t.Fatalf("no decode and no error")
		}
	})
}
