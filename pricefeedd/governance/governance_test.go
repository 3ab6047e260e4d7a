// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package governance

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
)

var (
	pythSource     = DataSource{EmitterChain: 26, EmitterAddress: Address{0xaa}}
	govSource      = DataSource{EmitterChain: 1, EmitterAddress: Address{0x50}}
	wormholeSource = DataSource{EmitterChain: 1, EmitterAddress: Address{31: 0x04}}
	now            = time.Unix(1700000000, 0)
)

func testGenesis() Genesis {
	return Genesis{
		GuardianSet: GuardianSet{
			Index: 0,
			Keys: []common.Address{
				{0x01}, {0x02}, {0x03},
			},
		},
		DataSources:              []DataSource{pythSource},
		GovernanceSource:         govSource,
		WormholeGovernanceSource: wormholeSource,
		ChainID:                  2,
		GuardianSetExpiry:        24 * time.Hour,
	}
}

func guardianUpgrade(index uint32, seq uint64) *Upgrade {
	return &Upgrade{
		Emitter:  wormholeSource,
		Sequence: seq,
		Action: GuardianSetUpgrade{
			NewSet: GuardianSet{
				Index: index,
				Keys:  []common.Address{{0x10}, {0x11}},
			},
		},
	}
}

func TestNewRejectsEmptyGenesis(t *testing.T) {
	g := testGenesis()
	g.GuardianSet.Keys = nil
	if _, err := New(g, nil); err == nil {
		t.Fatalf("expected error")
	}

	g = testGenesis()
	g.DataSources = nil
	if _, err := New(g, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewRejectsWeightOverflow(t *testing.T) {
	g := testGenesis()
	g.GuardianSet.Weights = []uint64{math.MaxUint64, 1, 1}
	_, err := New(g, nil)
	if !errors.Is(err, ErrInvalidGuardianSet) {
		t.Fatalf("got %v want %v", err, ErrInvalidGuardianSet)
	}

	g.GuardianSet.Weights = []uint64{math.MaxUint64 - 2, 1, 1}
	if _, err := New(g, nil); err != nil {
		t.Fatal(err)
	}
}

func TestGuardianSetUpgrade(t *testing.T) {
	s, err := New(testGenesis(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ApplyUpgrade(guardianUpgrade(1, 1), now); err != nil {
		t.Fatal(err)
	}
	gs, index := s.CurrentGuardianSet()
	if index != 1 || len(gs.Keys) != 2 {
		t.Fatalf("unexpected guardian set %v", spew.Sdump(gs))
	}

	// The previous generation stays valid until it expires.
	if _, err := s.GuardianSet(0, now.Add(time.Hour)); err != nil {
		t.Fatalf("previous set rejected before expiry: %v", err)
	}
	_, err = s.GuardianSet(0, now.Add(25*time.Hour))
	if !errors.Is(err, ErrExpiredGuardianSet) {
		t.Fatalf("got %v want %v", err, ErrExpiredGuardianSet)
	}
	_, err = s.GuardianSet(7, now)
	if !errors.Is(err, ErrUnknownGuardianSet) {
		t.Fatalf("got %v want %v", err, ErrUnknownGuardianSet)
	}

	// Replay of the same generation.
	err = s.ApplyUpgrade(guardianUpgrade(1, 2), now)
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("got %v want %v", err, ErrStaleGeneration)
	}

	// Skipping a generation.
	err = s.ApplyUpgrade(guardianUpgrade(3, 3), now)
	if !errors.Is(err, ErrGenerationGap) {
		t.Fatalf("got %v want %v", err, ErrGenerationGap)
	}

	// Wrong emitter.
	u := guardianUpgrade(2, 4)
	u.Emitter = govSource
	err = s.ApplyUpgrade(u, now)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}
}

func TestGuardianSetUpgradeSignedByExpiredSet(t *testing.T) {
	s, err := New(testGenesis(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyUpgrade(guardianUpgrade(1, 1), now); err != nil {
		t.Fatal(err)
	}

	u := guardianUpgrade(2, 2)
	u.GuardianSetIndex = 0
	err = s.ApplyUpgrade(u, now.Add(48*time.Hour))
	if !errors.Is(err, ErrExpiredGuardianSet) {
		t.Fatalf("got %v want %v", err, ErrExpiredGuardianSet)
	}
}

func TestGuardianSetUpgradeSignedBySupersededSet(t *testing.T) {
	s, err := New(testGenesis(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyUpgrade(guardianUpgrade(1, 1), now); err != nil {
		t.Fatal(err)
	}

	// Set 0 still verifies messages but may not rotate past set 1.
	u := guardianUpgrade(2, 2)
	u.GuardianSetIndex = 0
	err = s.ApplyUpgrade(u, now.Add(time.Hour))
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("got %v want %v", err, ErrStaleGeneration)
	}
	if _, index := s.CurrentGuardianSet(); index != 1 {
		t.Fatalf("got guardian set %v want 1", index)
	}

	u.GuardianSetIndex = 1
	if err := s.ApplyUpgrade(u, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, index := s.CurrentGuardianSet(); index != 2 {
		t.Fatalf("got guardian set %v want 2", index)
	}
}

func TestSetDataSources(t *testing.T) {
	s, err := New(testGenesis(), nil)
	if err != nil {
		t.Fatal(err)
	}

	newSource := DataSource{EmitterChain: 26, EmitterAddress: Address{0xbb}}
	u := &Upgrade{
		Emitter:     govSource,
		Sequence:    10,
		TargetChain: 2,
		Action: SetDataSources{
			DataSources: []DataSource{newSource, pythSource},
		},
	}
	if err := s.ApplyUpgrade(u, now); err != nil {
		t.Fatal(err)
	}
	if !s.IsDataSource(newSource) || !s.IsDataSource(pythSource) {
		t.Fatalf("data sources not applied: %v",
			spew.Sdump(s.CurrentDataSources()))
	}
	if s.LastGovernanceSequence() != 10 {
		t.Fatalf("got sequence %v want 10", s.LastGovernanceSequence())
	}

	// Replays are stale.
	err = s.ApplyUpgrade(u, now)
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("got %v want %v", err, ErrStaleGeneration)
	}

	// Wrong chain.
	u.Sequence = 11
	u.TargetChain = 5
	err = s.ApplyUpgrade(u, now)
	if !errors.Is(err, ErrWrongTargetChain) {
		t.Fatalf("got %v want %v", err, ErrWrongTargetChain)
	}

	// Not from the governance source.
	u.TargetChain = 0
	u.Emitter = pythSource
	err = s.ApplyUpgrade(u, now)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}
}

func TestGovernanceTransfer(t *testing.T) {
	s, err := New(testGenesis(), nil)
	if err != nil {
		t.Fatal(err)
	}

	newGov := DataSource{EmitterChain: 26, EmitterAddress: Address{0x77}}
	u := &Upgrade{
		Emitter:  govSource,
		Sequence: 5,
		Action: AuthorizeGovernanceDataSourceTransfer{
			NewSource:     newGov,
			Index:         1,
			ClaimSequence: 3,
		},
	}
	if err := s.ApplyUpgrade(u, now); err != nil {
		t.Fatal(err)
	}
	src, index := s.GovernanceSource()
	if src != newGov || index != 1 {
		t.Fatalf("got %v/%v want %v/1", src, index, newGov)
	}
	if s.LastGovernanceSequence() != 3 {
		t.Fatalf("got sequence %v want 3", s.LastGovernanceSequence())
	}

	// The old source lost its authority.
	u.Sequence = 6
	err = s.ApplyUpgrade(u, now)
	if !errors.Is(err, ErrUnauthorizedSource) {
		t.Fatalf("got %v want %v", err, ErrUnauthorizedSource)
	}

	// Same generation from the new source.
	u.Emitter = newGov
	err = s.ApplyUpgrade(u, now)
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("got %v want %v", err, ErrStaleGeneration)
	}
}

func TestJournalReplay(t *testing.T) {
	j, err := NewMemJournal()
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	s, err := New(testGenesis(), j)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyUpgrade(guardianUpgrade(1, 1), now); err != nil {
		t.Fatal(err)
	}
	err = s.ApplyUpgrade(&Upgrade{
		Emitter:          govSource,
		Sequence:         9,
		GuardianSetIndex: 1,
		Action: SetDataSources{
			DataSources: []DataSource{{EmitterChain: 3}},
		},
	}, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	// A rejected upgrade is not journaled.
	if err := s.ApplyUpgrade(guardianUpgrade(1, 2), now); err == nil {
		t.Fatalf("expected stale upgrade to fail")
	}
	records, err := j.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %v records want 2", len(records))
	}

	replayed, err := New(testGenesis(), j)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(replayed.CurrentDataSources(),
		s.CurrentDataSources()) {
		t.Fatalf("data sources differ: %v %v",
			spew.Sdump(replayed.CurrentDataSources()),
			spew.Sdump(s.CurrentDataSources()))
	}
	gs1, i1 := s.CurrentGuardianSet()
	gs2, i2 := replayed.CurrentGuardianSet()
	if i1 != i2 || !reflect.DeepEqual(gs1, gs2) {
		t.Fatalf("guardian sets differ: %v %v", spew.Sdump(gs1),
			spew.Sdump(gs2))
	}
	if replayed.LastGovernanceSequence() != 9 {
		t.Fatalf("got sequence %v want 9",
			replayed.LastGovernanceSequence())
	}
}

func TestJournalDump(t *testing.T) {
	j, err := NewMemJournal()
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	r := &Record{Applied: now.Unix(), Upgrade: *guardianUpgrade(1, 1)}
	if err := j.Append(r); err != nil {
		t.Fatal(err)
	}

	var human bytes.Buffer
	if err := j.Dump(&human, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(human.String(), RecordTypeGuardianSetUpgrade) {
		t.Fatalf("unexpected dump: %v", human.String())
	}

	var machine bytes.Buffer
	if err := j.Dump(&machine, false); err != nil {
		t.Fatal(err)
	}
	d := json.NewDecoder(&machine)
	var rt RecordType
	if err := d.Decode(&rt); err != nil {
		t.Fatal(err)
	}
	var payload json.RawMessage
	if err := d.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRecord(rt, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Upgrade, r.Upgrade) {
		t.Fatalf("want %v got %v", spew.Sdump(r.Upgrade),
			spew.Sdump(got.Upgrade))
	}
}

func TestParseDataSource(t *testing.T) {
	ds, err := ParseDataSource("26:0xaa")
	if err != nil {
		t.Fatal(err)
	}
	want := DataSource{EmitterChain: 26, EmitterAddress: Address{31: 0xaa}}
	if ds != want {
		t.Fatalf("got %v want %v", ds, want)
	}

	for _, s := range []string{"", "26", "x:aa", "1:zz"} {
		if _, err := ParseDataSource(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}
