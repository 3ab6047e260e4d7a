// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package governance tracks the guardian sets and data sources that incoming
// attestations are verified against.  State only changes through verified
// governance actions and every change is strictly ordered by a generation
// number or governance sequence.
package governance

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AddressSize is the size of an emitter address.
const AddressSize = 32

var (
	ErrStaleGeneration      = errors.New("stale governance generation")
	ErrGenerationGap        = errors.New("governance generation out of order")
	ErrUnauthorizedSource   = errors.New("unauthorized governance source")
	ErrWrongTargetChain     = errors.New("governance action for another chain")
	ErrUnknownGuardianSet   = errors.New("unknown guardian set")
	ErrExpiredGuardianSet   = errors.New("expired guardian set")
	ErrInvalidGuardianSet   = errors.New("invalid guardian set")
	ErrInvalidAddress       = errors.New("invalid emitter address")
	ErrUnsupportedAction    = errors.New("unsupported governance action")
	errNoDataSources        = errors.New("no data sources")
	errGenesisGuardianEmpty = errors.New("genesis guardian set is empty")
)

// Address is an emitter address.
type Address [AddressSize]byte

// String returns the hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText encodes the address as hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex address, with or without 0x prefix.
func (a *Address) UnmarshalText(text []byte) error {
	addr, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// ParseAddress decodes a hex emitter address.  Short addresses are left
// padded with zeroes.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) > AddressSize {
		return a, fmt.Errorf("%w: length %v", ErrInvalidAddress, len(b))
	}
	copy(a[AddressSize-len(b):], b)
	return a, nil
}

// DataSource identifies an emitter that is allowed to publish price or
// governance messages.
type DataSource struct {
	EmitterChain   uint16  `json:"emitter_chain"`
	EmitterAddress Address `json:"emitter_address"`
}

// String returns chain:address.
func (d DataSource) String() string {
	return fmt.Sprintf("%v:%v", d.EmitterChain, d.EmitterAddress)
}

// ParseDataSource parses a chain:address string.
func ParseDataSource(s string) (DataSource, error) {
	var (
		ds    DataSource
		chain uint16
	)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ds, fmt.Errorf("invalid data source %q", s)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &chain); err != nil {
		return ds, fmt.Errorf("invalid data source chain %q: %v",
			parts[0], err)
	}
	addr, err := ParseAddress(parts[1])
	if err != nil {
		return ds, err
	}
	ds.EmitterChain = chain
	ds.EmitterAddress = addr
	return ds, nil
}

// GuardianSet is a generation of attestation signers.  A nil Weights slice
// gives every guardian a weight of one.
type GuardianSet struct {
	Index          uint32           `json:"index"`
	Keys           []common.Address `json:"keys"`
	Weights        []uint64         `json:"weights,omitempty"`
	ExpirationTime int64            `json:"expiration_time,omitempty"`
}

// Weight returns the weight of the guardian at index i.
func (g *GuardianSet) Weight(i int) uint64 {
	if g.Weights == nil {
		return 1
	}
	return g.Weights[i]
}

// TotalWeight returns the sum of all guardian weights.
func (g *GuardianSet) TotalWeight() uint64 {
	var total uint64
	for i := range g.Keys {
		total += g.Weight(i)
	}
	return total
}

// validate ensures the set can be used to verify attestations.
func (g *GuardianSet) validate() error {
	if len(g.Keys) == 0 {
		return fmt.Errorf("%w: no keys", ErrInvalidGuardianSet)
	}
	if len(g.Keys) > 255 {
		return fmt.Errorf("%w: %v keys", ErrInvalidGuardianSet,
			len(g.Keys))
	}
	if g.Weights != nil && len(g.Weights) != len(g.Keys) {
		return fmt.Errorf("%w: %v weights for %v keys",
			ErrInvalidGuardianSet, len(g.Weights), len(g.Keys))
	}
	var total, carry uint64
	for i := range g.Keys {
		total, carry = bits.Add64(total, g.Weight(i), 0)
		if carry != 0 {
			return fmt.Errorf("%w: total weight overflows",
				ErrInvalidGuardianSet)
		}
	}
	if total == 0 {
		return fmt.Errorf("%w: zero weight", ErrInvalidGuardianSet)
	}
	return nil
}

func (g *GuardianSet) copy() *GuardianSet {
	c := *g
	c.Keys = append([]common.Address(nil), g.Keys...)
	if g.Weights != nil {
		c.Weights = append([]uint64(nil), g.Weights...)
	}
	return &c
}

// Action is a governance instruction.  The set of actions is closed; see
// SetDataSources, AuthorizeGovernanceDataSourceTransfer and
// GuardianSetUpgrade.
type Action interface {
	// Type returns the journal record type of the action.
	Type() string

	action()
}

// Journal record types of the supported actions.
const (
	RecordTypeSetDataSources     = "setdatasources"
	RecordTypeGovernanceTransfer = "governancetransfer"
	RecordTypeGuardianSetUpgrade = "guardiansetupgrade"
)

// SetDataSources replaces the set of price data sources.
type SetDataSources struct {
	DataSources []DataSource `json:"data_sources"`
}

// AuthorizeGovernanceDataSourceTransfer hands governance over to a new
// emitter.  Index is the generation of the new governance source and
// ClaimSequence is the sequence of the claim message it signed.
type AuthorizeGovernanceDataSourceTransfer struct {
	NewSource     DataSource `json:"new_source"`
	Index         uint32     `json:"index"`
	ClaimSequence uint64     `json:"claim_sequence"`
}

// GuardianSetUpgrade rotates the guardian set.
type GuardianSetUpgrade struct {
	NewSet GuardianSet `json:"new_set"`
}

func (SetDataSources) action()                        {}
func (AuthorizeGovernanceDataSourceTransfer) action() {}
func (GuardianSetUpgrade) action()                    {}

func (SetDataSources) Type() string { return RecordTypeSetDataSources }
func (AuthorizeGovernanceDataSourceTransfer) Type() string {
	return RecordTypeGovernanceTransfer
}
func (GuardianSetUpgrade) Type() string { return RecordTypeGuardianSetUpgrade }

// Upgrade is a verified governance message.
type Upgrade struct {
	Emitter          DataSource `json:"emitter"`
	Sequence         uint64     `json:"sequence"`
	GuardianSetIndex uint32     `json:"guardian_set_index"` // Set that signed
	TargetChain      uint16     `json:"target_chain"`
	Action           Action     `json:"-"`
}

// Genesis is the initial governance configuration.
type Genesis struct {
	GuardianSet              GuardianSet
	DataSources              []DataSource
	GovernanceSource         DataSource
	GovernanceSourceIndex    uint32
	WormholeGovernanceSource DataSource
	ChainID                  uint16
	GuardianSetExpiry        time.Duration // Validity of a replaced set
}

// State is the process wide governance state.  It is safe for concurrent
// use.
type State struct {
	sync.RWMutex

	guardianSets             map[uint32]*GuardianSet
	currentGuardianSet       uint32
	dataSources              map[DataSource]struct{}
	governanceSource         DataSource
	governanceSourceIndex    uint32
	lastGovernanceSequence   uint64
	wormholeGovernanceSource DataSource
	chainID                  uint16
	guardianSetExpiry        time.Duration

	journal *Journal // Optional
}

// New creates the governance state from genesis and replays the journal when
// one is provided.
func New(genesis Genesis, journal *Journal) (*State, error) {
	if len(genesis.GuardianSet.Keys) == 0 {
		return nil, errGenesisGuardianEmpty
	}
	if err := genesis.GuardianSet.validate(); err != nil {
		return nil, err
	}
	if len(genesis.DataSources) == 0 {
		return nil, errNoDataSources
	}

	gs := genesis.GuardianSet.copy()
	gs.ExpirationTime = 0
	s := &State{
		guardianSets:             map[uint32]*GuardianSet{gs.Index: gs},
		currentGuardianSet:       gs.Index,
		dataSources:              make(map[DataSource]struct{}),
		governanceSource:         genesis.GovernanceSource,
		governanceSourceIndex:    genesis.GovernanceSourceIndex,
		wormholeGovernanceSource: genesis.WormholeGovernanceSource,
		chainID:                  genesis.ChainID,
		guardianSetExpiry:        genesis.GuardianSetExpiry,
	}
	for _, ds := range genesis.DataSources {
		s.dataSources[ds] = struct{}{}
	}

	if journal == nil {
		return s, nil
	}

	records, err := journal.Records()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		err := s.apply(&r.Upgrade, time.Unix(r.Applied, 0))
		if err != nil {
			return nil, fmt.Errorf("replay journal record %v: %w",
				r.Sequence, err)
		}
	}
	if len(records) != 0 {
		log.Infof("Replayed %v governance records, guardian set %v",
			len(records), s.currentGuardianSet)
	}
	s.journal = journal

	return s, nil
}

// ChainID returns the chain id governance actions must target.
func (s *State) ChainID() uint16 {
	s.RLock()
	defer s.RUnlock()
	return s.chainID
}

// CurrentDataSources returns the authorized price data sources.
func (s *State) CurrentDataSources() []DataSource {
	s.RLock()
	defer s.RUnlock()

	ds := make([]DataSource, 0, len(s.dataSources))
	for k := range s.dataSources {
		ds = append(ds, k)
	}
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].EmitterChain != ds[j].EmitterChain {
			return ds[i].EmitterChain < ds[j].EmitterChain
		}
		return bytes.Compare(ds[i].EmitterAddress[:],
			ds[j].EmitterAddress[:]) < 0
	})
	return ds
}

// IsDataSource reports whether the emitter is an authorized price source.
func (s *State) IsDataSource(ds DataSource) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.dataSources[ds]
	return ok
}

// CurrentGuardianSet returns a copy of the active guardian set and its
// generation.
func (s *State) CurrentGuardianSet() (GuardianSet, uint32) {
	s.RLock()
	defer s.RUnlock()
	return *s.guardianSets[s.currentGuardianSet].copy(), s.currentGuardianSet
}

// GuardianSet returns a copy of the guardian set with the provided index if
// it may still be used to verify attestations at the provided time.
func (s *State) GuardianSet(index uint32, now time.Time) (*GuardianSet, error) {
	s.RLock()
	defer s.RUnlock()
	return s.guardianSet(index, now)
}

// guardianSet must be called with a lock held.
func (s *State) guardianSet(index uint32, now time.Time) (*GuardianSet, error) {
	gs, ok := s.guardianSets[index]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownGuardianSet, index)
	}
	if index != s.currentGuardianSet && gs.ExpirationTime <= now.Unix() {
		return nil, fmt.Errorf("%w: %v", ErrExpiredGuardianSet, index)
	}
	return gs.copy(), nil
}

// GovernanceSource returns the current governance source and its generation.
func (s *State) GovernanceSource() (DataSource, uint32) {
	s.RLock()
	defer s.RUnlock()
	return s.governanceSource, s.governanceSourceIndex
}

// WormholeGovernanceSource returns the emitter of guardian set upgrades.
func (s *State) WormholeGovernanceSource() DataSource {
	s.RLock()
	defer s.RUnlock()
	return s.wormholeGovernanceSource
}

// LastGovernanceSequence returns the sequence of the last executed price
// governance action.
func (s *State) LastGovernanceSequence() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.lastGovernanceSequence
}

// ApplyUpgrade validates the upgrade against the current state and applies
// it.  Either all of the upgrade is applied and journaled or none of it.
func (s *State) ApplyUpgrade(u *Upgrade, now time.Time) error {
	s.Lock()
	defer s.Unlock()

	// Validate first so that nothing invalid is journaled.
	if err := s.check(u, now); err != nil {
		return err
	}
	if s.journal != nil {
		err := s.journal.Append(&Record{
			Applied: now.Unix(),
			Upgrade: *u,
		})
		if err != nil {
			return err
		}
	}
	s.commit(u, now)

	log.Infof("Applied governance %v from %v sequence %v",
		u.Action.Type(), u.Emitter, u.Sequence)

	return nil
}

// apply checks and commits an upgrade without journaling it.
//
// This function must be called with the WRITE lock held or before the state
// is shared.
func (s *State) apply(u *Upgrade, now time.Time) error {
	if err := s.check(u, now); err != nil {
		return err
	}
	s.commit(u, now)
	return nil
}

// check must be called with a lock held.
func (s *State) check(u *Upgrade, now time.Time) error {
	if u.Action == nil {
		return ErrUnsupportedAction
	}
	if u.TargetChain != 0 && u.TargetChain != s.chainID {
		return fmt.Errorf("%w: %v", ErrWrongTargetChain, u.TargetChain)
	}

	// The signing set may have been rotated since the message was
	// verified.
	if _, err := s.guardianSet(u.GuardianSetIndex, now); err != nil {
		return err
	}

	switch a := u.Action.(type) {
	case GuardianSetUpgrade:
		if u.Emitter != s.wormholeGovernanceSource {
			return fmt.Errorf("%w: %v", ErrUnauthorizedSource,
				u.Emitter)
		}
		if err := a.NewSet.validate(); err != nil {
			return err
		}
		switch {
		case a.NewSet.Index <= s.currentGuardianSet:
			return fmt.Errorf("%w: guardian set %v, current %v",
				ErrStaleGeneration, a.NewSet.Index,
				s.currentGuardianSet)
		case a.NewSet.Index != s.currentGuardianSet+1:
			return fmt.Errorf("%w: guardian set %v, current %v",
				ErrGenerationGap, a.NewSet.Index,
				s.currentGuardianSet)
		}
		// Only the current set may install its successor.
		if u.GuardianSetIndex != s.currentGuardianSet {
			return fmt.Errorf("%w: signed by guardian set %v, "+
				"current %v", ErrStaleGeneration,
				u.GuardianSetIndex, s.currentGuardianSet)
		}
		return nil

	case SetDataSources, AuthorizeGovernanceDataSourceTransfer:
		if u.Emitter != s.governanceSource {
			return fmt.Errorf("%w: %v", ErrUnauthorizedSource,
				u.Emitter)
		}
		if u.Sequence <= s.lastGovernanceSequence {
			return fmt.Errorf("%w: sequence %v, last %v",
				ErrStaleGeneration, u.Sequence,
				s.lastGovernanceSequence)
		}
	default:
		return ErrUnsupportedAction
	}

	switch a := u.Action.(type) {
	case SetDataSources:
		if len(a.DataSources) == 0 {
			return errNoDataSources
		}
	case AuthorizeGovernanceDataSourceTransfer:
		if a.Index <= s.governanceSourceIndex {
			return fmt.Errorf("%w: governance source %v, current %v",
				ErrStaleGeneration, a.Index,
				s.governanceSourceIndex)
		}
	}

	return nil
}

// commit must be called with the WRITE lock held and only after check
// succeeded.
func (s *State) commit(u *Upgrade, now time.Time) {
	switch a := u.Action.(type) {
	case GuardianSetUpgrade:
		old := s.guardianSets[s.currentGuardianSet]
		old.ExpirationTime = now.Add(s.guardianSetExpiry).Unix()
		ns := a.NewSet.copy()
		ns.ExpirationTime = 0
		s.guardianSets[ns.Index] = ns
		s.currentGuardianSet = ns.Index

	case SetDataSources:
		s.dataSources = make(map[DataSource]struct{},
			len(a.DataSources))
		for _, ds := range a.DataSources {
			s.dataSources[ds] = struct{}{}
		}
		s.lastGovernanceSequence = u.Sequence

	case AuthorizeGovernanceDataSourceTransfer:
		s.governanceSource = a.NewSource
		s.governanceSourceIndex = a.Index
		s.lastGovernanceSequence = a.ClaimSequence
	}
}
