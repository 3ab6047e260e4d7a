// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"fmt"

	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/ethereum/go-ethereum/common"
)

// Governance actions.
const (
	ActionAuthorizeGovernanceDataSourceTransfer = 2
	ActionSetDataSources                        = 3
	ActionRequestGovernanceDataSourceTransfer   = 6

	ActionGuardianSetUpgrade = 2
)

// decodeGovernance decodes a verified governance attestation.  The emitter
// is checked here so that unauthorized messages are rejected before they
// reach the governance state, which checks again under its lock.
func (c *Codec) decodeGovernance(v *VAA, gov *governance.State) (*governance.Upgrade, error) {
	if bytes.HasPrefix(v.Payload, coreGovernanceModule) {
		if v.Emitter() != gov.WormholeGovernanceSource() {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorizedSource,
				v.Emitter())
		}
		return decodeGuardianSetUpgrade(v)
	}

	if src, _ := gov.GovernanceSource(); v.Emitter() != src {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorizedSource,
			v.Emitter())
	}

	r := newReader(v.Payload)
	r.take(len(magicPythGovernance))
	module := r.u8()
	action := r.u8()
	chain := r.u16()
	if r.err != nil {
		return nil, r.err
	}
	if module != pythGovernanceModule {
		return nil, unsupported("governance module %v", module)
	}

	u := &governance.Upgrade{
		Emitter:          v.Emitter(),
		Sequence:         v.Sequence,
		GuardianSetIndex: v.GuardianSetIndex,
		TargetChain:      chain,
	}
	switch action {
	case ActionAuthorizeGovernanceDataSourceTransfer:
		claim, err := ParseVAA(r.rest())
		if err != nil {
			return nil, err
		}
		if err := c.verifyVAA(claim, gov); err != nil {
			return nil, err
		}
		index, err := decodeTransferRequest(claim.Payload)
		if err != nil {
			return nil, err
		}
		u.Action = governance.AuthorizeGovernanceDataSourceTransfer{
			NewSource:     claim.Emitter(),
			Index:         index,
			ClaimSequence: claim.Sequence,
		}

	case ActionSetDataSources:
		n := int(r.u8())
		sources := make([]governance.DataSource, 0, n)
		for i := 0; i < n; i++ {
			var ds governance.DataSource
			ds.EmitterChain = r.u16()
			copy(ds.EmitterAddress[:], r.take(governance.AddressSize))
			sources = append(sources, ds)
		}
		if r.err != nil {
			return nil, r.err
		}
		u.Action = governance.SetDataSources{DataSources: sources}

	default:
		return nil, unsupported("governance action %v", action)
	}

	return u, nil
}

// decodeTransferRequest decodes the claim signed by a new governance source
// and returns its governance source index.
func decodeTransferRequest(payload []byte) (uint32, error) {
	r := newReader(payload)
	magic := r.take(len(magicPythGovernance))
	module := r.u8()
	action := r.u8()
	r.u16() // Target chain
	index := r.u32()
	if r.err != nil {
		return 0, r.err
	}
	if !bytes.Equal(magic, magicPythGovernance) ||
		module != pythGovernanceModule ||
		action != ActionRequestGovernanceDataSourceTransfer {
		return 0, malformed("invalid governance transfer claim")
	}
	return index, nil
}

func decodeGuardianSetUpgrade(v *VAA) (*governance.Upgrade, error) {
	r := newReader(v.Payload)
	r.take(len(coreGovernanceModule))
	action := r.u8()
	chain := r.u16()
	index := r.u32()
	n := int(r.u8())
	if r.err != nil {
		return nil, r.err
	}
	if action != ActionGuardianSetUpgrade {
		return nil, unsupported("core governance action %v", action)
	}
	keys := make([]common.Address, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, common.BytesToAddress(r.take(common.AddressLength)))
	}
	if r.err != nil {
		return nil, r.err
	}
	return &governance.Upgrade{
		Emitter:          v.Emitter(),
		Sequence:         v.Sequence,
		GuardianSetIndex: v.GuardianSetIndex,
		TargetChain:      chain,
		Action: governance.GuardianSetUpgrade{
			NewSet: governance.GuardianSet{
				Index: index,
				Keys:  keys,
			},
		},
	}, nil
}
