// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/decred/pricefeed/pricefeedd/codec"
	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/decred/pricefeed/util"
	"github.com/ethereum/go-ethereum/common"
)

var (
	file       = flag.String("f", "", "Update payload file")
	guardians  = flag.String("g", "", "Comma separated guardian addresses in index order")
	setIndex   = flag.Uint("i", 0, "Guardian set index")
	dataSource = flag.String("s", "", "Trusted data source as chain:address, defaults to the emitter")
	quorumNum  = flag.Uint64("qn", codec.DefaultQuorum.Num, "Quorum numerator")
	quorumDen  = flag.Uint64("qd", codec.DefaultQuorum.Den, "Quorum denominator")
	verbose    = flag.Bool("v", false, "Verbose")
)

// trustedSource returns the configured data source, or the emitter of the
// payload when none was configured.
func trustedSource(raw []byte) (governance.DataSource, error) {
	if *dataSource != "" {
		return governance.ParseDataSource(*dataSource)
	}
	_, v, err := codec.Detect(raw)
	if err != nil {
		return governance.DataSource{}, err
	}
	if v == nil {
		return governance.DataSource{}, fmt.Errorf("must provide -s " +
			"for accumulator payloads")
	}
	return v.Emitter(), nil
}

func check(gs governance.GuardianSet, c *codec.Codec, raw []byte) error {
	ds, err := trustedSource(raw)
	if err != nil {
		return err
	}
	gov, err := governance.New(governance.Genesis{
		GuardianSet:              gs,
		DataSources:              []governance.DataSource{ds},
		GovernanceSource:         ds,
		WormholeGovernanceSource: ds,
	}, nil)
	if err != nil {
		return err
	}

	d, err := c.DecodeAndVerify(raw, gov)
	if err != nil {
		return err
	}
	fmt.Printf("%v payload from %v\n", d.Format, ds)
	if d.Upgrade != nil {
		fmt.Printf("  %-15v: %v\n", "Governance", d.Upgrade.Action.Type())
		fmt.Printf("  %-15v: %v\n", "Sequence", d.Upgrade.Sequence)
	}
	for _, u := range d.Updates {
		fmt.Printf("%v %v %v±%v e%v OK\n", u.FeedID, u.PublishTime(),
			u.Price.Price, u.Price.Confidence, u.Price.Exponent)
		if *verbose {
			fmt.Printf("  %-15v: %v\n", "Update data",
				hex.EncodeToString(u.RawUpdateData))
		}
	}
	for _, e := range d.Errors {
		fmt.Printf("rejected: %v\n", e)
	}
	if len(d.Errors) != 0 {
		return fmt.Errorf("%v updates failed verification",
			len(d.Errors))
	}
	return nil
}

func _main() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pricefeed_checker [-s {source}|-i "+
			"{index}|-v] -g {guardians} -f {file}\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// require -f
	if *file == "" {
		return fmt.Errorf("must provide -f")
	}

	// require -g
	if *guardians == "" {
		return fmt.Errorf("must provide -g")
	}
	gs := governance.GuardianSet{Index: uint32(*setIndex)}
	for _, g := range strings.Split(*guardians, ",") {
		g = strings.TrimSpace(g)
		if !common.IsHexAddress(g) {
			return fmt.Errorf("invalid guardian address: %v", g)
		}
		gs.Keys = append(gs.Keys, common.HexToAddress(g))
	}

	c, err := codec.New(codec.Config{
		Quorum: codec.Quorum{Num: *quorumNum, Den: *quorumDen},
	})
	if err != nil {
		return err
	}

	payloads, err := util.ReadPayloadFile(*file)
	if err != nil {
		return err
	}
	var failed int
	for i, p := range payloads {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return err
		}
		if *verbose {
			fmt.Printf("=== Payload %v (%v bytes)\n", i, len(raw))
		}
		if err := check(gs, c, raw); err != nil {
			fmt.Printf("payload %v: %v\n", i, err)
			failed++
		}
	}
	if failed != 0 {
		return fmt.Errorf("%v of %v payloads failed", failed,
			len(payloads))
	}
	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
