// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/pricefeed/pricefeedd/governance"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("pricefeedd", false)

	dumpJSON = flag.Bool("json", false, "Dump JSON")
	source   = flag.String("source", "", "Governance journal directory")
	testnet  = flag.Bool("testnet", false, "Use the testnet data directory")
)

func _main() error {
	flag.Parse()

	root := *source
	if root == "" {
		net := "mainnet"
		if *testnet {
			net = "testnet"
		}
		root = filepath.Join(defaultHomeDir, "data", net, "governance")
	}

	j, err := governance.OpenJournalReadOnly(root)
	if err != nil {
		return fmt.Errorf("open journal %v: %v", root, err)
	}
	defer j.Close()

	if !*dumpJSON {
		fmt.Printf("=== Root: %v\n", root)
	}
	return j.Dump(os.Stdout, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
