// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "pricefeed.conf"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("pricefeed", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration options for pricefeed.
//
// See loadConfig for details on the configuration load process.
type config struct {
	Host       string `long:"host" description:"Price feed host"`
	ServerCert string `long:"servercert" description:"Certificate of the price feed host, defaults to the system roots"`
	SkipVerify bool   `long:"skipverify" description:"Do not verify the certificate of the price feed host"`
}

// loadConfig initializes and parses the config using a config file.  A
// missing config file is not an error.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{}

	err := flags.IniParse(defaultConfigFile, &cfg)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			return nil, err
		}
	}

	err = initHomeDirectory(defaultHomeDir)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// initHomeDirectory creates the home directory if it doesn't already exist.
func initHomeDirectory(homeDir string) error {
	funcName := "initHomeDirectory"
	err := os.MkdirAll(homeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	return nil
}
