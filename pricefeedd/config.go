// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	v1 "github.com/decred/pricefeed/api/v1"
	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/decred/pricefeed/pricefeedd/benchmarks"
	"github.com/decred/pricefeed/pricefeedd/governance"
	"github.com/ethereum/go-ethereum/common"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "pricefeedd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "pricefeedd.log"
	defaultJournalDirname = "governance"

	defaultBenchmarksURL     = "https://benchmarks.pyth.network"
	defaultSweepSchedule     = "@every 1m"
	defaultQuorumNumerator   = 2
	defaultQuorumDenominator = 3
	defaultGuardianSetExpiry = 24 * time.Hour
	defaultConcurrency       = 8
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("pricefeedd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultHTTPSKey   = filepath.Join(defaultHomeDir, "https.key")
	defaultHTTPSCert  = filepath.Join(defaultHomeDir, "https.cert")
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for pricefeedd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir     string   `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string   `long:"logdir" description:"Directory to log output."`
	TestNet     bool     `long:"testnet" description:"Use the test network port"`
	DebugLevel  string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners   []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 49160, testnet: 59160)"`
	HTTPSCert   string   `long:"httpscert" description:"File containing the https certificate file"`
	HTTPSKey    string   `long:"httpskey" description:"File containing the https certificate key"`
	DisableTLS  bool     `long:"notls" description:"Serve plain HTTP"`

	// Historical fallback.
	BenchmarksURL     string        `long:"benchmarksurl" description:"Historical price service base URL, empty disables the fallback"`
	BenchmarksTimeout time.Duration `long:"benchmarkstimeout" description:"Historical price service request timeout"`
	BenchmarksRate    float64       `long:"benchmarksrate" description:"Historical price service requests per second"`
	BenchmarksBurst   int           `long:"benchmarksburst" description:"Historical price service request burst"`

	// Retention.
	MaxUpdates    int           `long:"maxupdates" description:"Maximum number of updates retained per feed, 0 is unbounded"`
	MaxAge        time.Duration `long:"maxage" description:"Maximum age of retained updates relative to the newest one, 0 is unbounded"`
	SweepSchedule string        `long:"sweepschedule" description:"Cron schedule of the retention sweep, empty disables it"`

	// Verification.
	QuorumNumerator   uint64        `long:"quorumnum" description:"Signature quorum numerator"`
	QuorumDenominator uint64        `long:"quorumden" description:"Signature quorum denominator"`
	GuardianKeys      []string      `long:"guardian" description:"Genesis guardian address, may be repeated in guardian index order"`
	GuardianSetIndex  uint32        `long:"guardiansetindex" description:"Genesis guardian set index"`
	GuardianSetExpiry time.Duration `long:"guardiansetexpiry" description:"Validity of a guardian set after it has been replaced"`
	DataSources       []string      `long:"datasource" description:"Genesis price data source as chain:address, may be repeated"`
	GovernanceSource  string        `long:"governancesource" description:"Genesis governance data source as chain:address"`
	GovernanceIndex   uint32        `long:"governanceindex" description:"Genesis governance data source index"`
	WormholeSource    string        `long:"wormholesource" description:"Guardian set governance data source as chain:address"`
	ChainID           uint16        `long:"chainid" description:"Chain id governance actions must target"`

	// Feeds.
	FeedIDs     []string `long:"feed" description:"Price feed id known before any update arrives, may be repeated"`
	IngestURL   string   `long:"ingesturl" description:"Websocket endpoint streaming update payloads, empty disables it"`
	Concurrency int      `long:"concurrency" description:"Number of payloads decoded concurrently per submission"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		}
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// genesis returns the governance genesis described by the configuration.
func (cfg *config) genesis() (*governance.Genesis, error) {
	if len(cfg.GuardianKeys) == 0 {
		return nil, errors.New("at least one --guardian is required")
	}
	g := &governance.Genesis{
		GuardianSet: governance.GuardianSet{
			Index: cfg.GuardianSetIndex,
			Keys:  make([]common.Address, 0, len(cfg.GuardianKeys)),
		},
		GovernanceSourceIndex: cfg.GovernanceIndex,
		ChainID:               cfg.ChainID,
		GuardianSetExpiry:     cfg.GuardianSetExpiry,
	}
	for _, k := range cfg.GuardianKeys {
		if !common.IsHexAddress(k) {
			return nil, fmt.Errorf("invalid guardian address %q", k)
		}
		g.GuardianSet.Keys = append(g.GuardianSet.Keys,
			common.HexToAddress(k))
	}
	for _, s := range cfg.DataSources {
		ds, err := governance.ParseDataSource(s)
		if err != nil {
			return nil, fmt.Errorf("datasource: %v", err)
		}
		g.DataSources = append(g.DataSources, ds)
	}

	var err error
	g.GovernanceSource, err = governance.ParseDataSource(cfg.GovernanceSource)
	if err != nil {
		return nil, fmt.Errorf("governancesource: %v", err)
	}
	g.WormholeGovernanceSource, err = governance.ParseDataSource(cfg.WormholeSource)
	if err != nil {
		return nil, fmt.Errorf("wormholesource: %v", err)
	}
	return g, nil
}

// universe returns the configured feed ids.
func (cfg *config) universe() ([]backend.FeedID, error) {
	ids := make([]backend.FeedID, 0, len(cfg.FeedIDs))
	for _, s := range cfg.FeedIDs {
		id, err := backend.ParseFeedID(s)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %v", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in pricefeedd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:           defaultHomeDir,
		ConfigFile:        defaultConfigFile,
		DebugLevel:        defaultLogLevel,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		HTTPSKey:          defaultHTTPSKey,
		HTTPSCert:         defaultHTTPSCert,
		BenchmarksURL:     defaultBenchmarksURL,
		BenchmarksTimeout: benchmarks.DefaultTimeout,
		BenchmarksRate:    benchmarks.DefaultRate,
		BenchmarksBurst:   benchmarks.DefaultBurst,
		SweepSchedule:     defaultSweepSchedule,
		QuorumNumerator:   defaultQuorumNumerator,
		QuorumDenominator: defaultQuorumDenominator,
		GuardianSetExpiry: defaultGuardianSetExpiry,
		Concurrency:       defaultConcurrency,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Update the home directory for pricefeedd if specified.  Since the
	// home directory is updated, other variables need to be updated to
	// reflect the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.HTTPSKey == defaultHTTPSKey {
			cfg.HTTPSKey = filepath.Join(cfg.HomeDir, "https.key")
		} else {
			cfg.HTTPSKey = preCfg.HTTPSKey
		}
		if preCfg.HTTPSCert == defaultHTTPSCert {
			cfg.HTTPSCert = filepath.Join(cfg.HomeDir, "https.cert")
		} else {
			cfg.HTTPSCert = preCfg.HTTPSCert
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
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
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	netName := "mainnet"
	port := v1.DefaultMainnetPricePort
	if cfg.TestNet {
		netName = "testnet"
		port = v1.DefaultTestnetPricePort
	}
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), netName)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), netName)
	cfg.HTTPSKey = cleanAndExpandPath(cfg.HTTPSKey)
	cfg.HTTPSCert = cleanAndExpandPath(cfg.HTTPSCert)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Add the default listener if none were specified.  The default
	// listener is all addresses on the listen port for the network we are
	// to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{net.JoinHostPort("", port)}
	}
	cfg.Listeners = normalizeAddresses(cfg.Listeners, port)

	if cfg.MaxUpdates < 0 || cfg.MaxAge < 0 {
		str := "%s: retention bounds may not be negative"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
