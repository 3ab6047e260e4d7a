// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	v1 "github.com/decred/pricefeed/api/v1"
	"github.com/decred/pricefeed/util"
)

const (
	pricefeedClientID = "pricefeed cli"

	defaultHost = "127.0.0.1"
)

var (
	testnet   = flag.Bool("testnet", false, "Use testnet port")
	debug     = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJson = flag.Bool("json", false, "Print JSON response from server")
	host      = flag.String("h", "", "Price feed host")
	noTLS     = flag.Bool("notls", false, "Use plain HTTP")
	binary    = flag.Bool("binary", false, "Request raw update data")
	strict    = flag.Bool("strict", false, "Fail when a feed has no update")
	trial     = flag.Bool("t", false, "Trial run, don't contact server")
	verbose   = flag.Bool("v", false, "Verbose")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pricefeed [flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  latest <id>...          newest update of the feeds\n")
	fmt.Fprintf(os.Stderr, "  at <id> <timestamp>     first update at or after timestamp\n")
	fmt.Fprintf(os.Stderr, "  ids                     known feed ids\n")
	fmt.Fprintf(os.Stderr, "  submit <file>...        submit update payloads\n\n")
	fmt.Fprintf(os.Stderr, "flags:\n")
	flag.PrintDefaults()
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// isFeedID determines if a string is a valid feed id.
func isFeedID(id string) bool {
	return v1.RegexpFeedID.MatchString(id)
}

// isTimestamp determines if a string is a valid UNIX timestamp.
func isTimestamp(timestamp string) bool {
	return v1.RegexpTimestamp.MatchString(timestamp)
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e v1.ErrorReply
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	if e.Error == "" {
		return "", fmt.Errorf("no error response")
	}
	return e.Error, nil
}

func newClient(cfg *config) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.ServerCert != "" {
		pem, err := util.ReadCert(cfg.ServerCert)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = x509.NewCertPool()
		if !tlsConfig.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("unable to load cert %v",
				cfg.ServerCert)
		}
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr, Timeout: time.Minute}, nil
}

// client issues requests against the daemon.
type client struct {
	http *http.Client
}

// do performs the request and decodes a successful reply into reply.
func (c *client) do(r *http.Response, err error, reply interface{}) error {
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(reply); err != nil {
		return fmt.Errorf("could not decode %T: %v", reply, err)
	}
	return nil
}

func (c *client) get(route string, q url.Values, reply interface{}) error {
	u := *host + route
	if len(q) != 0 {
		u += "?" + q.Encode()
	}
	if *debug {
		fmt.Println(u)
	}
	if *trial {
		return nil
	}
	r, err := c.http.Get(u)
	return c.do(r, err, reply)
}

func printFeed(f v1.PriceFeed) {
	if f.Result != v1.ResultOK {
		fmt.Printf("%v %v: %v\n", f.ID, f.Result, f.Error)
		return
	}
	fmt.Printf("%v %v %v±%v e%v (%v)\n", f.ID, f.Price.PublishTime,
		f.Price.Price, f.Price.Conf, f.Price.Expo, f.Metadata.Source)
	if !*verbose {
		return
	}
	fmt.Printf("  %-15v: %v±%v e%v\n", "EMA", f.EmaPrice.Price,
		f.EmaPrice.Conf, f.EmaPrice.Expo)
	if f.Metadata.PrevPublishTime != nil {
		fmt.Printf("  %-15v: %v\n", "Previous",
			*f.Metadata.PrevPublishTime)
	}
	if f.Metadata.Slot != 0 {
		fmt.Printf("  %-15v: %v\n", "Slot", f.Metadata.Slot)
	}
	if f.VAA != "" {
		fmt.Printf("  %-15v: %v\n", "Update data", f.VAA)
	}
}

func (c *client) latest(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("latest: no feed ids")
	}
	q := url.Values{}
	for _, id := range ids {
		if !isFeedID(id) {
			return fmt.Errorf("not a feed id: %v", id)
		}
		q.Add(v1.QueryIDs, id)
	}
	q.Set(v1.QueryBinary, strconv.FormatBool(*binary))
	q.Set(v1.QueryStrict, strconv.FormatBool(*strict))

	var reply v1.LatestPriceFeedsReply
	if err := c.get(v1.LatestPriceFeedsRoute, q, &reply); err != nil {
		return err
	}
	for _, f := range reply.PriceFeeds {
		printFeed(f)
	}
	return nil
}

func (c *client) at(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("at: expected <id> <timestamp>")
	}
	if !isFeedID(args[0]) {
		return fmt.Errorf("not a feed id: %v", args[0])
	}
	if !isTimestamp(args[1]) {
		return fmt.Errorf("not a timestamp: %v", args[1])
	}
	q := url.Values{}
	q.Set(v1.QueryID, args[0])
	q.Set(v1.QueryPublishTime, args[1])
	q.Set(v1.QueryBinary, strconv.FormatBool(*binary))

	var reply v1.GetPriceFeedReply
	if err := c.get(v1.GetPriceFeedRoute, q, &reply); err != nil {
		return err
	}
	if reply.PriceFeed.ID == "" {
		return nil
	}
	printFeed(reply.PriceFeed)
	for _, d := range reply.UpdateData {
		fmt.Printf("  %-15v: %v\n", "Proof", d)
	}
	return nil
}

func (c *client) ids() error {
	var reply v1.PriceFeedIDsReply
	if err := c.get(v1.PriceFeedIDsRoute, nil, &reply); err != nil {
		return err
	}
	for _, id := range reply.IDs {
		fmt.Println(id)
	}
	return nil
}

func (c *client) submit(files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("submit: no files")
	}
	u := v1.Updates{
		ID: pricefeedClientID,
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		payloads, err := util.ReadPayloadFile(f)
		if err != nil {
			return err
		}
		for range payloads {
			names = append(names, f)
		}
		u.Payloads = append(u.Payloads, payloads...)
	}
	if len(u.Payloads) > v1.MaxUpdatePayloads {
		return fmt.Errorf("too many payloads: %v > %v", len(u.Payloads),
			v1.MaxUpdatePayloads)
	}

	// Convert Updates to JSON
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if *debug {
		fmt.Println(string(b))
	}

	// If this is a trial run return.
	if *trial {
		return nil
	}

	r, err := c.http.Post(*host+v1.UpdatesRoute, "application/json",
		bytes.NewReader(b))
	var reply v1.UpdatesReply
	if err := c.do(r, err, &reply); err != nil {
		return err
	}

	// Print human readable results.
	for k, res := range reply.Results {
		if k >= len(names) {
			break
		}
		if res.Result != v1.ResultOK {
			fmt.Printf("%v #%v %v: %v\n", names[k], k, res.Result,
				res.Error)
			continue
		}
		fmt.Printf("%v #%v %v %v updates\n", names[k], k, res.Format,
			len(res.Outcomes))
		if res.Governance != "" {
			fmt.Printf("  %-15v: %v\n", "Governance", res.Governance)
		}
		if !*verbose {
			continue
		}
		for _, o := range res.Outcomes {
			fmt.Printf("  %v %v %v\n", o.ID, o.PublishTime, o.Outcome)
		}
		for _, e := range res.Errors {
			fmt.Printf("  rejected: %v\n", e)
		}
	}

	return nil
}

func _main() error {
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	if *host == "" {
		*host = cfg.Host
	}
	if *host == "" {
		*host = defaultHost
	}

	port := v1.DefaultMainnetPricePort
	if *testnet {
		port = v1.DefaultTestnetPricePort
	}

	*host = normalizeAddress(*host, port)

	scheme := "https"
	if *noTLS {
		scheme = "http"
	}
	u, err := url.Parse(scheme + "://" + *host)
	if err != nil {
		return err
	}
	*host = u.String()

	hc, err := newClient(cfg)
	if err != nil {
		return err
	}
	c := &client{http: hc}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("nothing to do")
	}
	switch args[0] {
	case "latest":
		return c.latest(args[1:])
	case "at":
		return c.at(args[1:])
	case "ids":
		return c.ids()
	case "submit":
		return c.submit(args[1:])
	}
	return fmt.Errorf("unknown command: %v", args[0])
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
