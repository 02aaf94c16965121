// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "github.com/decred/dcrtrace/api/v1"
	"github.com/decred/dcrtrace/tcn"
	"github.com/decred/dcrtrace/util"
)

var (
	debug     = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJson = flag.Bool("json", false, "Print JSON response from server")
	host      = flag.String("h", "", "Trace host")
	trial     = flag.Bool("t", false, "Trial run, don't contact server")
	verbose   = flag.Bool("v", false, "Verbose")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: dcrtrace [flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  status                  Print the server parameters\n")
	fmt.Fprintf(os.Stderr, "  submit [ccn]            Submit a CCN, a random one if omitted\n")
	fmt.Fprintf(os.Stderr, "  fetch [timestamp]       Fetch all CCNs since timestamp\n")
	fmt.Fprintf(os.Stderr, "  check <tcn>...          Check TCNs against the retention window\n")
	fmt.Fprintf(os.Stderr, "  derive <ccn> [epochs]   Print the TCNs of a CCN\n\n")
	fmt.Fprintf(os.Stderr, "flags:\n")
	flag.PrintDefaults()
}

// isTimestamp determines if a string is a valid server timestamp.
func isTimestamp(timestamp string) bool {
	return v1.RegexpTimestamp.MatchString(timestamp)
}

func convertTimestamp(t string) (int64, bool) {
	if !isTimestamp(t) {
		return 0, false
	}

	ts, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return 0, false
	}

	return ts, true
}

// reply checks the status of a server reply and decodes it into v.  With
// -json the reply is copied to stdout instead and false is returned.
func reply(r *http.Response, v interface{}) (bool, error) {
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := util.GetError(r.Body)
		if err != nil {
			return false, fmt.Errorf("%v", r.Status)
		}
		return false, fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return false, nil
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return false, fmt.Errorf("could not decode %T: %v", v, err)
	}
	return true, nil
}

// post sends v as JSON to route.  It returns nil on a trial run.
func post(route string, v interface{}) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	if *debug {
		fmt.Println(string(b))
	}

	// If this is a trial run return.
	if *trial {
		return nil, nil
	}

	return http.Post(*host+route, "application/json", bytes.NewReader(b))
}

func get(route string) (*http.Response, error) {
	if *debug {
		fmt.Printf("GET %v\n", *host+route)
	}
	if *trial {
		return nil, nil
	}
	return http.Get(*host + route)
}

func status() error {
	r, err := get(v1.StatusRoute)
	if err != nil || r == nil {
		return err
	}

	var sr v1.StatusReply
	ok, err := reply(r, &sr)
	if !ok || err != nil {
		return err
	}

	fmt.Printf("Version      : %v\n", sr.Version)
	fmt.Printf("CCN size     : %v\n", sr.CCNSize)
	fmt.Printf("TCN size     : %v\n", sr.TCNSize)
	fmt.Printf("Epochs       : %v\n", sr.Epochs)
	fmt.Printf("Ratchets     : %v\n", sr.Ratchets)
	fmt.Printf("Bucket       : %v\n", time.Duration(sr.Bucket)*time.Second)
	fmt.Printf("Retention    : %v\n", time.Duration(sr.Retention)*time.Second)
	fmt.Printf("Check enabled: %v\n", sr.CheckEnabled)
	fmt.Printf("Max batch    : %v\n", sr.MaxBatch)
	return nil
}

func submit(args []string) error {
	var ccn tcn.CCN
	switch len(args) {
	case 0:
		_, err := io.ReadFull(rand.Reader, ccn[:])
		if err != nil {
			return err
		}
		if *verbose {
			fmt.Printf("Random CCN %v\n", ccn)
		}
	case 1:
		var err error
		ccn, err = tcn.ParseCCN(args[0])
		if err != nil {
			return fmt.Errorf("invalid ccn %v: %v", args[0], err)
		}
	default:
		return fmt.Errorf("submit takes at most one ccn")
	}

	r, err := post(v1.SubmitRoute, v1.Submit{CCN: ccn.String()})
	if err != nil || r == nil {
		return err
	}

	var sr v1.SubmitReply
	ok, err := reply(r, &sr)
	if !ok || err != nil {
		return err
	}

	fmt.Printf("%v Submitted %v\n", ccn, sr.ServerTimestamp)
	return nil
}

func fetch(args []string) error {
	route := v1.FetchRoute
	switch len(args) {
	case 0:
	case 1:
		if _, ok := convertTimestamp(args[0]); !ok {
			return fmt.Errorf("invalid timestamp: %v", args[0])
		}
		route += args[0]
	default:
		return fmt.Errorf("fetch takes at most one timestamp")
	}

	r, err := get(route)
	if err != nil || r == nil {
		return err
	}

	var fr v1.FetchReply
	ok, err := reply(r, &fr)
	if !ok || err != nil {
		return err
	}

	for _, v := range fr.CCNs {
		if *verbose {
			fmt.Printf("%v %v %v\n", v.CCN, v.Timestamp,
				time.Unix(0, v.Timestamp).UTC().
					Format(time.RFC3339Nano))
			continue
		}
		fmt.Printf("%v %v\n", v.CCN, v.Timestamp)
	}
	if len(fr.CCNs) != 0 {
		next := fr.CCNs[len(fr.CCNs)-1].Timestamp + 1
		fmt.Printf("Next cursor %v\n", next)
	}
	return nil
}

func check(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("check requires at least one tcn")
	}
	for _, a := range args {
		if !v1.RegexpTCN.MatchString(a) {
			return fmt.Errorf("not a tcn: %v", a)
		}
	}

	r, err := post(v1.CheckRoute, v1.Check{TCNs: args})
	if err != nil || r == nil {
		return err
	}

	var cr v1.CheckReply
	ok, err := reply(r, &cr)
	if !ok || err != nil {
		return err
	}

	if cr.Match {
		fmt.Printf("Match\n")
	} else {
		fmt.Printf("No match\n")
	}
	return nil
}

func derive(args []string, epochs int) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("derive takes a ccn and an optional epoch count")
	}
	ccn, err := tcn.ParseCCN(args[0])
	if err != nil {
		return fmt.Errorf("invalid ccn %v: %v", args[0], err)
	}
	if len(args) == 2 {
		epochs, err = strconv.Atoi(args[1])
		if err != nil || epochs <= 0 {
			return fmt.Errorf("invalid epochs: %v", args[1])
		}
	}

	for i, v := range ccn.Expand(epochs) {
		fmt.Printf("%4v %v\n", i, v)
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
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = tcn.DefaultEpochs
	}

	if *host == "" {
		*host = cfg.Host
	}
	if *host == "" {
		*host = v1.DefaultHost
	}

	scheme := "http://"
	if strings.HasPrefix(*host, "https://") {
		scheme = "https://"
	}
	addr := strings.TrimPrefix(strings.TrimPrefix(*host, "https://"),
		"http://")
	addr = util.NormalizeAddress(addr, v1.DefaultPort)

	// Set port if not specified.
	u, err := url.Parse(scheme + addr)
	if err != nil {
		return err
	}
	*host = u.String()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("nothing to do")
	}

	switch args[0] {
	case "status":
		return status()
	case "submit":
		return submit(args[1:])
	case "fetch":
		return fetch(args[1:])
	case "check":
		return check(args[1:])
	case "derive":
		return derive(args[1:], epochs)
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
