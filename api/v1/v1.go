// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// DefaultHost indicates the default trace host server.
	DefaultHost = "localhost"

	// DefaultPort indicates the default trace host port.
	DefaultPort = "5000"

	// TimestampVar is the mux variable of the fetch cursor.
	TimestampVar = "timestamp"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving the server status
	// and protocol parameters.
	StatusRoute = RoutePrefix + "/status/"

	// SubmitRoute defines the API route for submitting a CCN.
	SubmitRoute = RoutePrefix + "/submit/"

	// FetchRoute defines the API route for retrieving all CCNs since a
	// timestamp.  The timestamp is appended to the route.
	FetchRoute = RoutePrefix + "/fetch/"

	// CheckRoute defines the API route for checking a batch of TCNs
	// against the retention window.
	CheckRoute = RoutePrefix + "/check/"

	// MetricsRoute is the prometheus scrape route.  It is not versioned.
	MetricsRoute = "/metrics"

	// RegexpCCN is the valid text representation of a CCN.
	RegexpCCN = regexp.MustCompile("^[A-Za-z0-9_-]{43}$")

	// RegexpTCN is the valid text representation of a TCN.
	RegexpTCN = regexp.MustCompile("^[A-Za-z0-9_-]{22}$")

	// RegexpTimestamp is the valid text representation of a server
	// timestamp in nanoseconds.
	RegexpTimestamp = regexp.MustCompile("^[0-9]{1,19}$")
)

// StatusReply is returned by the server if everything is running properly.
// It carries the parameters clients need to derive TCNs the same way the
// server does.
type StatusReply struct {
	Version      int   `json:"version"`
	CCNSize      int   `json:"ccnsize"`      // Bytes
	TCNSize      int   `json:"tcnsize"`      // Bytes
	Epochs       int   `json:"epochs"`       // TCNs per CCN
	Ratchets     int   `json:"ratchets"`     // Successors per CCN
	Bucket       int64 `json:"bucket"`       // Seconds
	Retention    int64 `json:"retention"`    // Seconds
	CheckEnabled bool  `json:"checkenabled"` // Server side check available
	MaxBatch     int   `json:"maxbatch"`     // Maximum TCNs per check
}

// Submit is used to store a CCN on the server.
type Submit struct {
	CCN string `json:"ccn"`
}

// SubmitReply is returned after storing a CCN.  ServerTimestamp is the
// timestamp the CCN was stored under and can be used as a fetch cursor.
type SubmitReply struct {
	ServerTimestamp int64 `json:"servertimestamp"`
}

// CCN is a stored CCN together with its server timestamp.
type CCN struct {
	CCN       string `json:"ccn"`
	Timestamp int64  `json:"timestamp"`
}

// FetchReply contains all CCNs with a timestamp >= the requested one in
// ascending timestamp order.  Clients page forward by fetching from the last
// timestamp plus one.
type FetchReply struct {
	CCNs []CCN `json:"ccns"`
}

// Check is used to ask the server if any of the TCNs was derived from a CCN
// in the retention window.
type Check struct {
	TCNs []string `json:"tcns"`
}

// CheckReply reports whether any TCN matched.  It never says which.
type CheckReply struct {
	Match bool `json:"match"`
}

// ErrorReply is returned with every non 200 status.
type ErrorReply struct {
	Error string `json:"error"`
}
