// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/decred/dcrtrace/tcn"
)

const (
	// DefaultBucket is the default bucket duration.
	DefaultBucket = 24 * time.Hour

	// DefaultRetention is the default retention window.
	DefaultRetention = 14 * 24 * time.Hour
)

var (
	// ErrStoreUnavailable wraps all storage failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreError wraps err so that it matches ErrStoreUnavailable.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Record is a stored CCN.  Timestamp is the server assigned UNIX time in
// nanoseconds and identifies the record.
type Record struct {
	CCN       tcn.CCN
	Timestamp int64
}

// Retention describes how records are bucketed and when they expire.
type Retention struct {
	Bucket time.Duration // Bucket size, records expire a bucket at a time
	Window time.Duration // Buckets older than this are invisible
}

// DefaultRetentionPolicy keeps 14 daily buckets.
var DefaultRetentionPolicy = Retention{
	Bucket: DefaultBucket,
	Window: DefaultRetention,
}

// Validate ensures the retention can be used.
func (r Retention) Validate() error {
	if r.Bucket < time.Second || r.Bucket%time.Second != 0 {
		return fmt.Errorf("invalid bucket duration: %v", r.Bucket)
	}
	if r.Window < r.Bucket {
		return fmt.Errorf("retention window %v shorter than bucket %v",
			r.Window, r.Bucket)
	}
	return nil
}

// BucketStart returns the start of the bucket the timestamp falls in.  All
// buckets are UTC.
func (r Retention) BucketStart(ts int64) time.Time {
	return time.Unix(0, ts).UTC().Truncate(r.Bucket)
}

// Horizon returns the start of the oldest bucket that is visible at now.
// A bucket starting at D is visible as long as now - D <= Window.
func (r Retention) Horizon(now time.Time) time.Time {
	return now.Add(-r.Window)
}

// Expired returns true if the bucket that starts at start is no longer
// visible at now.
func (r Retention) Expired(start, now time.Time) bool {
	return now.Sub(start) > r.Window
}

// Visible returns true if the record timestamp lies in a visible bucket.
func (r Retention) Visible(ts int64, now time.Time) bool {
	return !r.Expired(r.BucketStart(ts), now)
}

// NextTimestamp returns the timestamp assigned to a record appended at now
// when last is the most recently assigned timestamp.  Timestamps never
// repeat and never go backwards, even if the clock does.
func NextTimestamp(now time.Time, last int64) int64 {
	ts := now.UnixNano()
	if ts <= last {
		ts = last + 1
	}
	return ts
}

// Record types.
const (
	RecordTypeCCN = "ccn"

	RecordTypeVersion = 1
)

// RecordType indicates what the next record is in a restore stream. All
// records are dumped prefixed with a RecordType so that they can be simply
// replayed as a journal.
type RecordType struct {
	Version uint   `json:"version"` // Version of RecordType
	Type    string `json:"type"`    // Type or record
}

// CCNReceived describes when a CCN was received by the server.
type CCNReceived struct {
	CCN       string `json:"ccn"`       // CCN, base64
	Timestamp int64  `json:"timestamp"` // Server received timestamp
}

// FsckOptions provides generic options on how to handle an fsck. Sane defaults
// will be used in lieu of options being provided.
type FsckOptions struct {
	Verbose      bool // Normal verbosity
	PrintRecords bool // Prints every record
	Fix          bool // Fix fixable errors

	File string // Path for results file
}

type Backend interface {
	// Store a CCN and return the record as stored.  Put either stores the
	// CCN or fails with ErrStoreUnavailable.
	Put(tcn.CCN) (Record, error)

	// Return all visible records with a timestamp >= the provided
	// cursor in ascending timestamp order.
	Range(int64) ([]Record, error)

	// Return all visible records in ascending timestamp order.
	Window() ([]Record, error)

	// Evict physically removes expired records and returns how many
	// were removed.  Reads hide expired records whether or not Evict
	// ran.
	Evict() (int, error)

	// Close performs cleanup of the backend.
	Close()

	// Dump dumps database to the provided writer. If the human flag
	// is set to true it pretty prints the database content otherwise
	// it dumps a JSON stream.
	Dump(io.Writer, bool) error

	// Restore recreates the the database from the provided JSON
	// stream.  The verbose flag is set to true to indicate that this
	// call may print to stdout.
	Restore(io.Reader, bool) error

	// Fsck walks all data and verifies its integrity.
	Fsck(*FsckOptions) error
}
