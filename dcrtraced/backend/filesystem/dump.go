// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
)

// NewDump opens an existing root for dumping or checking.  No background
// tasks are launched and expired containers are left alone.
func NewDump(root string, retention backend.Retention) (*FileSystem, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if !fi.Mode().IsDir() {
		return nil, errInvalidDB
	}
	return internalNew(root, retention)
}

// NewRestore creates a root to restore a dump into.  The root must not
// contain any containers yet.
func NewRestore(root string, retention backend.Retention) (*FileSystem, error) {
	files, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() {
			continue
		}
		if _, err := time.Parse(fStr, file.Name()); err == nil {
			return nil, os.ErrExist
		}
	}
	return internalNew(root, retention)
}

func dumpRecord(w io.Writer, human bool, r backend.Record) error {
	if human {
		fmt.Fprintf(w, "CCN        : %v\n", r.CCN)
		fmt.Fprintf(w, "Timestamp  : %v -> %v\n", r.Timestamp,
			time.Unix(0, r.Timestamp).UTC().Format(time.RFC3339Nano))
		return nil
	}

	e := json.NewEncoder(w)
	rt := backend.RecordType{
		Version: backend.RecordTypeVersion,
		Type:    backend.RecordTypeCCN,
	}
	err := e.Encode(rt)
	if err != nil {
		return err
	}
	return e.Encode(backend.CCNReceived{
		CCN:       r.CCN.String(),
		Timestamp: r.Timestamp,
	})
}

// Dump walks all containers, including expired ones that were not evicted
// yet, and dumps the content to either human readable or JSON format.
func (fs *FileSystem) Dump(w io.Writer, human bool) error {
	fs.RLock()
	defer fs.RUnlock()

	for _, bucket := range fs.buckets() {
		if human {
			fmt.Fprintf(w, "--- Bucket: %v %v\n", ts2dirname(bucket),
				bucket)
		}
		records, err := readContainer(fs.containers[bucket], 0, nil)
		if err != nil {
			return err
		}
		for _, r := range records {
			err = dumpRecord(w, human, r)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// restoreRecord stores a dumped record under its original timestamp.
//
// This function must be called with the WRITE lock held.
func (fs *FileSystem) restoreRecord(verbose bool, cr backend.CCNReceived) error {
	if cr.Timestamp <= 0 {
		return fmt.Errorf("invalid timestamp: %v", cr.Timestamp)
	}
	ccn, err := tcn.ParseCCN(cr.CCN)
	if err != nil {
		return fmt.Errorf("invalid ccn %v: %v", cr.CCN, err)
	}

	bucket := fs.bucket(cr.Timestamp)
	_, existed := fs.containers[bucket]
	db, err := fs.container(bucket)
	if err != nil {
		return err
	}
	if verbose && !existed {
		fmt.Printf("%v\n", ts2dirname(bucket))
	}

	err = db.Put(encodeKey(cr.Timestamp), EncodeRecord(ccn), nil)
	if err != nil {
		return err
	}
	if cr.Timestamp > fs.last {
		fs.last = cr.Timestamp
	}
	return nil
}

// Restore reads JSON encoded database contents and recreates the leveldb
// backend.
func (fs *FileSystem) Restore(r io.Reader, verbose bool) error {
	fs.Lock()
	defer fs.Unlock()

	d := json.NewDecoder(r)
	for {
		// Type
		var t backend.RecordType
		err := d.Decode(&t)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Check version we understand
		if t.Version != backend.RecordTypeVersion {
			return fmt.Errorf("unknown version %v", t.Version)
		}

		// Determine record type
		switch t.Type {
		case backend.RecordTypeCCN:
			var cr backend.CCNReceived
			err = d.Decode(&cr)
			if err != nil {
				return err
			}
			err = fs.restoreRecord(verbose, cr)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid record type: %v", t.Type)
		}
	}
}
