// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	FilesystemActionVersion = 1 // All structure versions

	FilesystemActionHeader          = "header"
	FilesystemActionDeleteRecord    = "deleterecord"
	FilesystemActionDeleteContainer = "deletecontainer"
)

type FilesystemAction struct {
	Version   uint64 `json:"version"`   // Version of structure
	Timestamp int64  `json:"timestamp"` // Timestamp of action
	Action    string `json:"action"`    // Following JSON command
}

type FilesystemHeader struct {
	Version uint64 `json:"version"` // Version of structure
	Start   int64  `json:"start"`   // Start of fsck
	DryRun  bool   `json:"dryrun"`  // Dry run
}

type FilesystemDeleteRecord struct {
	Version   uint64 `json:"version"`   // Version of structure
	Key       string `json:"key"`       // Hex encoded key
	Directory string `json:"directory"` // Container of the record
	Reason    string `json:"reason"`    // Why it was deleted
}

type FilesystemDeleteContainer struct {
	Version   uint64 `json:"version"`   // Version of structure
	Bucket    int64  `json:"bucket"`    // Bucket start
	Directory string `json:"directory"` // Directory name of bucket
}

// validJournalAction returns true if the action is a valid FilesystemAction.
func validJournalAction(action string) bool {
	switch action {
	case FilesystemActionHeader:
	case FilesystemActionDeleteRecord:
	case FilesystemActionDeleteContainer:
	default:
		return false
	}
	return true
}

// journal records what fix occurred at what time if filename != "".
func journal(filename, action string, payload interface{}) error {
	// See if we are journaling
	if filename == "" {
		return nil
	}

	// Sanity
	if !validJournalAction(action) {
		return fmt.Errorf("invalid journal action: %v", action)
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	defer f.Close()

	// Write FilesystemAction
	e := json.NewEncoder(f)
	rt := FilesystemAction{
		Version:   FilesystemActionVersion,
		Timestamp: time.Now().Unix(),
		Action:    action,
	}
	err = e.Encode(rt)
	if err != nil {
		return err
	}

	// Write payload
	return e.Encode(payload)
}

// fsckContainer verifies every record of a container.  A record is bad if
// its key or value can't be decoded, if the checksum doesn't match or if it
// does not belong in this bucket.  It returns the keys of bad records.
func (fs *FileSystem) fsckContainer(bucket int64, db *leveldb.DB, options *backend.FsckOptions) (int, [][]byte, error) {
	var (
		count int
		bad   [][]byte
	)
	iter := db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		count++
		key := append([]byte(nil), iter.Key()...)

		ts, err := decodeKey(key)
		if err != nil {
			fmt.Printf("  Invalid key %x: %v\n", key, err)
			bad = append(bad, key)
			continue
		}
		ccn, err := DecodeRecord(iter.Value())
		if err != nil {
			fmt.Printf("  Invalid record %v: %v\n", ts, err)
			bad = append(bad, key)
			continue
		}
		if fs.bucket(ts) != bucket {
			fmt.Printf("  Record %v in wrong bucket: %v\n", ts,
				ts2dirname(fs.bucket(ts)))
			bad = append(bad, key)
			continue
		}
		if options.PrintRecords {
			fmt.Printf("  %v %v\n", ts, ccn)
		}
	}
	return count, bad, iter.Error()
}

// Fsck walks all containers and verifies all records.  Expired containers
// are reported and, if options.Fix is set, removed along with bad records.
func (fs *FileSystem) Fsck(options *backend.FsckOptions) error {
	if options == nil {
		options = &backend.FsckOptions{}
	}

	fs.Lock()
	defer fs.Unlock()

	err := journal(options.File, FilesystemActionHeader,
		FilesystemHeader{
			Version: FilesystemActionVersion,
			Start:   time.Now().Unix(),
			DryRun:  !options.Fix,
		})
	if err != nil {
		return err
	}

	now := fs.now()
	containers := len(fs.containers)
	var total, bad, expired int
	for _, bucket := range fs.buckets() {
		dir := ts2dirname(bucket)
		if options.Verbose {
			fmt.Printf("--- Checking: %v\n", dir)
		}

		if fs.retention.Expired(time.Unix(bucket, 0), now) {
			expired++
			fmt.Printf("  Expired container: %v\n", dir)
		}

		db := fs.containers[bucket]
		count, keys, err := fs.fsckContainer(bucket, db, options)
		if err != nil {
			return fmt.Errorf("%v: %v", dir, err)
		}
		total += count
		bad += len(keys)

		if !options.Fix {
			continue
		}
		for _, key := range keys {
			err = journal(options.File, FilesystemActionDeleteRecord,
				FilesystemDeleteRecord{
					Version:   FilesystemActionVersion,
					Key:       fmt.Sprintf("%x", key),
					Directory: dir,
					Reason:    "invalid",
				})
			if err != nil {
				return err
			}
			err = db.Delete(key, nil)
			if err != nil {
				return err
			}
		}
	}

	if options.Fix && expired != 0 {
		for _, bucket := range fs.buckets() {
			if !fs.retention.Expired(time.Unix(bucket, 0), now) {
				break
			}
			err = journal(options.File, FilesystemActionDeleteContainer,
				FilesystemDeleteContainer{
					Version:   FilesystemActionVersion,
					Bucket:    bucket,
					Directory: filepath.Join(fs.root, ts2dirname(bucket)),
				})
			if err != nil {
				return err
			}
		}
		_, err = fs.doEvict()
		if err != nil {
			return err
		}
	}

	fmt.Printf("Containers: %v expired: %v records: %v bad: %v\n",
		containers, expired, total, bad)

	return nil
}
