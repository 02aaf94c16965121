// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
	"github.com/robfig/cron"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	fStr = "20060102.150405"

	keySize    = 8
	recordSize = 4 + tcn.CCNSize
)

var (
	_ backend.Backend = (*FileSystem)(nil)

	// DefaultEvictSchedule runs the evictor on the hour + 10 seconds.
	//
	// Seconds Minutes Hours Days Months DayOfWeek
	DefaultEvictSchedule = "10 0 * * * *"

	// Errors
	errInvalidDB     = errors.New("not a database") // Should not happen
	errInvalidRecord = errors.New("invalid record length")
	errChecksum      = errors.New("bad checksum, corrupted record")
)

// FileSystem is a naive implementation of a backend.  It uses bucket start
// timestamps as container directories which then contain a leveldb with the
// records of that bucket.  Records are keyed by their big endian timestamp so
// that iteration order is timestamp order.
type FileSystem struct {
	sync.RWMutex

	cron      *cron.Cron        // Scheduler for periodic tasks
	root      string            // Root directory
	retention backend.Retention // Bucketing and expiry

	containers map[int64]*leveldb.DB // Open containers [bucket]db
	last       int64                 // Last assigned timestamp

	// testing only entries
	myNow func() time.Time // Override time.Now()
}

// ts2dirname converts a UNIX bucket timestamp to a human readable timestamp.
func ts2dirname(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(fStr)
}

// encodeKey returns the database key of a record timestamp.
func encodeKey(ts int64) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key, uint64(ts))
	return key
}

// decodeKey returns the record timestamp of a database key.
func decodeKey(key []byte) (int64, error) {
	if len(key) != keySize {
		return 0, fmt.Errorf("invalid key length: %v", len(key))
	}
	return int64(binary.BigEndian.Uint64(key)), nil
}

// EncodeRecord encodes a CCN as a crc32 (little endian) prefixed record.
func EncodeRecord(ccn tcn.CCN) []byte {
	value := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(value, crc32.ChecksumIEEE(ccn[:]))
	copy(value[4:], ccn[:])
	return value
}

// DecodeRecord verifies and decodes a record.
func DecodeRecord(payload []byte) (tcn.CCN, error) {
	if len(payload) != recordSize {
		return tcn.CCN{}, errInvalidRecord
	}
	ccn, err := tcn.CCNFromBytes(payload[4:])
	if err != nil {
		return tcn.CCN{}, err
	}
	if binary.LittleEndian.Uint32(payload) != crc32.ChecksumIEEE(ccn[:]) {
		return tcn.CCN{}, errChecksum
	}
	return ccn, nil
}

// now returns the current time in UTC.
func (fs *FileSystem) now() time.Time {
	return fs.myNow().UTC()
}

// bucket returns the UNIX bucket timestamp of a record timestamp.
func (fs *FileSystem) bucket(ts int64) int64 {
	return fs.retention.BucketStart(ts).Unix()
}

// openContainer tries to open the database associated with the provided
// bucket.  Unless create is set the container directory must exist; leveldb
// WILL create a directory even if ErrorIfMissing = true so stat first.
func (fs *FileSystem) openContainer(bucket int64, create bool) (*leveldb.DB, error) {
	path := filepath.Join(fs.root, ts2dirname(bucket))
	if create {
		err := os.MkdirAll(path, 0700)
		if err != nil {
			return nil, err
		}
	} else {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, os.ErrNotExist
		}
		if !fi.Mode().IsDir() {
			return nil, errInvalidDB
		}
	}

	return leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing: !create,
	})
}

// loadContainers opens every container under root and recovers the last
// assigned timestamp.
func (fs *FileSystem) loadContainers() error {
	files, err := os.ReadDir(fs.root)
	if err != nil {
		return err
	}
	for _, file := range files {
		if !file.IsDir() {
			continue
		}
		// Skip invalid directories.
		t, err := time.Parse(fStr, file.Name())
		if err != nil {
			log.Warnf("Skipping unknown directory: %v", file.Name())
			continue
		}
		db, err := fs.openContainer(t.Unix(), false)
		if err != nil {
			return fmt.Errorf("open %v: %v", file.Name(), err)
		}
		fs.containers[t.Unix()] = db
	}

	// Timestamps are increasing across buckets so the youngest
	// container holds the last one.
	buckets := fs.buckets()
	for i := len(buckets) - 1; i >= 0; i-- {
		iter := fs.containers[buckets[i]].NewIterator(nil, nil)
		found := iter.Last()
		key := append([]byte(nil), iter.Key()...)
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
		if !found {
			continue
		}
		fs.last, err = decodeKey(key)
		if err != nil {
			return err
		}
		break
	}

	return nil
}

// buckets returns all open buckets in ascending order.
//
// This function must be called with the lock held.
func (fs *FileSystem) buckets() []int64 {
	buckets := make([]int64, 0, len(fs.containers))
	for b := range fs.containers {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i] < buckets[j]
	})
	return buckets
}

// container returns the database of a bucket and creates it if needed.
//
// This function must be called with the WRITE lock held.
func (fs *FileSystem) container(bucket int64) (*leveldb.DB, error) {
	if db, ok := fs.containers[bucket]; ok {
		return db, nil
	}
	db, err := fs.openContainer(bucket, true)
	if err != nil {
		return nil, err
	}
	fs.containers[bucket] = db
	log.Debugf("Created container %v", ts2dirname(bucket))
	return db, nil
}

// Put is a required interface function.  In our case it assigns the next
// timestamp and stores the record in the container of the timestamp's bucket.
//
// Put satisfies the backend interface.
func (fs *FileSystem) Put(ccn tcn.CCN) (backend.Record, error) {
	// Operation must be atomic as the timestamp must be assigned and
	// stored before the next one is.
	fs.Lock()
	defer fs.Unlock()

	ts := backend.NextTimestamp(fs.now(), fs.last)
	db, err := fs.container(fs.bucket(ts))
	if err != nil {
		return backend.Record{}, backend.StoreError(err)
	}
	err = db.Put(encodeKey(ts), EncodeRecord(ccn), &opt.WriteOptions{
		Sync: true,
	})
	if err != nil {
		return backend.Record{}, backend.StoreError(err)
	}
	fs.last = ts

	return backend.Record{CCN: ccn, Timestamp: ts}, nil
}

// readContainer appends all records of db with a timestamp >= cursor to
// records.
//
// This function must be called with the READ lock held.
func readContainer(db *leveldb.DB, cursor int64, records []backend.Record) ([]backend.Record, error) {
	var r *util.Range
	if cursor > 0 {
		r = &util.Range{Start: encodeKey(cursor)}
	}
	iter := db.NewIterator(r, nil)
	defer iter.Release()
	for iter.Next() {
		ts, err := decodeKey(iter.Key())
		if err != nil {
			return nil, err
		}
		ccn, err := DecodeRecord(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("record %v: %v", ts, err)
		}
		records = append(records, backend.Record{
			CCN:       ccn,
			Timestamp: ts,
		})
	}
	return records, iter.Error()
}

// read returns all visible records with a timestamp >= cursor.
//
// This function must be called with the READ lock held.
func (fs *FileSystem) read(cursor int64) ([]backend.Record, error) {
	now := fs.now()
	records := make([]backend.Record, 0)
	for _, bucket := range fs.buckets() {
		start := time.Unix(bucket, 0)

		// Expired buckets are invisible even if they were not
		// evicted yet.
		if fs.retention.Expired(start, now) {
			continue
		}

		// Skip buckets that end before the cursor.
		if start.Add(fs.retention.Bucket).UnixNano() <= cursor {
			continue
		}

		var err error
		records, err = readContainer(fs.containers[bucket], cursor,
			records)
		if err != nil {
			return nil, backend.StoreError(fmt.Errorf("%v: %v",
				ts2dirname(bucket), err))
		}
	}
	return records, nil
}

// Range returns all visible records with a timestamp >= cursor in ascending
// timestamp order.
//
// Range satisfies the backend interface.
func (fs *FileSystem) Range(cursor int64) ([]backend.Record, error) {
	fs.RLock()
	defer fs.RUnlock()

	return fs.read(cursor)
}

// Window returns all visible records.
//
// Window satisfies the backend interface.
func (fs *FileSystem) Window() ([]backend.Record, error) {
	fs.RLock()
	defer fs.RUnlock()

	return fs.read(0)
}

// countRecords returns the number of records in a container.
func countRecords(db *leveldb.DB) (int, error) {
	count := 0
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		count++
	}
	iter.Release()
	return count, iter.Error()
}

// doEvict closes and removes all expired containers.  It returns the number
// of records that were removed.
//
// This function must be called with the WRITE lock held.
func (fs *FileSystem) doEvict() (int, error) {
	now := fs.now()
	removed := 0
	for _, bucket := range fs.buckets() {
		if !fs.retention.Expired(time.Unix(bucket, 0), now) {
			// Buckets are sorted so we are done.
			break
		}

		db := fs.containers[bucket]
		count, err := countRecords(db)
		if err != nil {
			return removed, err
		}
		err = db.Close()
		if err != nil {
			return removed, err
		}
		delete(fs.containers, bucket)

		dir := filepath.Join(fs.root, ts2dirname(bucket))
		err = os.RemoveAll(dir)
		if err != nil {
			return removed, err
		}
		removed += count

		log.Debugf("Evicted container %v: %v records", dir, count)
	}

	return removed, nil
}

// evictor is called periodically to remove expired containers from disk.
func (fs *FileSystem) evictor() {
	// From this point on the operation must be atomic.
	fs.Lock()
	defer fs.Unlock()
	start := time.Now()
	count, err := fs.doEvict()
	end := time.Since(start)
	if err != nil {
		log.Errorf("evictor: %v", err)
	}

	log.Infof("Evictor: records %v in %v", count, end)
}

// Evict removes expired containers.
//
// Evict satisfies the backend interface.
func (fs *FileSystem) Evict() (int, error) {
	fs.Lock()
	defer fs.Unlock()

	count, err := fs.doEvict()
	return count, backend.StoreError(err)
}

// Close is a required interface function.  In our case we close all open
// containers.
//
// Close satisfies the backend interface.
func (fs *FileSystem) Close() {
	// Block until last command is complete.
	fs.Lock()
	defer fs.Unlock()
	defer log.Infof("Exiting")

	// We need nil tests when in dump/restore mode.
	if fs.cron != nil {
		fs.cron.Stop()
	}
	for bucket, db := range fs.containers {
		if err := db.Close(); err != nil {
			log.Errorf("close %v: %v", ts2dirname(bucket), err)
		}
		delete(fs.containers, bucket)
	}
}

// internalNew creates the FileSystem context but does not launch background
// bits.  This is used by the test packages.
func internalNew(root string, retention backend.Retention) (*FileSystem, error) {
	err := retention.Validate()
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(root, 0700)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		root:       root,
		retention:  retention,
		containers: make(map[int64]*leveldb.DB),
		myNow:      time.Now,
	}
	err = fs.loadContainers()
	if err != nil {
		fs.Close()
		return nil, err
	}

	return fs, nil
}

// New creates a new backend instance.  The caller should issue a Close once
// the FileSystem backend is no longer needed.  Expired containers are
// removed according to the cron schedule.
func New(root string, retention backend.Retention, schedule string) (*FileSystem, error) {
	fs, err := internalNew(root, retention)
	if err != nil {
		return nil, err
	}

	// Evicting reconciles work that was missed while we were down.
	start := time.Now()
	evicted, err := fs.doEvict()
	end := time.Since(start)
	if err != nil {
		fs.Close()
		return nil, err
	}

	if evicted != 0 {
		log.Infof("Startup evictor: records %v in %v", evicted, end)
	}

	// Launch cron.
	fs.cron = cron.New()
	err = fs.cron.AddFunc(schedule, func() {
		fs.evictor()
	})
	if err != nil {
		fs.Close()
		return nil, err
	}

	fs.cron.Start()

	return fs, nil
}
