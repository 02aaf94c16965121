// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// testNow is a bucket aligned clock start used by all tests.
var testNow = time.Date(2020, 4, 10, 0, 0, 0, 0, time.UTC)

// newTestFileSystem returns a FileSystem rooted in a temporary directory
// whose clock is returned from the provided pointer.
func newTestFileSystem(t *testing.T, now *time.Time) *FileSystem {
	t.Helper()

	dir, err := os.MkdirTemp("", "dcrtraced.test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	fs, err := internalNew(dir, backend.DefaultRetentionPolicy)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fs.Close)

	// Override clock so that we don't race during test.
	fs.myNow = func() time.Time {
		return *now
	}

	return fs
}

func testCCN(i int) tcn.CCN {
	var c tcn.CCN
	c[0] = byte(i)
	c[1] = byte(i >> 8)
	return c
}

func TestEncodeDecode(t *testing.T) {
	ccn := testCCN(42)
	payload := EncodeRecord(ccn)
	if len(payload) != recordSize {
		t.Fatalf("invalid record size %v", len(payload))
	}

	ccn2, err := DecodeRecord(payload)
	if err != nil {
		t.Fatal(err)
	}
	if ccn != ccn2 {
		t.Fatalf("want %v got %v", spew.Sdump(ccn), spew.Sdump(ccn2))
	}

	// Flip a bit.
	payload[10] ^= 0x01
	_, err = DecodeRecord(payload)
	if err != errChecksum {
		t.Fatalf("want %v got %v", errChecksum, err)
	}

	_, err = DecodeRecord(payload[:recordSize-1])
	if err != errInvalidRecord {
		t.Fatalf("want %v got %v", errInvalidRecord, err)
	}

	ts, err := decodeKey(encodeKey(1586476800123456789))
	if err != nil {
		t.Fatal(err)
	}
	if ts != 1586476800123456789 {
		t.Fatalf("invalid key roundtrip %v", ts)
	}
}

func TestPutRange(t *testing.T) {
	now := testNow.Add(time.Hour)
	fs := newTestFileSystem(t, &now)

	count := 10
	records := make([]backend.Record, 0, count)
	for i := 0; i < count; i++ {
		r, err := fs.Put(testCCN(i))
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, r)
	}

	// The clock is frozen so timestamps must be tie broken.
	for i, r := range records {
		if r.Timestamp != now.UnixNano()+int64(i) {
			t.Fatalf("record %v: invalid timestamp %v", i,
				r.Timestamp)
		}
	}

	got, err := fs.Range(records[0].Timestamp - 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records) {
		t.Fatalf("want %v got %v", spew.Sdump(records), spew.Sdump(got))
	}

	got, err = fs.Range(records[5].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records[5:]) {
		t.Fatalf("want %v got %v", spew.Sdump(records[5:]),
			spew.Sdump(got))
	}

	got, err = fs.Range(records[count-1].Timestamp + 1)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non nil result, got %v", spew.Sdump(got))
	}

	// Same cursor, same answer.
	a, err := fs.Range(0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fs.Range(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("range is not idempotent")
	}
}

func TestDuplicatesAreDistinct(t *testing.T) {
	now := testNow
	fs := newTestFileSystem(t, &now)

	ccn := testCCN(7)
	r1, err := fs.Put(ccn)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := fs.Put(ccn)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Timestamp == r2.Timestamp {
		t.Fatal("duplicate ccns must be distinct records")
	}

	w, err := fs.Window()
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 2 {
		t.Fatalf("expected 2 records got %v", len(w))
	}
}

func TestOrderAcrossBuckets(t *testing.T) {
	now := testNow
	fs := newTestFileSystem(t, &now)

	var records []backend.Record
	for day := 0; day < 5; day++ {
		now = testNow.Add(time.Duration(day)*24*time.Hour +
			time.Minute)
		for i := 0; i < 3; i++ {
			r, err := fs.Put(testCCN(day*10 + i))
			if err != nil {
				t.Fatal(err)
			}
			records = append(records, r)
		}
	}
	if len(fs.containers) != 5 {
		t.Fatalf("expected 5 containers got %v", len(fs.containers))
	}

	got, err := fs.Window()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records) {
		t.Fatalf("want %v got %v", spew.Sdump(records), spew.Sdump(got))
	}

	// A cursor in the middle of day 2 skips earlier buckets.
	got, err = fs.Range(records[7].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records[7:]) {
		t.Fatalf("want %v got %v", spew.Sdump(records[7:]),
			spew.Sdump(got))
	}
}

func TestClockBackwards(t *testing.T) {
	now := testNow.Add(2 * time.Hour)
	fs := newTestFileSystem(t, &now)

	r1, err := fs.Put(testCCN(1))
	if err != nil {
		t.Fatal(err)
	}
	now = testNow.Add(time.Hour)
	r2, err := fs.Put(testCCN(2))
	if err != nil {
		t.Fatal(err)
	}
	if r2.Timestamp <= r1.Timestamp {
		t.Fatalf("timestamp went backwards: %v %v", r1.Timestamp,
			r2.Timestamp)
	}
}

func TestRetentionBoundary(t *testing.T) {
	now := testNow.Add(5 * time.Hour)
	fs := newTestFileSystem(t, &now)

	r, err := fs.Put(testCCN(1))
	if err != nil {
		t.Fatal(err)
	}

	// Exactly 14 days after the bucket start the record is visible.
	now = testNow.Add(backend.DefaultRetention)
	w, err := fs.Window()
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 1 || w[0] != r {
		t.Fatalf("expected record, got %v", spew.Sdump(w))
	}

	// One second later it is gone without an explicit evict.
	now = testNow.Add(backend.DefaultRetention + time.Second)
	w, err = fs.Window()
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 0 {
		t.Fatalf("expected no records, got %v", spew.Sdump(w))
	}
	rr, err := fs.Range(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rr) != 0 {
		t.Fatalf("expected no records, got %v", spew.Sdump(rr))
	}

	// The container is still on disk.
	path := filepath.Join(fs.root, ts2dirname(testNow.Unix()))
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}

func TestEvict(t *testing.T) {
	now := testNow
	fs := newTestFileSystem(t, &now)

	// One record per day for 20 days.
	for day := 0; day < 20; day++ {
		now = testNow.Add(time.Duration(day) * 24 * time.Hour)
		_, err := fs.Put(testCCN(day))
		if err != nil {
			t.Fatal(err)
		}
	}

	// Day 19 is today, days 5..19 are within 14 days.
	removed, err := fs.Evict()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 evicted records got %v", removed)
	}
	if len(fs.containers) != 15 {
		t.Fatalf("expected 15 containers got %v", len(fs.containers))
	}
	for day := 0; day < 5; day++ {
		b := testNow.Add(time.Duration(day) * 24 * time.Hour).Unix()
		path := filepath.Join(fs.root, ts2dirname(b))
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("container %v not removed: %v", path, err)
		}
	}

	w, err := fs.Window()
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 15 {
		t.Fatalf("expected 15 records got %v", len(w))
	}

	// Nothing left to evict.
	removed, err = fs.Evict()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing evicted got %v", removed)
	}
}

func TestReopen(t *testing.T) {
	now := testNow.Add(time.Hour)
	fs := newTestFileSystem(t, &now)

	var records []backend.Record
	for i := 0; i < 3; i++ {
		r, err := fs.Put(testCCN(i))
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, r)
	}
	root := fs.root
	fs.Close()

	fs2, err := internalNew(root, backend.DefaultRetentionPolicy)
	if err != nil {
		t.Fatal(err)
	}
	defer fs2.Close()
	fs2.myNow = func() time.Time {
		return now
	}

	if fs2.last != records[2].Timestamp {
		t.Fatalf("last timestamp not recovered: want %v got %v",
			records[2].Timestamp, fs2.last)
	}
	r, err := fs2.Put(testCCN(3))
	if err != nil {
		t.Fatal(err)
	}
	if r.Timestamp != records[2].Timestamp+1 {
		t.Fatalf("invalid timestamp after reopen %v", r.Timestamp)
	}
	records = append(records, r)

	got, err := fs2.Window()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records) {
		t.Fatalf("want %v got %v", spew.Sdump(records), spew.Sdump(got))
	}
}

func TestCorruptRecord(t *testing.T) {
	now := testNow.Add(time.Hour)
	fs := newTestFileSystem(t, &now)

	r, err := fs.Put(testCCN(1))
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.Put(testCCN(2))
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the first record behind the backend's back.
	db := fs.containers[fs.bucket(r.Timestamp)]
	payload := EncodeRecord(r.CCN)
	payload[0] ^= 0xff
	err = db.Put(encodeKey(r.Timestamp), payload, &opt.WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.Window()
	if !errors.Is(err, backend.ErrStoreUnavailable) {
		t.Fatalf("want %v got %v", backend.ErrStoreUnavailable, err)
	}

	// Fsck without fix leaves the record alone.
	err = fs.Fsck(&backend.FsckOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.Window()
	if err == nil {
		t.Fatal("expected error")
	}

	// Fsck with fix removes it.
	journalFile := filepath.Join(fs.root, "fsck.journal")
	err = fs.Fsck(&backend.FsckOptions{Fix: true, File: journalFile})
	if err != nil {
		t.Fatal(err)
	}
	w, err := fs.Window()
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 1 || w[0].CCN != testCCN(2) {
		t.Fatalf("unexpected window %v", spew.Sdump(w))
	}
	j, err := os.ReadFile(journalFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(j, []byte(FilesystemActionDeleteRecord)) {
		t.Fatalf("journal misses delete: %s", j)
	}
}

func TestDumpRestore(t *testing.T) {
	now := testNow.Add(time.Hour)
	fs := newTestFileSystem(t, &now)

	var records []backend.Record
	for day := 0; day < 3; day++ {
		now = testNow.Add(time.Duration(day)*24*time.Hour + time.Hour)
		for i := 0; i < 4; i++ {
			r, err := fs.Put(testCCN(day*10 + i))
			if err != nil {
				t.Fatal(err)
			}
			records = append(records, r)
		}
	}

	var human bytes.Buffer
	err := fs.Dump(&human, true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(human.Bytes(), []byte(records[0].CCN.String())) {
		t.Fatalf("human dump misses ccn:\n%s", human.Bytes())
	}

	var dump bytes.Buffer
	err = fs.Dump(&dump, false)
	if err != nil {
		t.Fatal(err)
	}

	dir, err := os.MkdirTemp("", "dcrtraced.restore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	fs2, err := NewRestore(dir, backend.DefaultRetentionPolicy)
	if err != nil {
		t.Fatal(err)
	}
	defer fs2.Close()
	fs2.myNow = func() time.Time {
		return now
	}

	err = fs2.Restore(&dump, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fs2.Window()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, records) {
		t.Fatalf("want %v got %v", spew.Sdump(records), spew.Sdump(got))
	}
	if fs2.last != records[len(records)-1].Timestamp {
		t.Fatalf("invalid last timestamp %v", fs2.last)
	}

	// Restoring into a populated root is refused.
	_, err = NewRestore(fs.root, backend.DefaultRetentionPolicy)
	if err != os.ErrExist {
		t.Fatalf("want %v got %v", os.ErrExist, err)
	}
}
