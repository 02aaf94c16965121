// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package memory provides an implementation of the backend interface that
// stores records in memory.  It is used for testing and for deployments that
// don't need records to survive a restart.
package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
)

var _ backend.Backend = (*Memory)(nil)

// Memory keeps all records in a slice ordered by timestamp.
type Memory struct {
	sync.RWMutex

	retention backend.Retention
	records   []backend.Record
	last      int64 // Last assigned timestamp

	myNow func() time.Time // Override time.Now()
}

// New returns an empty in-memory backend.
func New(retention backend.Retention) (*Memory, error) {
	if err := retention.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		retention: retention,
		myNow:     time.Now,
	}, nil
}

// SetNow overrides the clock.  It is used by tests of packages that sit on
// top of the backend.
func (m *Memory) SetNow(now func() time.Time) {
	m.Lock()
	m.myNow = now
	m.Unlock()
}

// Put appends a record.
//
// Put satisfies the backend interface.
func (m *Memory) Put(ccn tcn.CCN) (backend.Record, error) {
	m.Lock()
	defer m.Unlock()

	r := backend.Record{
		CCN:       ccn,
		Timestamp: backend.NextTimestamp(m.myNow(), m.last),
	}
	m.records = append(m.records, r)
	m.last = r.Timestamp
	return r, nil
}

// read returns the visible records with a timestamp >= cursor.
//
// This function must be called with the READ lock held.
func (m *Memory) read(cursor int64) []backend.Record {
	now := m.myNow()
	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].Timestamp >= cursor
	})
	records := make([]backend.Record, 0, len(m.records)-i)
	for _, r := range m.records[i:] {
		if m.retention.Visible(r.Timestamp, now) {
			records = append(records, r)
		}
	}
	return records
}

// Range satisfies the backend interface.
func (m *Memory) Range(cursor int64) ([]backend.Record, error) {
	m.RLock()
	defer m.RUnlock()

	return m.read(cursor), nil
}

// Window satisfies the backend interface.
func (m *Memory) Window() ([]backend.Record, error) {
	m.RLock()
	defer m.RUnlock()

	return m.read(0), nil
}

// Evict drops expired records.  Records are ordered so the expired ones are
// a prefix.
//
// Evict satisfies the backend interface.
func (m *Memory) Evict() (int, error) {
	m.Lock()
	defer m.Unlock()

	now := m.myNow()
	i := 0
	for i < len(m.records) && !m.retention.Visible(m.records[i].Timestamp, now) {
		i++
	}
	m.records = append([]backend.Record(nil), m.records[i:]...)
	return i, nil
}

// Close satisfies the backend interface.
func (m *Memory) Close() {}

// Dump satisfies the backend interface.
func (m *Memory) Dump(w io.Writer, human bool) error {
	m.RLock()
	defer m.RUnlock()

	e := json.NewEncoder(w)
	for _, r := range m.records {
		if human {
			fmt.Fprintf(w, "CCN        : %v\n", r.CCN)
			fmt.Fprintf(w, "Timestamp  : %v\n", r.Timestamp)
			continue
		}
		err := e.Encode(backend.RecordType{
			Version: backend.RecordTypeVersion,
			Type:    backend.RecordTypeCCN,
		})
		if err != nil {
			return err
		}
		err = e.Encode(backend.CCNReceived{
			CCN:       r.CCN.String(),
			Timestamp: r.Timestamp,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Restore satisfies the backend interface.  Records must be restored in
// timestamp order.
func (m *Memory) Restore(r io.Reader, verbose bool) error {
	m.Lock()
	defer m.Unlock()

	d := json.NewDecoder(r)
	for {
		var t backend.RecordType
		err := d.Decode(&t)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if t.Version != backend.RecordTypeVersion ||
			t.Type != backend.RecordTypeCCN {
			return fmt.Errorf("invalid record type: %v %v",
				t.Version, t.Type)
		}

		var cr backend.CCNReceived
		err = d.Decode(&cr)
		if err != nil {
			return err
		}
		ccn, err := tcn.ParseCCN(cr.CCN)
		if err != nil {
			return err
		}
		if cr.Timestamp <= m.last {
			return fmt.Errorf("out of order timestamp: %v",
				cr.Timestamp)
		}
		m.records = append(m.records, backend.Record{
			CCN:       ccn,
			Timestamp: cr.Timestamp,
		})
		m.last = cr.Timestamp
		if verbose {
			fmt.Printf("%v %v\n", cr.Timestamp, cr.CCN)
		}
	}
}

// Fsck verifies that records are strictly ordered.
//
// Fsck satisfies the backend interface.
func (m *Memory) Fsck(options *backend.FsckOptions) error {
	m.RLock()
	defer m.RUnlock()

	for i := 1; i < len(m.records); i++ {
		if m.records[i].Timestamp <= m.records[i-1].Timestamp {
			return fmt.Errorf("record %v out of order", i)
		}
	}
	return nil
}
