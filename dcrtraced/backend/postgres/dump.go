// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
)

// Dump dumps all rows, including expired ones, either human readable or as a
// JSON stream.
//
// Dump satisfies the backend interface.
func (pg *Postgres) Dump(w io.Writer, human bool) error {
	pg.RLock()
	defer pg.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	records, err := pg.getAllRecords(ctx)
	if err != nil {
		return err
	}

	e := json.NewEncoder(w)
	for _, r := range records {
		if human {
			fmt.Fprintf(w, "CCN        : %v\n", r.CCN)
			fmt.Fprintf(w, "Timestamp  : %v -> %v\n", r.Timestamp,
				time.Unix(0, r.Timestamp).UTC().
					Format(time.RFC3339Nano))
			continue
		}
		err = e.Encode(backend.RecordType{
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

// Restore inserts the records of a JSON stream under their original
// timestamps.
//
// Restore satisfies the backend interface.
func (pg *Postgres) Restore(r io.Reader, verbose bool) error {
	pg.Lock()
	defer pg.Unlock()

	ctx := context.Background()
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
		if t.Version != backend.RecordTypeVersion {
			return fmt.Errorf("unknown version %v", t.Version)
		}
		if t.Type != backend.RecordTypeCCN {
			return fmt.Errorf("invalid record type: %v", t.Type)
		}

		var cr backend.CCNReceived
		err = d.Decode(&cr)
		if err != nil {
			return err
		}
		ccn, err := tcn.ParseCCN(cr.CCN)
		if err != nil {
			return fmt.Errorf("invalid ccn %v: %v", cr.CCN, err)
		}
		err = pg.insertRestoredRecord(ctx, backend.Record{
			CCN:       ccn,
			Timestamp: cr.Timestamp,
		})
		if err != nil {
			return err
		}
		if verbose {
			fmt.Printf("%v %v\n", cr.Timestamp, cr.CCN)
		}
	}
}

// Fsck verifies that every row carries a valid CCN and the bucket of its
// timestamp.  With options.Fix set bad rows and expired rows are deleted.
//
// Fsck satisfies the backend interface.
func (pg *Postgres) Fsck(options *backend.FsckOptions) error {
	if options == nil {
		options = &backend.FsckOptions{}
	}

	pg.Lock()
	defer pg.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := pg.db.QueryContext(ctx, `SELECT server_timestamp, bucket,
				ccn FROM ccns ORDER BY server_timestamp ASC`)
	if err != nil {
		return err
	}
	var (
		total int
		bad   []int64
	)
	for rows.Next() {
		var (
			ts, bucket int64
			raw        []byte
		)
		err = rows.Scan(&ts, &bucket, &raw)
		if err != nil {
			rows.Close()
			return err
		}
		total++

		ccn, err := tcn.CCNFromBytes(raw)
		if err != nil {
			fmt.Printf("  Invalid record %v: %v\n", ts, err)
			bad = append(bad, ts)
			continue
		}
		if want := pg.retention.BucketStart(ts).UnixNano(); want != bucket {
			fmt.Printf("  Record %v in wrong bucket: %v want %v\n",
				ts, bucket, want)
			bad = append(bad, ts)
			continue
		}
		if options.PrintRecords {
			fmt.Printf("  %v %v\n", ts, ccn)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	if options.Fix {
		for _, ts := range bad {
			_, err = pg.db.ExecContext(ctx,
				`DELETE FROM ccns WHERE server_timestamp = $1`, ts)
			if err != nil {
				return err
			}
		}
		n, err := pg.deleteExpired(pg.retention.Horizon(pg.now()))
		if err != nil {
			return err
		}
		if options.Verbose {
			fmt.Printf("Deleted expired records: %v\n", n)
		}
	}

	fmt.Printf("Records: %v bad: %v\n", total, len(bad))

	return nil
}
