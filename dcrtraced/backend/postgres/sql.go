// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
)

// insertRecord assigns the next timestamp and inserts the CCN.  It must be
// called inside a transaction.
func (pg *Postgres) insertRecord(ctx context.Context, tx *sql.Tx, ccn tcn.CCN) (int64, error) {
	// Serialize with writers in other processes.
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`,
		advisoryLock)
	if err != nil {
		return 0, err
	}

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(server_timestamp), 0) FROM ccns`).Scan(&last)
	if err != nil {
		return 0, err
	}

	ts := backend.NextTimestamp(pg.now(), last)
	bucket := pg.retention.BucketStart(ts).UnixNano()
	_, err = tx.ExecContext(ctx, `INSERT INTO ccns
				(server_timestamp, bucket, ccn) VALUES($1, $2, $3)`,
		ts, bucket, ccn[:])
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// insertRestoredRecord inserts a record under its original timestamp.
//
// this func used when restoring a backup
func (pg *Postgres) insertRestoredRecord(ctx context.Context, r backend.Record) error {
	bucket := pg.retention.BucketStart(r.Timestamp).UnixNano()
	_, err := pg.db.ExecContext(ctx, `INSERT INTO ccns
				(server_timestamp, bucket, ccn) VALUES($1, $2, $3)`,
		r.Timestamp, bucket, r.CCN[:])
	return err
}

// scanRecords converts ccns rows to records.
func scanRecords(rows *sql.Rows) ([]backend.Record, error) {
	records := make([]backend.Record, 0)
	for rows.Next() {
		var (
			ts  int64
			raw []byte
		)
		err := rows.Scan(&ts, &raw)
		if err != nil {
			return nil, err
		}
		ccn, err := tcn.CCNFromBytes(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, backend.Record{
			CCN:       ccn,
			Timestamp: ts,
		})
	}
	return records, rows.Err()
}

// getRecords returns all records with a timestamp >= cursor whose bucket
// starts at or after horizon, ordered by timestamp.
func (pg *Postgres) getRecords(cursor int64, horizon time.Time) ([]backend.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	q := `SELECT server_timestamp, ccn FROM ccns
				WHERE server_timestamp >= $1 AND bucket >= $2
				ORDER BY server_timestamp ASC`

	rows, err := pg.db.QueryContext(ctx, q, cursor, horizon.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// getAllRecords returns every row, expired or not, ordered by timestamp.
func (pg *Postgres) getAllRecords(ctx context.Context) ([]backend.Record, error) {
	rows, err := pg.db.QueryContext(ctx, `SELECT server_timestamp, ccn
				FROM ccns ORDER BY server_timestamp ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// deleteExpired deletes all rows whose bucket starts before horizon.
func (pg *Postgres) deleteExpired(horizon time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	res, err := pg.db.ExecContext(ctx, `DELETE FROM ccns WHERE bucket < $1`,
		horizon.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// hasTable accepts a table name and checks if it was created
func (pg *Postgres) hasTable(name string) (bool, error) {
	q := `SELECT EXISTS (SELECT
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name  = $1)`

	var exists bool
	err := pg.db.QueryRow(q, name).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// createCCNsTable creates ccns table
func (pg *Postgres) createCCNsTable() error {
	_, err := pg.db.Exec(`CREATE TABLE public.ccns
(
    server_timestamp bigint NOT NULL,
    bucket bigint NOT NULL,
    ccn bytea NOT NULL,
    CONSTRAINT ccns_pkey PRIMARY KEY (server_timestamp)
);
-- Index: idx_bucket
CREATE INDEX idx_bucket
    ON public.ccns USING btree
    (bucket ASC NULLS LAST)
    TABLESPACE pg_default;
`)
	if err != nil {
		return err
	}
	log.Infof("CCNs table created")
	return nil
}

// createsTables creates db tables needed for our postgres backend
// implementation
func (pg *Postgres) createTables() error {
	exists, err := pg.hasTable(tableCCNs)
	if err != nil {
		return err
	}
	if !exists {
		return pg.createCCNsTable()
	}
	return nil
}
