// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/tcn"
	_ "github.com/lib/pq"
	"github.com/robfig/cron"
)

const (
	tableCCNs = "ccns"

	// advisoryLock serializes timestamp assignment between all writers
	// of a database.
	advisoryLock = 0x64637274 // "dcrt"

	queryTimeout = 30 * time.Second
)

var _ backend.Backend = (*Postgres)(nil)

// Postgres is a postgreSQL implementation of a backend.  It stores every CCN
// as a row of the ccns table keyed by its server timestamp.  The bucket start
// is stored alongside so that expiry is a range predicate.
type Postgres struct {
	sync.RWMutex

	cron      *cron.Cron        // Scheduler for periodic tasks
	db        *sql.DB           // Postgres database
	retention backend.Retention // Bucketing and expiry

	// testing only entries
	myNow func() time.Time // Override time.Now()
}

// Config contains the postgreSQL connection settings.
type Config struct {
	Host     string // ip:port
	User     string
	Database string
	RootCert string // CA certificate, enables TLS if set
	Cert     string // Client certificate
	Key      string // Client certificate key
}

func buildQueryString(rootCert, cert, key string) string {
	v := url.Values{}
	if rootCert == "" {
		v.Set("sslmode", "disable")
		return v.Encode()
	}
	v.Set("sslmode", "require")
	v.Set("sslrootcert", filepath.Clean(rootCert))
	v.Set("sslcert", filepath.Join(cert))
	v.Set("sslkey", filepath.Join(key))
	return v.Encode()
}

// connString returns the connection URL described by the config.
func (c *Config) connString() (string, error) {
	h := "postgresql://" + c.User + "@" + c.Host + "/" + c.Database
	u, err := url.Parse(h)
	if err != nil {
		return "", fmt.Errorf("parse url '%v': %v", h, err)
	}
	return u.String() + "?" + buildQueryString(c.RootCert, c.Cert, c.Key),
		nil
}

// now returns the current time in UTC.
func (pg *Postgres) now() time.Time {
	return pg.myNow().UTC()
}

// Put stores the CCN under the next timestamp.  Timestamp assignment and
// insert happen in one transaction that holds the advisory lock.
//
// Put satisfies the backend interface.
func (pg *Postgres) Put(ccn tcn.CCN) (backend.Record, error) {
	pg.Lock()
	defer pg.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := pg.db.BeginTx(ctx, nil)
	if err != nil {
		return backend.Record{}, backend.StoreError(err)
	}
	defer tx.Rollback()

	ts, err := pg.insertRecord(ctx, tx, ccn)
	if err != nil {
		return backend.Record{}, backend.StoreError(err)
	}
	err = tx.Commit()
	if err != nil {
		return backend.Record{}, backend.StoreError(err)
	}

	return backend.Record{CCN: ccn, Timestamp: ts}, nil
}

// Range satisfies the backend interface.
func (pg *Postgres) Range(cursor int64) ([]backend.Record, error) {
	pg.RLock()
	defer pg.RUnlock()

	records, err := pg.getRecords(cursor, pg.retention.Horizon(pg.now()))
	return records, backend.StoreError(err)
}

// Window satisfies the backend interface.
func (pg *Postgres) Window() ([]backend.Record, error) {
	pg.RLock()
	defer pg.RUnlock()

	records, err := pg.getRecords(0, pg.retention.Horizon(pg.now()))
	return records, backend.StoreError(err)
}

// Evict deletes all rows of expired buckets.
//
// Evict satisfies the backend interface.
func (pg *Postgres) Evict() (int, error) {
	pg.Lock()
	defer pg.Unlock()

	n, err := pg.deleteExpired(pg.retention.Horizon(pg.now()))
	return n, backend.StoreError(err)
}

// evictor is called periodically to delete expired rows.
func (pg *Postgres) evictor() {
	start := time.Now()
	count, err := pg.Evict()
	end := time.Since(start)
	if err != nil {
		log.Errorf("evictor: %v", err)
	}

	log.Infof("Evictor: records %v in %v", count, end)
}

// Close performs cleanup of the backend.
//
// Close satisfies the backend interface.
func (pg *Postgres) Close() {
	pg.Lock()
	defer pg.Unlock()
	defer log.Infof("Exiting")

	if pg.cron != nil {
		pg.cron.Stop()
	}
	pg.db.Close()
}

// internalNew creates the Postgres context but does not launch background
// bits.
func internalNew(cfg *Config, retention backend.Retention) (*Postgres, error) {
	err := retention.Validate()
	if err != nil {
		return nil, err
	}

	addr, err := cfg.connString()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to database '%v': %v", addr, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %v", err)
	}

	pg := &Postgres{
		db:        db,
		retention: retention,
		myNow:     time.Now,
	}
	err = pg.createTables()
	if err != nil {
		db.Close()
		return nil, err
	}

	return pg, nil
}

// NewDB opens the database without launching the evictor.  It is used by
// the dump and fsck tools.
func NewDB(cfg *Config, retention backend.Retention) (*Postgres, error) {
	return internalNew(cfg, retention)
}

// New creates a new backend instance.  The caller should issue a Close once
// the Postgres backend is no longer needed.
func New(cfg *Config, retention backend.Retention, schedule string) (*Postgres, error) {
	log.Tracef("New: %v %v %v", cfg.User, cfg.Host, cfg.Database)

	pg, err := internalNew(cfg, retention)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	evicted, err := pg.deleteExpired(pg.retention.Horizon(pg.now()))
	if err != nil {
		pg.Close()
		return nil, err
	}
	if evicted != 0 {
		log.Infof("Startup evictor: records %v in %v", evicted,
			time.Since(start))
	}

	// Launch cron.
	pg.cron = cron.New()
	err = pg.cron.AddFunc(schedule, func() {
		pg.evictor()
	})
	if err != nil {
		pg.Close()
		return nil, err
	}

	pg.cron.Start()

	return pg, nil
}
