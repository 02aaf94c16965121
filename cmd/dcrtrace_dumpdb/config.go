// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/dcrtraced/backend/postgres"
	"github.com/decred/dcrd/dcrutil"
	flags "github.com/jessevdk/go-flags"
)

const defaultConfigFilename = "dcrtraced.conf"

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrtraced", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, "data")
	defaultBackend    = "filesystem"
)

// config defines the dcrtraced configuration options dcrtrace_dumpdb
// uses.  All other options of the file are ignored.
//
// See loadConfig for details on the configuration load process.
type config struct {
	DataDir          string        `short:"b" long:"datadir" description:"Directory to store data"`
	Backend          string        `long:"backend" description:"Sets the storage backend type 'filesystem'/'postgres'"`
	PostgresHost     string        `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string        `long:"postgresuser" description:"Postgres user"`
	PostgresDB       string        `long:"postgresdb" description:"Postgres database name"`
	PostgresRootCert string        `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string        `long:"postgrescert" description:"File containing the dcrtraced client certificate for postgres"`
	PostgresKey      string        `long:"postgreskey" description:"File containing the dcrtraced client certificate key for postgres"`
	Retention        time.Duration `long:"retention" description:"How long a CCN remains visible"`
	Bucket           time.Duration `long:"bucket" description:"Bucket duration"`
}

// loadConfig initializes and parses the config using the dcrtraced config
// file.  A missing file yields the defaults.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		DataDir:      defaultDataDir,
		Backend:      defaultBackend,
		PostgresUser: "dcrtraced",
		PostgresDB:   "dcrtrace",
		Retention:    backend.DefaultRetention,
		Bucket:       backend.DefaultBucket,
	}

	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	err := flags.NewIniParser(parser).ParseFile(defaultConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			return nil, err
		}
	}

	return &cfg, nil
}

func (c *config) retention() backend.Retention {
	return backend.Retention{
		Bucket: c.Bucket,
		Window: c.Retention,
	}
}

func (c *config) postgresConfig() *postgres.Config {
	return &postgres.Config{
		Host:     c.PostgresHost,
		User:     c.PostgresUser,
		Database: c.PostgresDB,
		RootCert: c.PostgresRootCert,
		Cert:     c.PostgresCert,
		Key:      c.PostgresKey,
	}
}
