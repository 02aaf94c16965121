// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/dcrtraced/backend/filesystem"
	"github.com/decred/dcrtrace/dcrtraced/backend/postgres"
)

var (
	file         = flag.String("file", "", "journal of modifications if used (will be written despite -fix)")
	fix          = flag.Bool("fix", false, "Try to correct correctable failures")
	printRecords = flag.Bool("printrecords", false, "Print all records")
	fsRoot       = flag.String("source", "", "Source directory")
	verbose      = flag.Bool("v", false, "Print more information during run")
)

func _main() error {
	flag.Parse()

	loadedCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	var b backend.Backend
	switch loadedCfg.Backend {
	case "filesystem":
		root := *fsRoot
		if root == "" {
			root = loadedCfg.DataDir
		}
		fmt.Printf("=== Root: %v\n", root)
		b, err = filesystem.NewDump(root, loadedCfg.retention())
	case "postgres":
		fmt.Printf("=== Database: %v@%v/%v\n", loadedCfg.PostgresUser,
			loadedCfg.PostgresHost, loadedCfg.PostgresDB)
		b, err = postgres.NewDB(loadedCfg.postgresConfig(),
			loadedCfg.retention())
	default:
		err = fmt.Errorf("Unsupported backend type: %v", loadedCfg.Backend)
	}
	if err != nil {
		return err
	}
	defer b.Close()

	return b.Fsck(&backend.FsckOptions{
		Verbose:      *verbose,
		PrintRecords: *printRecords,
		Fix:          *fix,
		File:         *file,
	})
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
