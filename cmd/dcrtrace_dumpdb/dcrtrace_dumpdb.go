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
	destination = flag.String("destination", "", "Restore destination")
	dumpJSON    = flag.Bool("json", false, "Dump JSON")
	restore     = flag.Bool("restore", false, "Restore backend, -destination is required for the filesystem backend")
	fsRoot      = flag.String("source", "", "Source directory")
	verbose     = flag.Bool("v", false, "Print restored records")
)

func _main() error {
	flag.Parse()

	loadedCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	root := *fsRoot
	if root == "" {
		root = loadedCfg.DataDir
	}

	var b backend.Backend
	switch loadedCfg.Backend {
	case "filesystem":
		if *restore {
			if *destination == "" {
				return fmt.Errorf("-destination must be set")
			}
			b, err = filesystem.NewRestore(*destination,
				loadedCfg.retention())
			break
		}
		b, err = filesystem.NewDump(root, loadedCfg.retention())
		if !*dumpJSON {
			fmt.Printf("=== Root: %v\n", root)
		}
	case "postgres":
		b, err = postgres.NewDB(loadedCfg.postgresConfig(),
			loadedCfg.retention())
	default:
		err = fmt.Errorf("Unsupported backend type: %v", loadedCfg.Backend)
	}
	if err != nil {
		return err
	}
	defer b.Close()

	if *restore {
		return b.Restore(os.Stdin, *verbose)
	}
	return b.Dump(os.Stdout, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
