// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/decred/dcrtrace/api/v1"
	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/dcrtraced/backend/filesystem"
	"github.com/decred/dcrtrace/dcrtraced/service"
	"github.com/decred/dcrtrace/tcn"
	"github.com/decred/dcrtrace/util"
	"github.com/decred/dcrd/dcrutil"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "dcrtraced.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dcrtraced.log"
	defaultBackend        = "filesystem"
	defaultPostgresUser   = "dcrtraced"
	defaultPostgresDB     = "dcrtrace"
	defaultCheckTimeout   = 30 * time.Second
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrtraced", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)

	backends = map[string]struct{}{
		"filesystem": {},
		"postgres":   {},
		"memory":     {},
	}
)

// config defines the configuration options for dcrtraced.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir          string        `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion      bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile       string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir          string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir           string        `long:"logdir" description:"Directory to log output."`
	DebugLevel       string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners        []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 5000)"`
	Backend          string        `long:"backend" description:"Sets the storage backend type 'filesystem'/'postgres'/'memory'"`
	PostgresHost     string        `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string        `long:"postgresuser" description:"Postgres user"`
	PostgresDB       string        `long:"postgresdb" description:"Postgres database name"`
	PostgresRootCert string        `long:"postgresrootcert" description:"File containing the CA certificate for postgres, enables TLS"`
	PostgresCert     string        `long:"postgrescert" description:"File containing the dcrtraced client certificate for postgres"`
	PostgresKey      string        `long:"postgreskey" description:"File containing the dcrtraced client certificate key for postgres"`
	Epochs           int           `long:"epochs" description:"Number of TCNs derived from a CCN"`
	Ratchets         int           `long:"ratchets" description:"Number of successor CCNs expanded in addition to a stored CCN"`
	Retention        time.Duration `long:"retention" description:"How long a CCN remains visible, measured from the start of its bucket"`
	Bucket           time.Duration `long:"bucket" description:"Bucket duration, must be a whole number of seconds"`
	EvictSchedule    string        `long:"evictschedule" description:"Cron schedule (with seconds) of the evictor"`
	DisableCheck     bool          `long:"disablecheck" description:"Disable server side checking of TCNs"`
	MaxBatch         int           `long:"maxbatch" description:"Maximum number of TCNs per check"`
	MaxWindow        int           `long:"maxwindow" description:"Maximum number of CCNs in the retention window a check will expand"`
	Workers          int           `long:"workers" description:"Number of parallel expansions per check, 0 uses all CPUs"`
	CheckTimeout     time.Duration `long:"checktimeout" description:"Maximum duration of a check"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = util.NormalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// defaultConfig returns a config with every default applied.
func defaultConfig() config {
	return config{
		HomeDir:       defaultHomeDir,
		ConfigFile:    defaultConfigFile,
		DebugLevel:    defaultLogLevel,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		Backend:       defaultBackend,
		PostgresUser:  defaultPostgresUser,
		PostgresDB:    defaultPostgresDB,
		Epochs:        tcn.DefaultEpochs,
		Retention:     backend.DefaultRetention,
		Bucket:        backend.DefaultBucket,
		EvictSchedule: filesystem.DefaultEvictSchedule,
		MaxBatch:      service.DefaultMaxBatch,
		MaxWindow:     service.DefaultMaxWindow,
		CheckTimeout:  defaultCheckTimeout,
	}
}

// retention returns the retention policy described by the config.
func (c *config) retention() backend.Retention {
	return backend.Retention{
		Bucket: c.Bucket,
		Window: c.Retention,
	}
}

// params returns the derivation parameters described by the config.
func (c *config) params() tcn.Params {
	return tcn.Params{
		Epochs:   c.Epochs,
		Ratchets: c.Ratchets,
	}
}

// validate verifies the protocol and limit settings.
func (c *config) validate() error {
	if _, ok := backends[c.Backend]; !ok {
		return fmt.Errorf("invalid backend type: %v", c.Backend)
	}
	if c.Backend == "postgres" && c.PostgresHost == "" {
		return errors.New("postgres backend requires --postgreshost")
	}
	if err := c.params().Validate(); err != nil {
		return err
	}
	if err := c.retention().Validate(); err != nil {
		return err
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("invalid maxbatch: %v", c.MaxBatch)
	}
	if c.MaxWindow <= 0 {
		return fmt.Errorf("invalid maxwindow: %v", c.MaxWindow)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %v", c.Workers)
	}
	if c.CheckTimeout <= 0 {
		return fmt.Errorf("invalid checktimeout: %v", c.CheckTimeout)
	}
	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in dcrtraced functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Update the home directory for dcrtraced if specified. Since the home
	// directory is updated, other variables need to be updated to
	// reflect the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			defaultConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
			preCfg.ConfigFile = defaultConfigFile
			cfg.ConfigFile = defaultConfigFile
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Add the default listener if none were specified. The default
	// listener is all addresses on the listen port.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", v1.DefaultPort),
		}
	}

	// Add default port to all listener addresses if needed and remove
	// duplicate addresses.
	cfg.Listeners = normalizeAddresses(cfg.Listeners, v1.DefaultPort)

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
