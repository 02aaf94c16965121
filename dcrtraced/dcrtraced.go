// Copyright (c) 2017-2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	v1 "github.com/decred/dcrtrace/api/v1"
	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/dcrtraced/backend/filesystem"
	"github.com/decred/dcrtrace/dcrtraced/backend/memory"
	"github.com/decred/dcrtrace/dcrtraced/backend/postgres"
	"github.com/decred/dcrtrace/dcrtraced/metrics"
	"github.com/decred/dcrtrace/dcrtraced/service"
	"github.com/decred/dcrtrace/tcn"
	"github.com/decred/dcrtrace/util"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/robfig/cron"
)

const (
	forward = "X-Forwarded-For"

	// maxSubmitBody bounds a submit request body.
	maxSubmitBody = 1024

	// encodedTCNSize is the upper bound of a JSON encoded TCN including
	// quotes and separator.
	encodedTCNSize = 32
)

// DcrtraceStore application context.
type DcrtraceStore struct {
	backend backend.Backend
	service *service.Service
	metrics *metrics.Metrics
	cfg     *config
	router  *mux.Router
	cron    *cron.Cron // Memory backend evictor
}

// via returns the remote address of a request for the audit log.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// decodeIdentifier decodes the text form of a CCN or TCN.  Length is left to
// the service.
func decodeIdentifier(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// respondWithServiceError translates a service error to an HTTP reply.
// Caller errors are reported as is, infrastructure errors are logged under a
// time based error code that is handed to the client.
func (d *DcrtraceStore) respondWithServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, tcn.ErrInvalidSeedLength),
		errors.Is(err, tcn.ErrInvalidIdentifierLength):
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, service.ErrRequestTooLarge):
		util.RespondWithError(w, http.StatusRequestEntityTooLarge,
			err.Error())
		return
	}

	errorCode := time.Now().Unix()
	log.Errorf("%v %v error code %v: %v", via(r), op, errorCode, err)

	switch {
	case errors.Is(err, backend.ErrStoreUnavailable):
		util.RespondWithError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Store unavailable, please try again later. "+
				"Error code: %v", errorCode))
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		util.RespondWithError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Request timed out, please try again later. "+
				"Error code: %v", errorCode))
	default:
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not complete request, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
	}
}

// decodeBody decodes a size bounded JSON request body into v.  It replies
// and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) bool {
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	err := decoder.Decode(v)
	if err != nil {
		var e *http.MaxBytesError
		if errors.As(err, &e) {
			util.RespondWithError(w, http.StatusRequestEntityTooLarge,
				"Request too large")
			return false
		}
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return false
	}
	return true
}

// status returns the protocol parameters of the server.
func (d *DcrtraceStore) status(w http.ResponseWriter, r *http.Request) {
	params := d.service.Params()
	retention := d.cfg.retention()
	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		Version:      v1.APIVersion,
		CCNSize:      tcn.CCNSize,
		TCNSize:      tcn.TCNSize,
		Epochs:       params.Epochs,
		Ratchets:     params.Ratchets,
		Bucket:       int64(retention.Bucket / time.Second),
		Retention:    int64(retention.Window / time.Second),
		CheckEnabled: !d.cfg.DisableCheck,
		MaxBatch:     d.cfg.MaxBatch,
	})
}

// submit stores a single CCN.
func (d *DcrtraceStore) submit(w http.ResponseWriter, r *http.Request) {
	var s v1.Submit
	if !decodeBody(w, r, maxSubmitBody, &s) {
		return
	}

	raw, err := decodeIdentifier(s.CCN)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid CCN encoding")
		return
	}

	ts, err := d.service.Submit(raw)
	if err != nil {
		d.respondWithServiceError(w, r, "submit", err)
		return
	}

	log.Infof("Submit %v: accepted %v", via(r),
		time.Unix(0, ts).UTC().Format(time.RFC3339Nano))

	util.RespondWithJSON(w, http.StatusOK, v1.SubmitReply{
		ServerTimestamp: ts,
	})
}

// fetch returns all CCNs with a timestamp >= the one in the route.  A
// missing timestamp fetches the whole retention window.
func (d *DcrtraceStore) fetch(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if t, ok := mux.Vars(r)[v1.TimestampVar]; ok {
		if !v1.RegexpTimestamp.MatchString(t) {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid timestamp")
			return
		}
		var err error
		cursor, err = strconv.ParseInt(t, 10, 64)
		if err != nil {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid timestamp")
			return
		}
	}

	records, err := d.service.Fetch(cursor)
	if err != nil {
		d.respondWithServiceError(w, r, "fetch", err)
		return
	}

	reply := v1.FetchReply{
		CCNs: make([]v1.CCN, 0, len(records)),
	}
	for _, v := range records {
		reply.CCNs = append(reply.CCNs, v1.CCN{
			CCN:       v.CCN.String(),
			Timestamp: v.Timestamp,
		})
	}

	log.Debugf("Fetch %v: cursor %v records %v", via(r), cursor,
		len(records))

	util.RespondWithJSON(w, http.StatusOK, reply)
}

// check reports whether any submitted TCN was derived from a CCN in the
// retention window.
func (d *DcrtraceStore) check(w http.ResponseWriter, r *http.Request) {
	if d.cfg.DisableCheck {
		util.RespondWithError(w, http.StatusForbidden,
			"Server side check disabled")
		return
	}

	var c v1.Check
	limit := int64(d.cfg.MaxBatch)*encodedTCNSize + maxSubmitBody
	if !decodeBody(w, r, limit, &c) {
		return
	}

	batch := make([][]byte, 0, len(c.TCNs))
	for _, v := range c.TCNs {
		raw, err := decodeIdentifier(v)
		if err != nil {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid TCN encoding")
			return
		}
		batch = append(batch, raw)
	}

	ctx, cancel := context.WithTimeout(r.Context(), d.cfg.CheckTimeout)
	defer cancel()

	match, err := d.service.Check(ctx, batch)
	if err != nil {
		d.respondWithServiceError(w, r, "check", err)
		return
	}

	util.RespondWithJSON(w, http.StatusOK, v1.CheckReply{
		Match: match,
	})
}

// evictor evicts expired records of the memory backend.  The persistent
// backends run their own evictor.
func (d *DcrtraceStore) evictor() {
	start := time.Now()
	n, err := d.backend.Evict()
	if err != nil {
		log.Errorf("evictor: %v", err)
		return
	}
	d.metrics.AddEvictions(n)
	log.Infof("Evictor: records %v in %v", n, time.Since(start))
}

// newBackend returns the backend selected by the config.
func newBackend(cfg *config) (backend.Backend, error) {
	retention := cfg.retention()
	switch cfg.Backend {
	case "filesystem":
		return filesystem.New(cfg.DataDir, retention, cfg.EvictSchedule)
	case "postgres":
		return postgres.New(&postgres.Config{
			Host:     cfg.PostgresHost,
			User:     cfg.PostgresUser,
			Database: cfg.PostgresDB,
			RootCert: cfg.PostgresRootCert,
			Cert:     cfg.PostgresCert,
			Key:      cfg.PostgresKey,
		}, retention, cfg.EvictSchedule)
	case "memory":
		return memory.New(retention)
	}
	return nil, fmt.Errorf("invalid backend type: %v", cfg.Backend)
}

// newStore wires a backend into the application context.
func newStore(cfg *config, b backend.Backend) (*DcrtraceStore, error) {
	m := metrics.New()
	s, err := service.New(b, service.Config{
		Params:    cfg.params(),
		MaxBatch:  cfg.MaxBatch,
		MaxWindow: cfg.MaxWindow,
		Workers:   cfg.Workers,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}

	d := &DcrtraceStore{
		backend: b,
		service: s,
		metrics: m,
		cfg:     cfg,
	}

	// Setup mux
	d.router = mux.NewRouter()
	d.router.HandleFunc(v1.StatusRoute, d.status).Methods("GET")
	d.router.HandleFunc(v1.SubmitRoute, d.submit).Methods("POST")
	d.router.HandleFunc(v1.FetchRoute, d.fetch).Methods("GET")
	d.router.HandleFunc(v1.FetchRoute+"{"+v1.TimestampVar+"}",
		d.fetch).Methods("GET")
	d.router.HandleFunc(v1.CheckRoute, d.check).Methods("POST")
	d.router.Handle(v1.MetricsRoute, m.Handler()).Methods("GET")

	return d, nil
}

// handler returns the router wrapped in the server middleware.
func (d *DcrtraceStore) handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CompressHandler(d.router))
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	params := loadedCfg.params()
	log.Infof("Version  : %v", version())
	log.Infof("Backend  : %v", loadedCfg.Backend)
	log.Infof("Home dir : %v", loadedCfg.HomeDir)
	log.Infof("Epochs   : %v ratchets %v", params.Epochs, params.Ratchets)
	log.Infof("Retention: %v bucket %v", loadedCfg.Retention,
		loadedCfg.Bucket)
	if loadedCfg.DisableCheck {
		log.Infof("Check    : disabled")
	}

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Setup backend.
	b, err := newBackend(loadedCfg)
	if err != nil {
		return err
	}

	// Setup application context
	d, err := newStore(loadedCfg, b)
	if err != nil {
		b.Close()
		return err
	}
	if loadedCfg.Backend == "memory" {
		d.cron = cron.New()
		err = d.cron.AddFunc(loadedCfg.EvictSchedule, d.evictor)
		if err != nil {
			b.Close()
			return err
		}
		d.cron.Start()
	}

	// Bind to a port and pass our router in
	h := d.handler()
	listenC := make(chan error, len(loadedCfg.Listeners))
	servers := make([]*http.Server, 0, len(loadedCfg.Listeners))
	for _, listener := range loadedCfg.Listeners {
		srv := &http.Server{
			Addr:              listener,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			log.Infof("Listen: %v", srv.Addr)
			listenC <- srv.ListenAndServe()
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("Terminating with %v", sig)
	case err := <-listenC:
		log.Errorf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Shutdown %v: %v", srv.Addr, err)
		}
	}
	if d.cron != nil {
		d.cron.Stop()
	}
	d.backend.Close()

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
