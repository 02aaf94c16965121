// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package service implements the submit, fetch and check operations on top
// of a retention backend.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/dcrtraced/metrics"
	"github.com/decred/dcrtrace/tcn"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxBatch is the default maximum number of TCNs per check.
	DefaultMaxBatch = 100000

	// DefaultMaxWindow is the default maximum number of window records a
	// check will expand.
	DefaultMaxWindow = 100000
)

var (
	// ErrRequestTooLarge is returned when a check batch or the retention
	// window exceeds the configured bounds.
	ErrRequestTooLarge = errors.New("request too large")
)

// Config contains the service settings.
type Config struct {
	Params    tcn.Params       // Derivation parameters
	MaxBatch  int              // Maximum TCNs per check
	MaxWindow int              // Maximum window records per check
	Workers   int              // Parallel expansions, 0 is GOMAXPROCS
	Metrics   *metrics.Metrics // Optional
}

// Service is stateless apart from its configuration.  All state lives in the
// backend.
type Service struct {
	backend backend.Backend
	cfg     Config
}

// New returns a service that operates on b.
func New(b backend.Backend, cfg Config) (*Service, error) {
	err := cfg.Params.Validate()
	if err != nil {
		return nil, err
	}
	if cfg.MaxBatch <= 0 {
		return nil, fmt.Errorf("invalid max batch: %v", cfg.MaxBatch)
	}
	if cfg.MaxWindow <= 0 {
		return nil, fmt.Errorf("invalid max window: %v", cfg.MaxWindow)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("invalid workers: %v", cfg.Workers)
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Service{
		backend: b,
		cfg:     cfg,
	}, nil
}

// Params returns the derivation parameters the service checks with.
func (s *Service) Params() tcn.Params {
	return s.cfg.Params
}

// Submit validates and stores a CCN and returns the timestamp the backend
// assigned to it.
func (s *Service) Submit(raw []byte) (int64, error) {
	ccn, err := tcn.CCNFromBytes(raw)
	if err != nil {
		s.cfg.Metrics.IncFailure(metrics.FailureInvalid)
		return 0, err
	}

	r, err := s.backend.Put(ccn)
	if err != nil {
		s.cfg.Metrics.IncFailure(metrics.FailureStore)
		return 0, err
	}
	s.cfg.Metrics.IncSubmit()

	log.Debugf("Submit: %v", r.Timestamp)

	return r.Timestamp, nil
}

// Fetch returns all visible records with a timestamp >= cursor in ascending
// order.  The result is empty, not nil, when nothing qualifies.
func (s *Service) Fetch(cursor int64) ([]backend.Record, error) {
	records, err := s.backend.Range(cursor)
	if err != nil {
		s.cfg.Metrics.IncFailure(metrics.FailureStore)
		return nil, err
	}
	if records == nil {
		records = []backend.Record{}
	}
	s.cfg.Metrics.ObserveFetch(len(records))

	log.Debugf("Fetch: cursor %v records %v", cursor, len(records))

	return records, nil
}

// Check reports whether any TCN of batch can be derived from a CCN in the
// retention window.  The result does not reveal which CCN matched.
func (s *Service) Check(ctx context.Context, batch [][]byte) (bool, error) {
	if len(batch) > s.cfg.MaxBatch {
		s.cfg.Metrics.IncFailure(metrics.FailureTooLarge)
		return false, ErrRequestTooLarge
	}
	tcns := make([]tcn.TCN, 0, len(batch))
	for _, b := range batch {
		t, err := tcn.TCNFromBytes(b)
		if err != nil {
			s.cfg.Metrics.IncFailure(metrics.FailureInvalid)
			return false, err
		}
		tcns = append(tcns, t)
	}

	start := time.Now()
	records, err := s.backend.Window()
	if err != nil {
		s.cfg.Metrics.IncFailure(metrics.FailureStore)
		return false, err
	}
	s.cfg.Metrics.ObserveWindow(time.Since(start))
	if len(records) > s.cfg.MaxWindow {
		s.cfg.Metrics.IncFailure(metrics.FailureTooLarge)
		return false, ErrRequestTooLarge
	}

	seeds := make([]tcn.CCN, 0, len(records)*(1+s.cfg.Params.Ratchets))
	for _, r := range records {
		seeds = append(seeds, s.cfg.Params.Seeds(r.CCN)...)
	}
	universe := len(seeds) * s.cfg.Params.Epochs

	var match bool
	switch {
	case len(tcns) == 0 || len(seeds) == 0:
	case universe > len(tcns):
		match, err = s.stream(ctx, seeds, tcns)
	default:
		match, err = s.materialize(ctx, seeds, tcns)
	}
	if err != nil {
		s.cfg.Metrics.IncFailure(metrics.FailureInternal)
		return false, err
	}
	s.cfg.Metrics.ObserveCheck(match, universe, time.Since(start))

	log.Debugf("Check: batch %v window %v universe %v duration %v",
		len(tcns), len(records), universe, time.Since(start))

	return match, nil
}

// stream builds a set of the batch and tests every derived TCN against it.
// Expansion stops at the first match.
func (s *Service) stream(ctx context.Context, seeds []tcn.CCN, tcns []tcn.TCN) (bool, error) {
	set := make(map[tcn.TCN]struct{}, len(tcns))
	for _, t := range tcns {
		set[t] = struct{}{}
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found atomic.Bool
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}
		seed := seed
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			gen := seed.Generator()
			for i := 0; i < s.cfg.Params.Epochs; i++ {
				if _, ok := set[gen.Next()]; ok {
					found.Store(true)
					cancel()
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if found.Load() {
		return true, nil
	}
	if err == nil {
		err = parent.Err()
	}
	return false, err
}

// materialize expands the whole universe into a set and tests every batch
// entry against it.  It is used when the universe is not larger than the
// batch.
func (s *Service) materialize(ctx context.Context, seeds []tcn.CCN, tcns []tcn.TCN) (bool, error) {
	expanded := make([][]tcn.TCN, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			expanded[i] = seed.Expand(s.cfg.Params.Epochs)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return false, err
	}

	set := make(map[tcn.TCN]struct{}, len(seeds)*s.cfg.Params.Epochs)
	for _, e := range expanded {
		for _, t := range e {
			set[t] = struct{}{}
		}
	}
	for _, t := range tcns {
		if _, ok := set[t]; ok {
			return true, nil
		}
	}
	return false, nil
}
