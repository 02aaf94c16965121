// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/decred/dcrtrace/dcrtraced/backend"
	"github.com/decred/dcrtrace/dcrtraced/backend/memory"
	"github.com/decred/dcrtrace/dcrtraced/metrics"
	"github.com/decred/dcrtrace/tcn"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2020, 4, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	s   *Service
	m   *memory.Memory
	now time.Time
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	m, err := memory.New(backend.DefaultRetentionPolicy)
	require.NoError(t, err)

	env := &testEnv{m: m, now: testStart}
	m.SetNow(func() time.Time { return env.now })

	if cfg.Params.Epochs == 0 {
		cfg.Params = tcn.DefaultParams
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MaxWindow == 0 {
		cfg.MaxWindow = DefaultMaxWindow
	}
	env.s, err = New(m, cfg)
	require.NoError(t, err)
	return env
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	require.NoError(t, err)
	return b
}

func TestNewInvalid(t *testing.T) {
	m, err := memory.New(backend.DefaultRetentionPolicy)
	require.NoError(t, err)

	tests := []Config{
		{Params: tcn.Params{Epochs: 0}, MaxBatch: 1, MaxWindow: 1},
		{Params: tcn.DefaultParams, MaxBatch: 0, MaxWindow: 1},
		{Params: tcn.DefaultParams, MaxBatch: 1, MaxWindow: 0},
		{Params: tcn.DefaultParams, MaxBatch: 1, MaxWindow: 1, Workers: -1},
	}
	for i, cfg := range tests {
		_, err := New(m, cfg)
		require.Error(t, err, "test %v", i)
	}
}

func TestScenario(t *testing.T) {
	env := newTestEnv(t, Config{Metrics: metrics.New()})
	ctx := context.Background()

	s1 := randomBytes(t, tcn.CCNSize)
	t0, err := env.s.Submit(s1)
	require.NoError(t, err)

	records, err := env.s.Fetch(t0 - 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, s1, records[0].CCN[:])
	require.Equal(t, t0, records[0].Timestamp)

	records, err = env.s.Fetch(t0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, err = env.s.Fetch(t0 + 1)
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)

	ccn, err := tcn.CCNFromBytes(s1)
	require.NoError(t, err)
	i5 := ccn.Expand(6)[5]
	match, err := env.s.Check(ctx, [][]byte{i5[:]})
	require.NoError(t, err)
	require.True(t, match)

	match, err = env.s.Check(ctx, [][]byte{randomBytes(t, tcn.TCNSize)})
	require.NoError(t, err)
	require.False(t, match)
}

func TestSubmitInvalid(t *testing.T) {
	env := newTestEnv(t, Config{})

	for _, n := range []int{0, 16, 31, 33} {
		_, err := env.s.Submit(make([]byte, n))
		require.ErrorIs(t, err, tcn.ErrInvalidSeedLength)
	}

	records, err := env.s.Fetch(0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFetchIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})

	for i := 0; i < 10; i++ {
		_, err := env.s.Submit(randomBytes(t, tcn.CCNSize))
		require.NoError(t, err)
	}
	a, err := env.s.Fetch(0)
	require.NoError(t, err)
	b, err := env.s.Fetch(0)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 10)
	for i := 1; i < len(a); i++ {
		require.Less(t, a[i-1].Timestamp, a[i].Timestamp)
	}

	// Page forward from the last returned timestamp.
	next, err := env.s.Fetch(a[len(a)-1].Timestamp + 1)
	require.NoError(t, err)
	require.Empty(t, next)
}

func TestCheckExpired(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	raw := randomBytes(t, tcn.CCNSize)
	_, err := env.s.Submit(raw)
	require.NoError(t, err)
	ccn, err := tcn.CCNFromBytes(raw)
	require.NoError(t, err)
	id := ccn.Expand(1)[0]

	// Bucket start is midnight, exactly 14 days later it is still visible.
	env.now = time.Date(2020, 4, 24, 0, 0, 0, 0, time.UTC)
	match, err := env.s.Check(ctx, [][]byte{id[:]})
	require.NoError(t, err)
	require.True(t, match)

	env.now = env.now.Add(time.Second)
	match, err = env.s.Check(ctx, [][]byte{id[:]})
	require.NoError(t, err)
	require.False(t, match)

	records, err := env.s.Fetch(0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestCheckStrategies(t *testing.T) {
	params := tcn.Params{Epochs: 8}
	env := newTestEnv(t, Config{Params: params, Workers: 2})
	ctx := context.Background()

	var ccns []tcn.CCN
	for i := 0; i < 4; i++ {
		raw := randomBytes(t, tcn.CCNSize)
		_, err := env.s.Submit(raw)
		require.NoError(t, err)
		ccn, err := tcn.CCNFromBytes(raw)
		require.NoError(t, err)
		ccns = append(ccns, ccn)
	}
	last := ccns[3].Expand(params.Epochs)[params.Epochs-1]

	// Universe 32 > batch 2, batch set with streamed expansion.
	small := [][]byte{randomBytes(t, tcn.TCNSize), last[:]}
	match, err := env.s.Check(ctx, small)
	require.NoError(t, err)
	require.True(t, match)

	// Universe 32 <= batch 40, materialized universe.
	large := make([][]byte, 0, 40)
	for i := 0; i < 39; i++ {
		large = append(large, randomBytes(t, tcn.TCNSize))
	}
	match, err = env.s.Check(ctx, large)
	require.NoError(t, err)
	require.False(t, match)

	large = append(large, last[:])
	match, err = env.s.Check(ctx, large)
	require.NoError(t, err)
	require.True(t, match)

	// Empty batch never matches.
	match, err = env.s.Check(ctx, nil)
	require.NoError(t, err)
	require.False(t, match)
}

func TestCheckRatchets(t *testing.T) {
	params := tcn.Params{Epochs: 4, Ratchets: 2}
	env := newTestEnv(t, Config{Params: params})
	ctx := context.Background()

	raw := randomBytes(t, tcn.CCNSize)
	_, err := env.s.Submit(raw)
	require.NoError(t, err)
	ccn, err := tcn.CCNFromBytes(raw)
	require.NoError(t, err)

	id := ccn.Ratchet().Ratchet().Expand(params.Epochs)[2]
	match, err := env.s.Check(ctx, [][]byte{id[:]})
	require.NoError(t, err)
	require.True(t, match)

	id = ccn.Ratchet().Ratchet().Ratchet().Expand(params.Epochs)[2]
	match, err = env.s.Check(ctx, [][]byte{id[:]})
	require.NoError(t, err)
	require.False(t, match)
}

func TestCheckTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{
		Params:    tcn.Params{Epochs: 2},
		MaxBatch:  3,
		MaxWindow: 2,
	})
	ctx := context.Background()

	batch := make([][]byte, 4)
	for i := range batch {
		batch[i] = randomBytes(t, tcn.TCNSize)
	}
	_, err := env.s.Check(ctx, batch)
	require.ErrorIs(t, err, ErrRequestTooLarge)

	for i := 0; i < 3; i++ {
		_, err := env.s.Submit(randomBytes(t, tcn.CCNSize))
		require.NoError(t, err)
	}
	_, err = env.s.Check(ctx, batch[:1])
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestCheckInvalid(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.s.Check(context.Background(), [][]byte{
		randomBytes(t, tcn.TCNSize),
		randomBytes(t, tcn.TCNSize+1),
	})
	require.ErrorIs(t, err, tcn.ErrInvalidIdentifierLength)
}

func TestCheckCanceled(t *testing.T) {
	env := newTestEnv(t, Config{})

	for i := 0; i < 8; i++ {
		_, err := env.s.Submit(randomBytes(t, tcn.CCNSize))
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.s.Check(ctx, [][]byte{randomBytes(t, tcn.TCNSize)})
	require.True(t, errors.Is(err, context.Canceled))
}

type failingBackend struct {
	backend.Backend
}

func (failingBackend) Put(tcn.CCN) (backend.Record, error) {
	return backend.Record{}, backend.StoreError(errors.New("disk full"))
}

func (failingBackend) Range(int64) ([]backend.Record, error) {
	return nil, backend.StoreError(errors.New("disk gone"))
}

func (failingBackend) Window() ([]backend.Record, error) {
	return nil, backend.StoreError(errors.New("disk gone"))
}

func TestStoreUnavailable(t *testing.T) {
	s, err := New(failingBackend{}, Config{
		Params:    tcn.DefaultParams,
		MaxBatch:  DefaultMaxBatch,
		MaxWindow: DefaultMaxWindow,
	})
	require.NoError(t, err)

	_, err = s.Submit(randomBytes(t, tcn.CCNSize))
	require.ErrorIs(t, err, backend.ErrStoreUnavailable)
	_, err = s.Fetch(0)
	require.ErrorIs(t, err, backend.ErrStoreUnavailable)
	_, err = s.Check(context.Background(),
		[][]byte{randomBytes(t, tcn.TCNSize)})
	require.ErrorIs(t, err, backend.ErrStoreUnavailable)
}
