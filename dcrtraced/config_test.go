// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("TRCD=trace,BACK=warn"))
	require.Error(t, parseAndSetDebugLevels("loud"))
	require.Error(t, parseAndSetDebugLevels("XXXX=info"))
	require.Error(t, parseAndSetDebugLevels("TRCD=trace,BACK"))
	require.NoError(t, parseAndSetDebugLevels(defaultLogLevel))
}

func TestNormalizeAddresses(t *testing.T) {
	got := normalizeAddresses([]string{
		"127.0.0.1", "127.0.0.1:5000", ":8000", "::1",
	}, "5000")
	require.Equal(t, []string{"127.0.0.1:5000", ":8000", "[::1]:5000"},
		got)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())

	tests := []func(*config){
		func(c *config) { c.Backend = "redis" },
		func(c *config) { c.Backend = "postgres" },
		func(c *config) { c.Epochs = 0 },
		func(c *config) { c.Ratchets = -1 },
		func(c *config) { c.Bucket = 1500 * time.Millisecond },
		func(c *config) { c.Retention = time.Hour },
		func(c *config) { c.MaxBatch = 0 },
		func(c *config) { c.MaxWindow = -1 },
		func(c *config) { c.Workers = -1 },
		func(c *config) { c.CheckTimeout = 0 },
	}
	for i, mutate := range tests {
		c := defaultConfig()
		mutate(&c)
		require.Error(t, c.validate(), "test %v", i)
	}
}
