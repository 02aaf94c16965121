// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRespondWithError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondWithError(w, http.StatusRequestEntityTooLarge, "too large")

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status %v", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %v", ct)
	}
	e, err := GetError(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if e != "too large" {
		t.Fatalf("unexpected error %v", e)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"localhost", "localhost:5000"},
		{"localhost:1234", "localhost:1234"},
		{"127.0.0.1", "127.0.0.1:5000"},
		{"::1", "[::1]:5000"},
		{"[::1]:80", "[::1]:80"},
	}
	for _, v := range tests {
		got := NormalizeAddress(v.in, "5000")
		if got != v.expected {
			t.Fatalf("%v: got %v want %v", v.in, got, v.expected)
		}
	}
}
