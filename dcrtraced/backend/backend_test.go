// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	r := Retention{Bucket: time.Hour, Window: 24 * time.Hour}

	for i := 0; i < 24; i++ {
		t1, _ := time.Parse("2006 Jan 02 15:04:05",
			fmt.Sprintf("2012 Dec 07 %v:00:01", i))
		t2 := r.BucketStart(t1.UnixNano())
		if t1.Sub(t2) != time.Second {
			t.Fatalf("%v -- %v", t1, t2)
		}
	}

	// Daily buckets start at UTC midnight.
	t1 := time.Date(2020, 4, 10, 13, 14, 15, 16, time.UTC)
	start := DefaultRetentionPolicy.BucketStart(t1.UnixNano())
	if !start.Equal(time.Date(2020, 4, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("invalid bucket start %v", start)
	}
}

func TestRetentionBoundary(t *testing.T) {
	r := DefaultRetentionPolicy
	day := time.Date(2020, 4, 10, 0, 0, 0, 0, time.UTC)
	ts := day.Add(5 * time.Hour).UnixNano()

	tests := []struct {
		now     time.Time
		visible bool
	}{
		{day, true},
		{day.Add(7 * 24 * time.Hour), true},
		{day.Add(DefaultRetention - time.Second), true},
		{day.Add(DefaultRetention), true},
		{day.Add(DefaultRetention + time.Second), false},
		{day.Add(DefaultRetention + 24*time.Hour), false},
	}
	for _, v := range tests {
		if r.Visible(ts, v.now) != v.visible {
			t.Fatalf("now %v: got %v want %v", v.now,
				!v.visible, v.visible)
		}
	}

	if !r.Horizon(day.Add(DefaultRetention)).Equal(day) {
		t.Fatal("invalid horizon")
	}
}

func TestNextTimestamp(t *testing.T) {
	now := time.Unix(1586476800, 0)
	if NextTimestamp(now, 0) != now.UnixNano() {
		t.Fatal("expected clock timestamp")
	}
	last := now.UnixNano()
	if NextTimestamp(now, last) != last+1 {
		t.Fatal("expected tie break")
	}
	if NextTimestamp(now.Add(-time.Hour), last) != last+1 {
		t.Fatal("timestamp went backwards")
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultRetentionPolicy.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []Retention{
		{Bucket: 0, Window: time.Hour},
		{Bucket: 1500 * time.Millisecond, Window: time.Hour},
		{Bucket: time.Hour, Window: time.Minute},
	}
	for _, r := range bad {
		if r.Validate() == nil {
			t.Fatalf("expected error for %+v", r)
		}
	}
}

func TestStoreError(t *testing.T) {
	if StoreError(nil) != nil {
		t.Fatal("expected nil")
	}
	err := StoreError(errors.New("disk on fire"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v", err)
	}
	if StoreError(err) != err {
		t.Fatal("double wrap")
	}
}
