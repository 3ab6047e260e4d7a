// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memory

import (
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/pricefeed/pricefeedd/backend"
	"pgregory.net/rapid"
)

var (
	feedX = backend.FeedID{0x01}
	feedY = backend.FeedID{0x02}
)

func newUpdate(id backend.FeedID, ts, price int64) *backend.PriceFeedUpdate {
	return &backend.PriceFeedUpdate{
		FeedID: id,
		Price: backend.PriceUpdate{
			Price:       price,
			Confidence:  10,
			Exponent:    -2,
			PublishTime: ts,
		},
		EmaPrice: backend.EmaUpdate{
			Price:       price,
			Confidence:  12,
			Exponent:    -2,
			PublishTime: ts,
		},
		RawUpdateData: []byte{0xde, 0xad},
	}
}

func TestInsertOutcomes(t *testing.T) {
	m := internalNew(Policy{})

	a := newUpdate(feedX, 100, 50000)
	if o := m.Insert(a); o != backend.Inserted {
		t.Fatalf("got %v want %v", o, backend.Inserted)
	}
	b := newUpdate(feedX, 200, 50500)
	if o := m.Insert(b); o != backend.Superseded {
		t.Fatalf("got %v want %v", o, backend.Superseded)
	}

	// Out of order but new.
	c := newUpdate(feedX, 150, 50200)
	if o := m.Insert(c); o != backend.Inserted {
		t.Fatalf("got %v want %v", o, backend.Inserted)
	}

	// Same content, different wire data.
	d := newUpdate(feedX, 200, 50500)
	d.RawUpdateData = []byte{0xbe, 0xef}
	d.Slot = 77
	if o := m.Insert(d); o != backend.Duplicate {
		t.Fatalf("got %v want %v", o, backend.Duplicate)
	}

	e := newUpdate(feedX, 200, 1)
	if o := m.Insert(e); o != backend.Conflict {
		t.Fatalf("got %v want %v", o, backend.Conflict)
	}

	latest, ok := m.Latest(feedX)
	if !ok {
		t.Fatalf("expected latest")
	}
	if !reflect.DeepEqual(latest, b) {
		t.Fatalf("want %v got %v", spew.Sdump(b), spew.Sdump(latest))
	}
}

func TestDuplicateLeavesStateUnchanged(t *testing.T) {
	m := internalNew(Policy{})
	for _, ts := range []int64{10, 20, 30} {
		m.Insert(newUpdate(feedX, ts, ts))
	}
	before := m.Updates(feedX)

	if o := m.Insert(newUpdate(feedX, 20, 20)); o != backend.Duplicate {
		t.Fatalf("got %v want %v", o, backend.Duplicate)
	}

	after := m.Updates(feedX)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("want %v got %v", spew.Sdump(before), spew.Sdump(after))
	}
}

func TestFirstAtOrAfter(t *testing.T) {
	m := internalNew(Policy{})
	m.Insert(newUpdate(feedX, 100, 50000))
	m.Insert(newUpdate(feedX, 200, 50500))

	tests := []struct {
		ts    int64
		found bool
		want  int64
	}{
		{0, true, 100},
		{100, true, 100},
		{101, true, 200},
		{150, true, 200},
		{200, true, 200},
		{201, false, 0},
		{250, false, 0},
	}
	for _, test := range tests {
		u, ok := m.FirstAtOrAfter(feedX, test.ts)
		if ok != test.found {
			t.Fatalf("ts %v: got found %v want %v", test.ts, ok,
				test.found)
		}
		if ok && u.PublishTime() != test.want {
			t.Fatalf("ts %v: got %v want %v", test.ts,
				u.PublishTime(), test.want)
		}
	}

	if _, ok := m.FirstAtOrAfter(feedY, 0); ok {
		t.Fatalf("unknown feed should not be found")
	}
	if _, ok := m.Latest(feedY); ok {
		t.Fatalf("unknown feed should not have a latest update")
	}
}

func TestCopiesAreIndependent(t *testing.T) {
	m := internalNew(Policy{})
	u := newUpdate(feedX, 100, 1)
	m.Insert(u)

	// Mutating the inserted record must not reach the store.
	u.RawUpdateData[0] = 0
	u.Price.Price = 2

	got, _ := m.Latest(feedX)
	if got.Price.Price != 1 || got.RawUpdateData[0] != 0xde {
		t.Fatalf("store shares memory with caller: %v", spew.Sdump(got))
	}

	// Nor must mutating a returned record.
	got.RawUpdateData[0] = 0
	again, _ := m.Latest(feedX)
	if again.RawUpdateData[0] != 0xde {
		t.Fatalf("store shares memory with reader")
	}
}

func TestEvictionMaxUpdates(t *testing.T) {
	m := internalNew(Policy{MaxUpdates: 3})
	for ts := int64(1); ts <= 10; ts++ {
		m.Insert(newUpdate(feedX, ts, ts))
	}
	updates := m.Updates(feedX)
	if len(updates) != 3 {
		t.Fatalf("got %v updates want 3", len(updates))
	}
	if updates[0].PublishTime() != 8 {
		t.Fatalf("got oldest %v want 8", updates[0].PublishTime())
	}

	// Older than everything retained in a full index.
	if o := m.Insert(newUpdate(feedX, 2, 2)); o != backend.Expired {
		t.Fatalf("got %v want %v", o, backend.Expired)
	}
}

func TestEvictionMaxAge(t *testing.T) {
	m := internalNew(Policy{MaxAge: 60})
	m.Insert(newUpdate(feedX, 1000, 1))
	m.Insert(newUpdate(feedX, 1050, 2))
	m.Insert(newUpdate(feedX, 1100, 3))

	// Aged out updates are retained until the next sweep.
	if updates := m.Updates(feedX); len(updates) != 3 {
		t.Fatalf("got %v updates want 3", len(updates))
	}
	if n := m.Sweep(); n != 1 {
		t.Fatalf("swept %v want 1", n)
	}
	updates := m.Updates(feedX)
	if len(updates) != 2 {
		t.Fatalf("got %v updates want 2: %v", len(updates),
			spew.Sdump(updates))
	}
	if o := m.Insert(newUpdate(feedX, 1039, 4)); o != backend.Expired {
		t.Fatalf("got %v want %v", o, backend.Expired)
	}
	if o := m.Insert(newUpdate(feedX, 1040, 4)); o != backend.Inserted {
		t.Fatalf("got %v want %v", o, backend.Inserted)
	}
}

func TestEvictionKeepsNewest(t *testing.T) {
	m := internalNew(Policy{MaxUpdates: 1, MaxAge: 1})
	m.Insert(newUpdate(feedX, 100, 1))
	if n := m.Sweep(); n != 0 {
		t.Fatalf("swept %v updates want 0", n)
	}
	latest, ok := m.Latest(feedX)
	if !ok || latest.PublishTime() != 100 {
		t.Fatalf("newest update evicted")
	}
}

func TestSweep(t *testing.T) {
	m := internalNew(Policy{MaxAge: 2})
	for ts := int64(1); ts <= 5; ts++ {
		m.Insert(newUpdate(feedX, ts, ts))
		m.Insert(newUpdate(feedY, ts, ts))
	}

	if n := m.Sweep(); n != 4 {
		t.Fatalf("swept %v want 4", n)
	}
	if n := m.Sweep(); n != 0 {
		t.Fatalf("second sweep evicted %v want 0", n)
	}
	for _, id := range []backend.FeedID{feedX, feedY} {
		updates := m.Updates(id)
		if len(updates) != 3 || updates[0].PublishTime() != 3 {
			t.Fatalf("unexpected retained updates %v",
				spew.Sdump(updates))
		}
	}

	// A newer update moves the horizon.
	m.Insert(newUpdate(feedX, 10, 10))
	if n := m.Sweep(); n != 3 {
		t.Fatalf("swept %v want 3", n)
	}

	ids := m.FeedIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i][0] < ids[j][0] })
	if !reflect.DeepEqual(ids, []backend.FeedID{feedX, feedY}) {
		t.Fatalf("unexpected feeds %v", spew.Sdump(ids))
	}
}

func TestSweepProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAge := rapid.Int64Range(1, 100).Draw(t, "maxAge")
		m := internalNew(Policy{MaxAge: maxAge})

		times := rapid.SliceOfN(rapid.Int64Range(1, 1000), 1, 100).
			Draw(t, "times")
		for _, ts := range times {
			m.Insert(newUpdate(feedX, ts, ts))
		}
		before := m.Updates(feedX)
		newest := before[len(before)-1].PublishTime()
		stale := 0
		for _, u := range before {
			if u.PublishTime() < newest-maxAge {
				stale++
			}
		}

		if n := m.Sweep(); n != stale {
			t.Fatalf("swept %v want %v", n, stale)
		}
		after := m.Updates(feedX)
		if len(after) != len(before)-stale {
			t.Fatalf("retained %v want %v", len(after),
				len(before)-stale)
		}
		if after[len(after)-1].PublishTime() != newest {
			t.Fatalf("newest update evicted")
		}
		if after[0].PublishTime() < newest-maxAge {
			t.Fatalf("retained %v beyond horizon %v",
				after[0].PublishTime(), newest-maxAge)
		}
	})
}

func TestNewSchedule(t *testing.T) {
	m, err := New(Policy{}, DefaultSweepSchedule)
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	_, err = New(Policy{}, "not a schedule")
	if err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestConcurrentInsert(t *testing.T) {
	m := internalNew(Policy{})
	feeds := []backend.FeedID{feedX, feedY, {0x03}, {0x04}}

	var wg sync.WaitGroup
	for _, id := range feeds {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(id backend.FeedID, w int) {
				defer wg.Done()
				for ts := int64(1); ts <= 100; ts++ {
					m.Insert(newUpdate(id, ts, ts))
					m.Latest(id)
					m.FirstAtOrAfter(id, ts/2)
				}
			}(id, w)
		}
	}
	wg.Wait()

	for _, id := range feeds {
		latest, ok := m.Latest(id)
		if !ok || latest.PublishTime() != 100 {
			t.Fatalf("feed %v: bad latest %v", id, spew.Sdump(latest))
		}
		if n := len(m.Updates(id)); n != 100 {
			t.Fatalf("feed %v: got %v updates want 100", id, n)
		}
	}
}

// linearFirstAtOrAfter is the reference implementation the indexed lookup is
// checked against.
func linearFirstAtOrAfter(updates []*backend.PriceFeedUpdate, ts int64) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, u := range updates {
		if u.PublishTime() < ts {
			continue
		}
		if !found || u.PublishTime() < best {
			best = u.PublishTime()
			found = true
		}
	}
	return best, found
}

func TestFirstAtOrAfterProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxUpdates := rapid.IntRange(0, 20).Draw(t, "maxUpdates")
		m := internalNew(Policy{MaxUpdates: maxUpdates})

		times := rapid.SliceOfN(rapid.Int64Range(1, 500), 1, 100).
			Draw(t, "times")
		for _, ts := range times {
			m.Insert(newUpdate(feedX, ts, ts))
		}
		retained := m.Updates(feedX)

		for i := 0; i < 20; i++ {
			q := rapid.Int64Range(0, 520).Draw(t, "query")
			want, wantOK := linearFirstAtOrAfter(retained, q)
			got, ok := m.FirstAtOrAfter(feedX, q)
			if ok != wantOK {
				t.Fatalf("query %v: found %v want %v", q, ok, wantOK)
			}
			if ok && got.PublishTime() != want {
				t.Fatalf("query %v: got %v want %v", q,
					got.PublishTime(), want)
			}
		}
	})
}

func TestLatestProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := internalNew(Policy{
			MaxAge: rapid.Int64Range(0, 100).Draw(t, "maxAge"),
		})
		times := rapid.SliceOfN(rapid.Int64Range(1, 1000), 1, 100).
			Draw(t, "times")

		var newest int64
		for _, ts := range times {
			m.Insert(newUpdate(feedX, ts, ts))
			if ts > newest {
				newest = ts
			}
			latest, ok := m.Latest(feedX)
			if !ok {
				t.Fatalf("no latest after insert")
			}
			if latest.PublishTime() != newest {
				t.Fatalf("latest %v want %v",
					latest.PublishTime(), newest)
			}
		}

		// Latest is the maximum of everything retained.
		retained := m.Updates(feedX)
		if retained[len(retained)-1].PublishTime() != newest {
			t.Fatalf("newest retained %v want %v",
				retained[len(retained)-1].PublishTime(), newest)
		}
	})
}
