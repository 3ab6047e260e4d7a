// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memory

import (
	"sync"
	"time"

	"github.com/decred/pricefeed/pricefeedd/backend"
	"github.com/google/btree"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/robfig/cron"
)

const (
	// btreeDegree is the degree of every per feed index.
	btreeDegree = 16

	// DefaultSweepSchedule runs the retention sweep every minute.
	//
	// Seconds Minutes Hours Days Months DayOfWeek
	DefaultSweepSchedule = "30 * * * * *"
)

var (
	_ backend.Backend = (*Memory)(nil)
)

// Policy bounds the number of updates retained per feed.  A zero value field
// disables that bound.  MaxUpdates is enforced on insert while MaxAge is
// enforced by Sweep.
type Policy struct {
	MaxUpdates int   // Maximum number of updates per feed
	MaxAge     int64 // Seconds relative to the newest publish time
}

// feedIndex is the ordered set of updates for a single feed.  The newest
// update is tracked separately so that Latest does not walk the tree.
type feedIndex struct {
	sync.RWMutex

	updates *btree.BTreeG[*backend.PriceFeedUpdate]
	latest  *backend.PriceFeedUpdate
}

func lessPublishTime(a, b *backend.PriceFeedUpdate) bool {
	return a.Price.PublishTime < b.Price.PublishTime
}

// searchKey returns a search key for the provided publish time.
func searchKey(ts int64) *backend.PriceFeedUpdate {
	return &backend.PriceFeedUpdate{
		Price: backend.PriceUpdate{PublishTime: ts},
	}
}

func newFeedIndex() *feedIndex {
	return &feedIndex{
		updates: btree.NewG(btreeDegree, lessPublishTime),
	}
}

// evict removes updates that fall outside the policy.  The newest update is
// never removed.
//
// This function must be called with the WRITE lock held.
func (fi *feedIndex) evict(p Policy) int {
	if fi.latest == nil {
		return 0
	}
	newest := fi.latest.PublishTime()
	count := 0
	for fi.updates.Len() > 1 {
		oldest, _ := fi.updates.Min()
		tooMany := p.MaxUpdates > 0 && fi.updates.Len() > p.MaxUpdates
		tooOld := p.MaxAge > 0 && oldest.PublishTime() < newest-p.MaxAge
		if !tooMany && !tooOld {
			break
		}
		fi.updates.DeleteMin()
		count++
	}
	return count
}

// expired reports whether an update with the provided publish time would be
// evicted immediately.
//
// This function must be called with the READ lock held.
func (fi *feedIndex) expired(p Policy, ts int64) bool {
	if fi.latest == nil {
		return false
	}
	if p.MaxAge > 0 && ts < fi.latest.PublishTime()-p.MaxAge {
		return true
	}
	if p.MaxUpdates > 0 && fi.updates.Len() >= p.MaxUpdates {
		oldest, _ := fi.updates.Min()
		return ts < oldest.PublishTime()
	}
	return false
}

// Memory is an in memory backend.  Every feed has its own index and lock so
// that writers of unrelated feeds never contend.
type Memory struct {
	feeds  cmap.ConcurrentMap[string, *feedIndex]
	policy Policy
	cron   *cron.Cron // Scheduler for the retention sweep
}

// key converts a feed id to an arena key.
func key(id backend.FeedID) string {
	return string(id[:])
}

// index returns the index for the provided feed or nil.
func (m *Memory) index(id backend.FeedID) *feedIndex {
	fi, ok := m.feeds.Get(key(id))
	if !ok {
		return nil
	}
	return fi
}

// Insert stores a copy of the provided update.
//
// Insert satisfies the backend interface.
func (m *Memory) Insert(u *backend.PriceFeedUpdate) backend.InsertOutcome {
	fi := m.feeds.Upsert(key(u.FeedID), nil,
		func(exist bool, valueInMap, _ *feedIndex) *feedIndex {
			if exist {
				return valueInMap
			}
			return newFeedIndex()
		})

	fi.Lock()
	defer fi.Unlock()

	ts := u.PublishTime()
	if fi.expired(m.policy, ts) {
		return backend.Expired
	}
	if existing, ok := fi.updates.Get(searchKey(ts)); ok {
		if existing.SameContent(u) {
			return backend.Duplicate
		}
		log.Warnf("Conflicting update feed %v publish time %v: "+
			"have price %v slot %v, got price %v slot %v", u.FeedID,
			ts, existing.Price.Price, existing.Slot, u.Price.Price,
			u.Slot)
		return backend.Conflict
	}

	c := u.Copy()
	fi.updates.ReplaceOrInsert(c)

	outcome := backend.Inserted
	switch {
	case fi.latest == nil:
		fi.latest = c
	case ts > fi.latest.PublishTime():
		fi.latest = c
		outcome = backend.Superseded
	}

	// Age based eviction is left to the sweeper.
	if n := fi.evict(Policy{MaxUpdates: m.policy.MaxUpdates}); n != 0 {
		log.Tracef("Insert evicted %v updates from feed %v", n,
			u.FeedID)
	}

	return outcome
}

// Latest returns a copy of the newest update of the feed.
//
// Latest satisfies the backend interface.
func (m *Memory) Latest(id backend.FeedID) (*backend.PriceFeedUpdate, bool) {
	fi := m.index(id)
	if fi == nil {
		return nil, false
	}

	fi.RLock()
	defer fi.RUnlock()

	if fi.latest == nil {
		return nil, false
	}
	return fi.latest.Copy(), true
}

// FirstAtOrAfter returns a copy of the first retained update whose publish
// time is greater than or equal to ts.
//
// FirstAtOrAfter satisfies the backend interface.
func (m *Memory) FirstAtOrAfter(id backend.FeedID, ts int64) (*backend.PriceFeedUpdate, bool) {
	fi := m.index(id)
	if fi == nil {
		return nil, false
	}

	fi.RLock()
	defer fi.RUnlock()

	var found *backend.PriceFeedUpdate
	fi.updates.AscendGreaterOrEqual(searchKey(ts),
		func(u *backend.PriceFeedUpdate) bool {
			found = u
			return false
		})
	if found == nil {
		return nil, false
	}
	return found.Copy(), true
}

// Updates returns copies of all retained updates of a feed in ascending
// publish time order.
func (m *Memory) Updates(id backend.FeedID) []*backend.PriceFeedUpdate {
	fi := m.index(id)
	if fi == nil {
		return nil
	}

	fi.RLock()
	defer fi.RUnlock()

	updates := make([]*backend.PriceFeedUpdate, 0, fi.updates.Len())
	fi.updates.Ascend(func(u *backend.PriceFeedUpdate) bool {
		updates = append(updates, u.Copy())
		return true
	})
	return updates
}

// FeedIDs returns every feed that has received an update.
//
// FeedIDs satisfies the backend interface.
func (m *Memory) FeedIDs() []backend.FeedID {
	keys := m.feeds.Keys()
	ids := make([]backend.FeedID, 0, len(keys))
	for _, k := range keys {
		var id backend.FeedID
		copy(id[:], k)
		ids = append(ids, id)
	}
	return ids
}

// Sweep applies the retention policy to all feeds and returns the number of
// evicted updates.
//
// Sweep satisfies the backend interface.
func (m *Memory) Sweep() int {
	count := 0
	for _, fi := range m.feeds.Items() {
		fi.Lock()
		count += fi.evict(m.policy)
		fi.Unlock()
	}
	return count
}

// sweeper is called periodically to evict old updates.
func (m *Memory) sweeper() {
	start := time.Now()
	count := m.Sweep()
	log.Debugf("Sweeper: feeds %v evicted %v in %v", m.feeds.Count(),
		count, time.Since(start))
}

// Close stops the sweeper.
//
// Close satisfies the backend interface.
func (m *Memory) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}
	log.Infof("Exiting")
}

// internalNew creates the Memory context but does not launch background
// bits.  This is used by the test packages.
func internalNew(policy Policy) *Memory {
	return &Memory{
		feeds:  cmap.New[*feedIndex](),
		policy: policy,
	}
}

// New creates a new in memory backend.  When schedule is not empty a
// retention sweep is run on that cron schedule.  The caller should issue a
// Close once the backend is no longer needed.
func New(policy Policy, schedule string) (*Memory, error) {
	m := internalNew(policy)
	if schedule == "" {
		return m, nil
	}

	m.cron = cron.New()
	err := m.cron.AddFunc(schedule, m.sweeper)
	if err != nil {
		return nil, err
	}
	m.cron.Start()

	return m, nil
}
