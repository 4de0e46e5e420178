// Package runqueue implements the run queue: enqueue, long-poll claim,
// status transitions, and stop signals, across horizontally-scaled
// runners.
package runqueue

import (
	"container/heap"
	"sync"
	"time"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// pendingEntry is one queued run awaiting claim.
type pendingEntry struct {
	run      *v1.Run
	queuedAt time.Time
	index    int
}

// pendingHeap orders entries oldest-first (FIFO) — there is no priority
// field in this system's runs, only arrival order.
type pendingHeap []*pendingEntry

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].queuedAt.Before(h[j].queuedAt) }
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *pendingHeap) Push(x interface{}) {
	e := x.(*pendingEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// pendingSet holds the in-memory view of pending runs, mirrored from the
// persistent store so claims don't need a database round trip on the
// matching scan. The store remains authoritative for the claim itself
// (ClaimRun is a conditional UPDATE), so a stale in-memory view only
// costs a wasted scan, never a double-claim.
type pendingSet struct {
	mu     sync.Mutex
	heap   pendingHeap
	byID   map[string]*pendingEntry
	stops  map[string][]v1.StopRunCommand // runner_id -> queued stop commands
}

func newPendingSet() *pendingSet {
	s := &pendingSet{byID: make(map[string]*pendingEntry), stops: make(map[string][]v1.StopRunCommand)}
	heap.Init(&s.heap)
	return s
}

func (p *pendingSet) add(run *v1.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[run.ID]; exists {
		return
	}
	e := &pendingEntry{run: run, queuedAt: run.CreatedAt}
	heap.Push(&p.heap, e)
	p.byID[run.ID] = e
}

func (p *pendingSet) remove(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[runID]
	if !ok {
		return false
	}
	heap.Remove(&p.heap, e.index)
	delete(p.byID, runID)
	return true
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// claimFirstMatch scans the pending set oldest-first for a run matching
// filter, removes it from the in-memory view, and returns it. It does
// not itself mark the run claimed in the store — callers must do that
// atomically and, on conflict (already claimed by a racing poller),
// leave the run out of the in-memory view (another poller's scan already
// removed it).
func (p *pendingSet) claimFirstMatch(runnerID string, filter v1.PollFilter) *v1.Run {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := make([]*pendingEntry, len(p.heap))
	copy(ordered, p.heap)
	sortByQueuedAt(ordered)

	for _, e := range ordered {
		if matches(e.run, runnerID, filter) {
			heap.Remove(&p.heap, e.index)
			delete(p.byID, e.run.ID)
			return e.run
		}
	}
	return nil
}

func sortByQueuedAt(entries []*pendingEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].queuedAt.Before(entries[j-1].queuedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func matches(run *v1.Run, runnerID string, filter v1.PollFilter) bool {
	if run.ExecutorType != "" && run.ExecutorType != filter.ExecutorType {
		return false
	}
	if run.ExecutorProfile != "" && filter.ExecutorProfile != "" && run.ExecutorProfile != filter.ExecutorProfile {
		return false
	}
	if run.AgentBlueprint != nil && run.AgentBlueprint.Source == v1.BlueprintSourceRunner {
		// Runner-owned blueprints are matched only against their owner.
		if run.AgentBlueprint.OwnerRunnerID != runnerID {
			return false
		}
	}
	for _, tag := range run.Tags {
		if !containsTag(filter.Tags, tag) {
			return false
		}
	}
	return true
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (p *pendingSet) queueStop(ownerRunnerID string, cmd v1.StopRunCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops[ownerRunnerID] = append(p.stops[ownerRunnerID], cmd)
}

func (p *pendingSet) drainStops(runnerID string) []v1.StopRunCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmds := p.stops[runnerID]
	delete(p.stops, runnerID)
	return cmds
}

func (p *pendingSet) snapshot() []*v1.Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*v1.Run, 0, len(p.heap))
	for _, e := range p.heap {
		out = append(out, e.run)
	}
	return out
}
