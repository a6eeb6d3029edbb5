package sockcore

import (
	"sync"

	"sockproxy.dev/core/kernel"
)

type pendingEntry struct {
	req  *Request
	want kernel.Signals
}

// RequestQueue is one of the two keyed multimaps of spec §3/§4.2: net-wait
// and client-wait. Both are keyed by socket fd. Push records what signal
// the caller is waiting for; Drain pops every entry whose want overlaps
// the observed signals and reports the remaining union so the caller
// knows whether to keep the fd armed, narrow the arm, or remove it —
// this union IS the watching_signals invariant (P1): what's registered in
// the wait-set always equals the union of outstanding wants.
type RequestQueue struct {
	mu    sync.Mutex
	byKey map[int][]*pendingEntry
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{byKey: make(map[int][]*pendingEntry)}
}

// Push enqueues req under key, wanting want. Returns the new union of
// wants outstanding for key so the caller can (re)arm the wait-set.
func (q *RequestQueue) Push(key int, req *Request, want kernel.Signals) kernel.Signals {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byKey[key] = append(q.byKey[key], &pendingEntry{req: req, want: want})
	return q.union(key)
}

func (q *RequestQueue) union(key int) kernel.Signals {
	var u kernel.Signals
	for _, e := range q.byKey[key] {
		u |= e.want
	}
	return u
}

// Union reports the current outstanding want for key without mutating.
func (q *RequestQueue) Union(key int) kernel.Signals {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.union(key)
}

// Drain removes every entry for key whose want overlaps observed, in FIFO
// order, and returns them alongside the union of whatever is left (so the
// caller can re-arm to exactly that, or remove the registration if zero).
func (q *RequestQueue) Drain(key int, observed kernel.Signals) (ready []*Request, remaining kernel.Signals) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.byKey[key]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.want&observed != 0 {
			ready = append(ready, e.req)
		} else {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(q.byKey, key)
	} else {
		q.byKey[key] = kept
	}
	return ready, q.union(key)
}

// DiscardAll removes and returns every entry queued for key, regardless of
// want — used by CLOSE to empty both queues (P4) before tearing down the
// IOState.
func (q *RequestQueue) DiscardAll(key int) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.byKey[key]
	delete(q.byKey, key)
	out := make([]*Request, len(entries))
	for i, e := range entries {
		out[i] = e.req
	}
	return out
}

func (q *RequestQueue) Empty(key int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey[key]) == 0
}
