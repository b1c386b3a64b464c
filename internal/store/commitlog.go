package store

import "sync"

// commitNode is one link in the commit log: an appended change-set plus
// a pointer to whatever was appended after it. The log is singly linked
// and append-only; a node is eligible for reclamation once every
// subscribed view's cursor has advanced past it (see CommitLog.gcLocked).
type commitNode struct {
	seq     uint64
	changes *ChangeSet
	next    *commitNode
}

// CommitLog is the sole cross-view synchronization object (spec.md §5):
// one mutex guards the whole structure. Each View holds a *commitNode
// cursor marking how far it has incorporated; Append walks nothing by
// itself -- it is the views that walk forward from their own cursor, so
// Append is O(1).
type CommitLog struct {
	mu      sync.Mutex
	head    *commitNode // most recently appended node, nil if log is empty
	oldest  *commitNode // oldest node still referenced by a subscriber
	nextSeq uint64
	cursors map[*View]struct{} // subscribed views, for gc
}

func NewCommitLog() *CommitLog {
	return &CommitLog{cursors: make(map[*View]struct{})}
}

// subscribe registers a view so the log can reclaim nodes once the view
// (and every other subscriber) has moved past them.
func (cl *CommitLog) subscribe(v *View) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.cursors[v] = struct{}{}
}

func (cl *CommitLog) unsubscribe(v *View) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.cursors, v)
}

// append adds cs as the new head. Caller must hold cl.mu.
func (cl *CommitLog) append(cs *ChangeSet) *commitNode {
	cl.nextSeq++
	n := &commitNode{seq: cl.nextSeq, changes: cs}
	if cl.head != nil {
		cl.head.next = n
	} else {
		cl.oldest = n
	}
	cl.head = n
	return n
}

// nodesAfter returns, in order, every node strictly after cursor up to
// and including the current head. cursor==nil means "from the start of
// the log". Caller must hold cl.mu for the duration of use since head
// chains are walked live; we copy into a slice to keep the critical
// section short when processing many nodes.
func (cl *CommitLog) nodesAfter(cursor *commitNode) []*commitNode {
	var start *commitNode
	if cursor == nil {
		start = cl.firstNode()
	} else {
		start = cursor.next
	}
	var out []*commitNode
	for n := start; n != nil; n = n.next {
		out = append(out, n)
	}
	return out
}

// firstNode walks from nil conceptually; since we only keep head, we
// need the log's earliest node reachable. We keep an explicit pointer to
// the oldest still-referenced node via gcLocked(), stored here.
func (cl *CommitLog) firstNode() *commitNode {
	return cl.oldest
}

// gcLocked drops any prefix of the log that no subscribed view's cursor still
// points before. Called after every commit; O(subscribers).
func (cl *CommitLog) gcLocked() {
	if len(cl.cursors) == 0 {
		return
	}
	var minSeq uint64 = ^uint64(0)
	any := false
	for v := range cl.cursors {
		seq := uint64(0)
		if v.cursor != nil {
			seq = v.cursor.seq
		}
		if !any || seq < minSeq {
			minSeq = seq
			any = true
		}
	}
	// advance cl.oldest to the first node with seq > minSeq
	for cl.oldest != nil && cl.oldest.seq <= minSeq {
		cl.oldest = cl.oldest.next
	}
}
