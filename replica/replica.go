// Package replica wraps the eg-walker CRDT engine into the document
// replica the collaboration session drives: a single text field whose
// mutations are transactions, exchanged as byte-encoded updates.
package replica

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/JonyBepary/go-eg-walker/causalgraph"
	"github.com/JonyBepary/go-eg-walker/egwalker"
	"github.com/google/uuid"
)

var (
	ErrDecodeFailed = errors.New("workspace: bad update encoding")
	ErrApplyFailed  = errors.New("workspace: update rejected")
	ErrRange        = errors.New("workspace: position out of range")
)

// Replica holds the CRDT document behind the "content" text field.
// All mutations run under the write lock; Text is safe concurrently
// with remote applies. Local-change sinks fire once per transaction,
// outside the lock, with the encoded update for that transaction.
type Replica struct {
	mu    sync.RWMutex
	agent string
	w     *egwalker.Walker[rune]
	text  string

	obsMu sync.Mutex
	sinks []func(update []byte)
}

func New() *Replica {
	return &Replica{
		agent: uuid.NewString(),
		w:     egwalker.NewWalker[rune](),
	}
}

// Agent is the replica's identity in update ids. Unique per replica.
func (r *Replica) Agent() string { return r.agent }

// Text returns the current materialized value of the content field.
func (r *Replica) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.text
}

// Len is the content length in runes.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return utf8.RuneCountInString(r.text)
}

// OnLocalChange registers a sink invoked once per local transaction
// with that transaction's encoded update. Sinks must do nothing beyond
// enqueueing the bytes.
func (r *Replica) OnLocalChange(sink func(update []byte)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// SetText replaces the whole content in one transaction: remove
// [0, len) then insert s at 0. Meant for bootstrap before sync begins.
func (r *Replica) SetText(s string) error {
	return r.transact(func() error {
		for n := utf8.RuneCountInString(r.text); n > 0; n-- {
			if err := r.integrateLocalLocked(egwalker.ListOp[rune]{
				Type: egwalker.ListOpTypeDelete, Pos: 0,
			}); err != nil {
				return err
			}
		}
		idx := r.itemIndexLocked(0)
		for _, c := range s {
			if err := r.integrateLocalLocked(egwalker.ListOp[rune]{
				Type: egwalker.ListOpTypeInsert, Pos: idx, Content: c,
			}); err != nil {
				return err
			}
			idx++
		}
		return nil
	})
}

// InsertAt inserts s at rune position pos as one transaction.
func (r *Replica) InsertAt(pos int, s string) error {
	return r.transact(func() error {
		if pos < 0 || pos > utf8.RuneCountInString(r.text) {
			return ErrRange
		}
		idx := r.itemIndexLocked(pos)
		for _, c := range s {
			if err := r.integrateLocalLocked(egwalker.ListOp[rune]{
				Type: egwalker.ListOpTypeInsert, Pos: idx, Content: c,
			}); err != nil {
				return err
			}
			idx++
		}
		return nil
	})
}

// DeleteRange removes n runes starting at rune position pos as one
// transaction.
func (r *Replica) DeleteRange(pos, n int) error {
	return r.transact(func() error {
		if pos < 0 || n < 0 || pos+n > utf8.RuneCountInString(r.text) {
			return ErrRange
		}
		for i := 0; i < n; i++ {
			if err := r.integrateLocalLocked(egwalker.ListOp[rune]{
				Type: egwalker.ListOpTypeDelete, Pos: pos,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// StateVector encodes which updates this replica has observed.
func (r *Replica) StateVector() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cg := r.w.GetCG()
	sum, err := causalgraph.SummarizeVersion(cg, cg.Heads)
	if err != nil || sum == nil {
		sum = causalgraph.VersionSummary{}
	}
	return encodeSummary(sum)
}

// DiffSince encodes every op a replica at peerStateVector is missing,
// in causal order.
func (r *Replica) DiffSince(peerStateVector []byte) ([]byte, error) {
	sum, err := decodeSummary(peerStateVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	cg := r.w.GetCG()
	ranges, err := causalgraph.Diff(cg, cg.Heads, sum)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	var lvs []causalgraph.LV
	for _, rg := range ranges {
		for v := rg.Start; v < rg.End; v++ {
			lvs = append(lvs, v)
		}
	}
	sort.Slice(lvs, func(i, j int) bool { return lvs[i] < lvs[j] })

	ops, err := r.collectOpsLocked(lvs)
	if err != nil {
		return nil, err
	}
	return encodeOps(ops), nil
}

// ApplyRemote merges an encoded update. Ops already observed are
// skipped, so applying the same update twice is a no-op. The mutated
// bit reports whether the materialized content changed.
func (r *Replica) ApplyRemote(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, nil
	}
	ops, err := decodeOps(update)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cg := r.w.GetCG()
	before := r.text
	applied := false
	for _, wop := range ops {
		next := causalgraph.NextSeqForAgent(cg, wop.id.Agent)
		switch {
		case wop.id.Seq < next:
			// already observed
			continue
		case wop.id.Seq > next:
			return false, fmt.Errorf("%w: sequence gap for agent %s (have %d, got %d)",
				ErrApplyFailed, wop.id.Agent, next, wop.id.Seq)
		}
		for _, p := range wop.parents {
			if _, err := causalgraph.RawToLV(cg, p.Agent, p.Seq); err != nil {
				return false, fmt.Errorf("%w: unknown parent (%s, %d)",
					ErrApplyFailed, p.Agent, p.Seq)
			}
		}
		// nil parents take the engine's context-advancing path, which
		// is the only one that applies the op to the live document;
		// causal delivery order stands in for the wire parents
		if _, err := r.w.Integrate(wop.op, string(wop.id.Agent), nil); err != nil {
			return false, fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
		applied = true
	}
	if !applied {
		return false, nil
	}

	r.text = r.materializeLocked()
	return r.text != before, nil
}

// transact runs mutate under the write lock, refreshes the cached
// snapshot, and hands the transaction's encoded update to the sinks.
func (r *Replica) transact(mutate func() error) error {
	r.mu.Lock()
	cg := r.w.GetCG()
	start := causalgraph.NextLV(cg)

	if err := mutate(); err != nil {
		r.mu.Unlock()
		return err
	}

	end := causalgraph.NextLV(cg)
	var update []byte
	if end > start {
		r.text = r.materializeLocked()

		lvs := make([]causalgraph.LV, 0, end-start)
		for v := start; v < end; v++ {
			lvs = append(lvs, v)
		}
		ops, err := r.collectOpsLocked(lvs)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		update = encodeOps(ops)
	}
	r.mu.Unlock()

	if update != nil {
		r.notify(update)
	}
	return nil
}

// integrateLocalLocked feeds one op through the engine's local path:
// nil parents make Integrate advance its edit context and apply the op,
// so the live item list always reflects the log.
func (r *Replica) integrateLocalLocked(op egwalker.ListOp[rune]) error {
	_, err := r.w.Integrate(op, r.agent, nil)
	return err
}

func (r *Replica) materializeLocked() string {
	return string(r.w.GetActiveItems())
}

// itemIndexLocked maps a visible rune position to the index in the
// engine's item list, which insert ops address and which still holds
// tombstones for deleted runes.
func (r *Replica) itemIndexLocked(pos int) int {
	if pos == 0 {
		return 0
	}
	seen := 0
	items := r.w.Ctx.Items
	for i := range items {
		if items[i].CurState == egwalker.Inserted {
			seen++
			if seen == pos {
				return i + 1
			}
		}
	}
	return len(items)
}

func (r *Replica) collectOpsLocked(lvs []causalgraph.LV) ([]wireOp, error) {
	cg := r.w.GetCG()
	allOps := r.w.GetOps()

	out := make([]wireOp, 0, len(lvs))
	for _, lv := range lvs {
		if int(lv) >= len(allOps) {
			return nil, fmt.Errorf("version %d has no op", lv)
		}
		raw, ok := causalgraph.LVToRaw(cg, lv)
		if !ok {
			return nil, fmt.Errorf("version %d missing from graph", lv)
		}
		_, _, parentLVs, ok := causalgraph.LVToRawWithParents(cg, lv)
		if !ok {
			return nil, fmt.Errorf("version %d missing parents", lv)
		}
		parents, err := causalgraph.LVToRawList(cg, parentLVs)
		if err != nil {
			return nil, err
		}
		if parents == nil {
			parents = []causalgraph.RawVersion{}
		}
		out = append(out, wireOp{id: raw, parents: parents, op: allOps[lv]})
	}
	return out, nil
}

func (r *Replica) notify(update []byte) {
	r.obsMu.Lock()
	sinks := make([]func([]byte), len(r.sinks))
	copy(sinks, r.sinks)
	r.obsMu.Unlock()

	for _, sink := range sinks {
		sink(update)
	}
}
