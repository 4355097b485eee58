package replica

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/JonyBepary/go-eg-walker/causalgraph"
	"github.com/JonyBepary/go-eg-walker/egwalker"

	"github.com/kylephillipsau/outline-workspace/protocol"
)

// Wire encoding for state vectors and updates. The CRDT engine deals in
// version summaries and op logs but carries no byte format of its own,
// so the replica owns one, built out of the protocol varuint helpers.
//
// State vector:
//
//	varuint agentCount
//	  per agent (sorted): varbytes agent, varuint rangeCount,
//	    per range: varuint start, varuint length
//
// Update:
//
//	varuint opCount
//	  per op: varbytes agent, varuint seq,
//	    varuint parentCount, per parent: varbytes agent, varuint seq,
//	    u8 opKind, varuint pos, insert only: varbytes rune

const (
	wireOpInsert = 0
	wireOpDelete = 1
)

// keeps a hostile varuint count from preallocating the moon
const maxPrealloc = 4096

type wireOp struct {
	id      causalgraph.RawVersion
	parents []causalgraph.RawVersion
	op      egwalker.ListOp[rune]
}

func appendVarBytes(buf, b []byte) []byte {
	buf = protocol.AppendVarUint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readVarUint(data []byte, off int) (uint64, int, error) {
	n, size, err := protocol.DecodeVarUint(data[off:])
	if err != nil {
		return 0, off, err
	}
	return n, off + size, nil
}

func readVarBytes(data []byte, off int) ([]byte, int, error) {
	n, off, err := readVarUint(data, off)
	if err != nil {
		return nil, off, err
	}
	if uint64(len(data)-off) < n {
		return nil, off, fmt.Errorf("varbytes of length %d past input end", n)
	}
	return data[off : off+int(n)], off + int(n), nil
}

func encodeSummary(sum causalgraph.VersionSummary) []byte {
	agents := make([]string, 0, len(sum))
	for agent := range sum {
		agents = append(agents, string(agent))
	}
	sort.Strings(agents)

	buf := protocol.AppendVarUint(nil, uint64(len(agents)))
	for _, agent := range agents {
		buf = appendVarBytes(buf, []byte(agent))
		ranges := coalesceRanges(sum[causalgraph.AgentID(agent)])
		buf = protocol.AppendVarUint(buf, uint64(len(ranges)))
		for _, rg := range ranges {
			buf = protocol.AppendVarUint(buf, uint64(rg[0]))
			buf = protocol.AppendVarUint(buf, uint64(rg[1]-rg[0]))
		}
	}
	return buf
}

// The engine reports one [seq, seq+1) range per op; merge adjacent runs
// so the encoding stays compact and canonical.
func coalesceRanges(in [][2]int) [][2]int {
	if len(in) == 0 {
		return nil
	}
	sorted := make([][2]int, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	out := [][2]int{sorted[0]}
	for _, rg := range sorted[1:] {
		last := &out[len(out)-1]
		if rg[0] <= last[1] {
			if rg[1] > last[1] {
				last[1] = rg[1]
			}
			continue
		}
		out = append(out, rg)
	}
	return out
}

func decodeSummary(data []byte) (causalgraph.VersionSummary, error) {
	sum := causalgraph.VersionSummary{}
	agentCount, off, err := readVarUint(data, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < agentCount; i++ {
		var agent []byte
		agent, off, err = readVarBytes(data, off)
		if err != nil {
			return nil, err
		}
		var rangeCount uint64
		rangeCount, off, err = readVarUint(data, off)
		if err != nil {
			return nil, err
		}
		ranges := make([][2]int, 0, min(rangeCount, maxPrealloc))
		for j := uint64(0); j < rangeCount; j++ {
			var start, length uint64
			start, off, err = readVarUint(data, off)
			if err != nil {
				return nil, err
			}
			length, off, err = readVarUint(data, off)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, [2]int{int(start), int(start + length)})
		}
		sum[causalgraph.AgentID(agent)] = ranges
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after state vector", len(data)-off)
	}
	return sum, nil
}

func encodeOps(ops []wireOp) []byte {
	buf := protocol.AppendVarUint(nil, uint64(len(ops)))
	for _, wop := range ops {
		buf = appendVarBytes(buf, []byte(wop.id.Agent))
		buf = protocol.AppendVarUint(buf, uint64(wop.id.Seq))
		buf = protocol.AppendVarUint(buf, uint64(len(wop.parents)))
		for _, p := range wop.parents {
			buf = appendVarBytes(buf, []byte(p.Agent))
			buf = protocol.AppendVarUint(buf, uint64(p.Seq))
		}
		switch wop.op.Type {
		case egwalker.ListOpTypeInsert:
			buf = append(buf, wireOpInsert)
			buf = protocol.AppendVarUint(buf, uint64(wop.op.Pos))
			buf = appendVarBytes(buf, []byte(string(wop.op.Content)))
		case egwalker.ListOpTypeDelete:
			buf = append(buf, wireOpDelete)
			buf = protocol.AppendVarUint(buf, uint64(wop.op.Pos))
		}
	}
	return buf
}

func decodeOps(data []byte) ([]wireOp, error) {
	opCount, off, err := readVarUint(data, 0)
	if err != nil {
		return nil, err
	}
	ops := make([]wireOp, 0, min(opCount, maxPrealloc))
	for i := uint64(0); i < opCount; i++ {
		var wop wireOp

		var agent []byte
		agent, off, err = readVarBytes(data, off)
		if err != nil {
			return nil, err
		}
		var seq uint64
		seq, off, err = readVarUint(data, off)
		if err != nil {
			return nil, err
		}
		wop.id = causalgraph.RawVersion{Agent: causalgraph.AgentID(agent), Seq: int(seq)}

		var parentCount uint64
		parentCount, off, err = readVarUint(data, off)
		if err != nil {
			return nil, err
		}
		wop.parents = make([]causalgraph.RawVersion, 0, min(parentCount, maxPrealloc))
		for j := uint64(0); j < parentCount; j++ {
			var pagent []byte
			pagent, off, err = readVarBytes(data, off)
			if err != nil {
				return nil, err
			}
			var pseq uint64
			pseq, off, err = readVarUint(data, off)
			if err != nil {
				return nil, err
			}
			wop.parents = append(wop.parents, causalgraph.RawVersion{
				Agent: causalgraph.AgentID(pagent), Seq: int(pseq),
			})
		}

		if off >= len(data) {
			return nil, fmt.Errorf("op %d cut off before kind byte", i)
		}
		kind := data[off]
		off++

		var pos uint64
		pos, off, err = readVarUint(data, off)
		if err != nil {
			return nil, err
		}

		switch kind {
		case wireOpInsert:
			var content []byte
			content, off, err = readVarBytes(data, off)
			if err != nil {
				return nil, err
			}
			r, size := utf8.DecodeRune(content)
			if size != len(content) || (r == utf8.RuneError && size == 1) {
				return nil, fmt.Errorf("op %d carries invalid rune content", i)
			}
			wop.op = egwalker.ListOp[rune]{Type: egwalker.ListOpTypeInsert, Pos: int(pos), Content: r}
		case wireOpDelete:
			wop.op = egwalker.ListOp[rune]{Type: egwalker.ListOpTypeDelete, Pos: int(pos)}
		default:
			return nil, fmt.Errorf("op %d has unknown kind %d", i, kind)
		}

		ops = append(ops, wop)
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after ops", len(data)-off)
	}
	return ops, nil
}
