package upload

import (
	"sort"

	"github.com/lgulliver/bitsd/pkg/types"
)

// rangeSet tracks which byte ranges of an upload have been received. Spans
// are half-open, sorted by start offset, and kept maximally merged: no two
// spans overlap or touch. Fragments may arrive in any order and may
// retransmit ranges already held.
type rangeSet struct {
	spans []types.ByteRange
}

// add merges a range into the set.
func (rs *rangeSet) add(r types.ByteRange) {
	if r.Len() <= 0 {
		return
	}

	spans := rs.spans
	i := sort.Search(len(spans), func(i int) bool { return spans[i].Start > r.Start })
	if i > 0 && spans[i-1].End >= r.Start {
		i--
	}

	// Absorb every span that overlaps or touches r.
	j := i
	for j < len(spans) && spans[j].Start <= r.End {
		if spans[j].Start < r.Start {
			r.Start = spans[j].Start
		}
		if spans[j].End > r.End {
			r.End = spans[j].End
		}
		j++
	}

	merged := append(spans[:i:i], r)
	rs.spans = append(merged, spans[j:]...)
}

// covers reports whether the set is exactly the single span [0, total).
func (rs *rangeSet) covers(total int64) bool {
	return len(rs.spans) == 1 && rs.spans[0].Start == 0 && rs.spans[0].End == total
}

// receivedPrefix returns the length of the contiguous run held from offset
// zero, which is what the fragment ack reports back to the client.
func (rs *rangeSet) receivedPrefix() int64 {
	if len(rs.spans) == 0 || rs.spans[0].Start != 0 {
		return 0
	}
	return rs.spans[0].End
}

// receivedTotal returns the number of distinct bytes held across all spans.
func (rs *rangeSet) receivedTotal() int64 {
	var n int64
	for _, span := range rs.spans {
		n += span.Len()
	}
	return n
}
