package stream

import (
	"sort"
	"strings"
)

// Transcript accumulates recognition results. Finalized segments never
// change; interim segments are replaced until they finalize. Both render in
// segment order, whatever order the results arrived in.
type Transcript struct {
	finals    map[int]string
	interim   map[int]string
	finalized map[int]bool
	base      int
	next      int
}

func (t *Transcript) init() {
	if t.interim == nil {
		t.finals = make(map[int]string)
		t.interim = make(map[int]string)
		t.finalized = make(map[int]bool)
	}
}

// Apply folds r into the transcript. A result for an already finalized
// segment is ignored.
func (t *Transcript) Apply(r Result) {
	t.init()

	key := t.base + r.Index
	if key >= t.next {
		t.next = key + 1
	}
	if t.finalized[key] {
		return
	}

	if r.IsFinal {
		delete(t.interim, key)
		t.finalized[key] = true
		if text := strings.TrimSpace(r.Text); text != "" {
			t.finals[key] = text
		}
		return
	}
	t.interim[key] = strings.TrimSpace(r.Text)
}

// Rebase starts a new result numbering after a recognizer restart. Pending
// interim text is dropped since the new session will not finalize it.
func (t *Transcript) Rebase() {
	t.init()
	t.base = t.next
	clear(t.interim)
}

func (t *Transcript) Final() string {
	return joinSegments(t.finals)
}

// Interim is the concatenation of the segments not yet finalized.
func (t *Transcript) Interim() string {
	return joinSegments(t.interim)
}

// Live is everything heard so far, final and interim.
func (t *Transcript) Live() string {
	return joinNonEmpty(t.Final(), t.Interim())
}

func (t *Transcript) Reset() {
	*t = Transcript{}
}

func joinSegments(segments map[int]string) string {
	keys := make([]int, 0, len(segments))
	for k := range segments {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if segments[k] != "" {
			parts = append(parts, segments[k])
		}
	}
	return strings.Join(parts, " ")
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
