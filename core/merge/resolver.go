// Package merge implements line-based three-way auto-merge of two
// diverging text versions against a common base. Edits are combined only
// when their changed line ranges are disjoint; any overlap declines the
// merge and forces manual resolution. Binary content never auto-merges.
package merge

import (
	"bytes"
	"strings"
)

// binarySniffLen is how many leading bytes are inspected for a NUL byte.
// Detection is content-based, never inferred from the file extension.
const binarySniffLen = 8000

// Result reports whether two versions could be combined automatically.
type Result struct {
	CanAutoMerge  bool
	MergedContent []byte
}

// Resolver performs three-way merges. Stateless and safe for concurrent use.
type Resolver struct{}

// NewResolver creates a merge resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// AttemptMerge combines theirs and mine against their common base. It
// returns CanAutoMerge=false with no content when any input is binary or
// when the two edit sets touch overlapping line ranges of the base.
func (r *Resolver) AttemptMerge(base, theirs, mine []byte) Result {
	if IsBinary(base) || IsBinary(theirs) || IsBinary(mine) {
		return Result{}
	}

	if bytes.Equal(theirs, mine) {
		return Result{CanAutoMerge: true, MergedContent: cloneBytes(theirs)}
	}
	if bytes.Equal(base, theirs) {
		return Result{CanAutoMerge: true, MergedContent: cloneBytes(mine)}
	}
	if bytes.Equal(base, mine) {
		return Result{CanAutoMerge: true, MergedContent: cloneBytes(theirs)}
	}

	baseLines := splitLines(base)
	theirSpans := changedSpans(baseLines, splitLines(theirs))
	mineSpans := changedSpans(baseLines, splitLines(mine))

	merged, ok := combineSpans(baseLines, theirSpans, mineSpans)
	if !ok {
		return Result{}
	}

	return Result{
		CanAutoMerge:  true,
		MergedContent: []byte(strings.Join(merged, "\n")),
	}
}

// IsBinary reports whether content looks like binary data: a NUL byte
// within the leading sniff window.
func IsBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	return strings.Split(string(data), "\n")
}

// span is one edited region: base lines [baseStart, baseEnd) are replaced
// by lines. A pure insertion has baseStart == baseEnd.
type span struct {
	baseStart int
	baseEnd   int
	lines     []string
}

func (s span) equal(other span) bool {
	if s.baseStart != other.baseStart || s.baseEnd != other.baseEnd {
		return false
	}
	if len(s.lines) != len(other.lines) {
		return false
	}
	for i := range s.lines {
		if s.lines[i] != other.lines[i] {
			return false
		}
	}
	return true
}

// conflicts reports whether two spans touch the same region of the base.
// Two distinct edits anchored at the same point also conflict, since
// their relative order is ambiguous.
func (s span) conflicts(other span) bool {
	if s.baseStart == other.baseStart {
		return true
	}
	return s.baseStart < other.baseEnd && other.baseStart < s.baseEnd
}

// changedSpans diffs target against base and groups the edit script into
// maximal runs of changed lines.
func changedSpans(base, target []string) []span {
	ops := editScript(base, target)

	var spans []span
	var current *span
	basePos := 0

	for _, op := range ops {
		switch op.kind {
		case opContext:
			current = nil
			basePos++
		case opDelete:
			if current == nil {
				spans = append(spans, span{baseStart: basePos, baseEnd: basePos})
				current = &spans[len(spans)-1]
			}
			basePos++
			current.baseEnd = basePos
		case opInsert:
			if current == nil {
				spans = append(spans, span{baseStart: basePos, baseEnd: basePos})
				current = &spans[len(spans)-1]
			}
			current.lines = append(current.lines, target[op.newIndex])
		}
	}

	return spans
}

// combineSpans applies both edit sets to the base. Identical spans from
// both sides are applied once; any other overlap aborts the merge.
func combineSpans(base []string, theirs, mine []span) ([]string, bool) {
	out := make([]string, 0, len(base))
	pos := 0
	i, j := 0, 0

	apply := func(s span) {
		out = append(out, base[pos:s.baseStart]...)
		out = append(out, s.lines...)
		pos = s.baseEnd
	}

	for i < len(theirs) || j < len(mine) {
		switch {
		case i < len(theirs) && j < len(mine) && theirs[i].conflicts(mine[j]):
			if !theirs[i].equal(mine[j]) {
				return nil, false
			}
			apply(theirs[i])
			i++
			j++
		case j >= len(mine) || (i < len(theirs) && theirs[i].baseStart < mine[j].baseStart):
			apply(theirs[i])
			i++
		default:
			apply(mine[j])
			j++
		}
	}

	out = append(out, base[pos:]...)
	return out, true
}
