package merge

type opKind int

const (
	opContext opKind = iota
	opDelete
	opInsert
)

// editOp is one step of a line edit script. oldIndex addresses the base,
// newIndex addresses the target.
type editOp struct {
	kind     opKind
	oldIndex int
	newIndex int
}

// editScript computes a minimal line edit script from base to target using
// the Myers algorithm.
func editScript(base, target []string) []editOp {
	n, m := len(base), len(target)

	switch {
	case n == 0 && m == 0:
		return nil
	case n == 0:
		return allInserts(m)
	case m == 0:
		return allDeletes(n)
	}

	max := n + m
	offset := max
	v := make([]int, 2*max+1)
	var trace [][]int

forward:
	for d := 0; d <= max; d++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && base[x] == target[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				break forward
			}
		}
	}

	return backtrack(trace, n, m, offset)
}

func allInserts(m int) []editOp {
	ops := make([]editOp, m)
	for i := range m {
		ops[i] = editOp{kind: opInsert, newIndex: i}
	}
	return ops
}

func allDeletes(n int) []editOp {
	ops := make([]editOp, n)
	for i := range n {
		ops[i] = editOp{kind: opDelete, oldIndex: i}
	}
	return ops
}

// backtrack walks the captured V states from (n, m) back to (0, 0),
// emitting the edit script in reverse. trace[d] is the V state before
// depth d was processed.
func backtrack(trace [][]int, n, m, offset int) []editOp {
	var ops []editOp
	x, y := n, m

	for d := len(trace) - 1; d > 0; d-- {
		vPrev := trace[d]
		k := x - y

		var prevK int
		if k == -d || (k != d && vPrev[offset+k-1] < vPrev[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := vPrev[offset+prevK]
		prevY := prevX - prevK

		midX, midY := prevX, prevY+1
		if prevK < k {
			midX, midY = prevX+1, prevY
		}

		for x > midX && y > midY {
			x--
			y--
			ops = append(ops, editOp{kind: opContext, oldIndex: x, newIndex: y})
		}
		x, y = midX, midY

		if prevK < k {
			x--
			ops = append(ops, editOp{kind: opDelete, oldIndex: x})
		} else {
			y--
			ops = append(ops, editOp{kind: opInsert, newIndex: y})
		}
	}

	for x > 0 && y > 0 {
		x--
		y--
		ops = append(ops, editOp{kind: opContext, oldIndex: x, newIndex: y})
	}

	reverseOps(ops)
	return ops
}

func reverseOps(ops []editOp) {
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
}
