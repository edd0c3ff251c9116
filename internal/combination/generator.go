package combination

// Generator walks m-subsets of [0, n) in lexicographic order.
//
//	gen, _ := NewGenerator(5, 3)
//	for gen.Next() {
//		use(gen.Combination())
//	}
type Generator struct {
	n, m    int
	cur     []int
	started bool
	done    bool
}

// NewGenerator creates a generator after validating the threshold.
func NewGenerator(n, m int) (*Generator, error) {
	if err := ValidateThreshold(n, m); err != nil {
		return nil, err
	}
	return newGenerator(n, m), nil
}

func newGenerator(n, m int) *Generator {
	return &Generator{n: n, m: m, cur: make([]int, m)}
}

// Next advances to the following combination. It returns false once every
// combination has been produced.
func (g *Generator) Next() bool {
	if g.done {
		return false
	}
	if !g.started {
		g.started = true
		for i := range g.cur {
			g.cur[i] = i
		}
		return true
	}

	// Rightmost position that can still be incremented.
	i := g.m - 1
	for i >= 0 && g.cur[i] == g.n-g.m+i {
		i--
	}
	if i < 0 {
		g.done = true
		return false
	}
	g.cur[i]++
	for j := i + 1; j < g.m; j++ {
		g.cur[j] = g.cur[j-1] + 1
	}
	return true
}

// Combination returns a copy of the current combination.
func (g *Generator) Combination() Combination {
	out := make(Combination, len(g.cur))
	copy(out, g.cur)
	return out
}
