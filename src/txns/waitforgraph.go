package txns

import (
	"cmp"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/assert"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

// WaitForEdge says that From is blocked on a lock currently held by To.
type WaitForEdge struct {
	From common.TxnID
	To   common.TxnID
}

// waitForGraph keeps only vertices that have at least one outgoing edge.
// A transaction that is not waiting has no entry of its own.
type waitForGraph struct {
	out map[common.TxnID]mapset.Set[common.TxnID]
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{
		out: map[common.TxnID]mapset.Set[common.TxnID]{},
	}
}

func (g *waitForGraph) addEdge(from, to common.TxnID) {
	assert.Assert(from != to, "self edge for txn %d", from)

	targets, ok := g.out[from]
	if !ok {
		targets = mapset.NewThreadUnsafeSet[common.TxnID]()
		g.out[from] = targets
	}
	targets.Add(to)
}

func (g *waitForGraph) removeEdge(from, to common.TxnID) {
	targets, ok := g.out[from]
	if !ok {
		return
	}

	targets.Remove(to)
	if targets.Cardinality() == 0 {
		delete(g.out, from)
	}
}

// setOutgoing replaces every edge leaving from with edges to targets.
func (g *waitForGraph) setOutgoing(from common.TxnID, targets []common.TxnID) {
	delete(g.out, from)
	for _, to := range targets {
		g.addEdge(from, to)
	}
}

func (g *waitForGraph) removeOutgoing(from common.TxnID) {
	delete(g.out, from)
}

// removeVertex drops v together with every edge pointing at it.
func (g *waitForGraph) removeVertex(v common.TxnID) {
	delete(g.out, v)
	for from := range g.out {
		g.removeEdge(from, v)
	}
}

func (g *waitForGraph) hasEdge(from, to common.TxnID) bool {
	targets, ok := g.out[from]
	return ok && targets.Contains(to)
}

func (g *waitForGraph) isEmpty() bool {
	return len(g.out) == 0
}

// findCycle runs a depth-first search over the whole graph, marking
// vertices on the current path. Reaching a vertex that is still on the path
// closes a cycle, which is returned in path order. Nil means acyclic.
func (g *waitForGraph) findCycle() []common.TxnID {
	const (
		unvisited = iota
		onStack
		done
	)

	state := make(map[common.TxnID]int, len(g.out))
	path := make([]common.TxnID, 0, len(g.out))

	var visit func(v common.TxnID) []common.TxnID
	visit = func(v common.TxnID) []common.TxnID {
		state[v] = onStack
		path = append(path, v)

		if targets, ok := g.out[v]; ok {
			for _, u := range targets.ToSlice() {
				switch state[u] {
				case onStack:
					start := slices.Index(path, u)
					return slices.Clone(path[start:])
				case unvisited:
					if cycle := visit(u); cycle != nil {
						return cycle
					}
				}
			}
		}

		path = path[:len(path)-1]
		state[v] = done
		return nil
	}

	for v := range g.out {
		if state[v] != unvisited {
			continue
		}
		if cycle := visit(v); cycle != nil {
			return cycle
		}
	}

	return nil
}

func (g *waitForGraph) edges() []WaitForEdge {
	res := []WaitForEdge{}
	for from, targets := range g.out {
		targets.Each(func(to common.TxnID) bool {
			res = append(res, WaitForEdge{From: from, To: to})
			return false
		})
	}

	slices.SortFunc(res, func(a, b WaitForEdge) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})

	return res
}
