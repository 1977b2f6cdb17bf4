package txns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

func TestWaitForGraphAcyclic(t *testing.T) {
	g := newWaitForGraph()
	g.addEdge(1, 2)
	g.addEdge(2, 3)
	g.addEdge(1, 3)
	g.addEdge(4, 3)

	assert.Nil(t, g.findCycle())
	assert.Equal(t, []WaitForEdge{
		{From: 1, To: 2},
		{From: 1, To: 3},
		{From: 2, To: 3},
		{From: 4, To: 3},
	}, g.edges())
}

func TestWaitForGraphFindsCycle(t *testing.T) {
	g := newWaitForGraph()
	g.addEdge(1, 2)
	g.addEdge(2, 3)
	g.addEdge(3, 4)
	g.addEdge(5, 1)

	require.Nil(t, g.findCycle())

	g.addEdge(4, 2)
	cycle := g.findCycle()
	require.NotNil(t, cycle)
	assert.ElementsMatch(t, []common.TxnID{2, 3, 4}, cycle)
}

func TestWaitForGraphTwoNodeCycle(t *testing.T) {
	g := newWaitForGraph()
	g.addEdge(10, 20)
	g.addEdge(20, 10)

	assert.ElementsMatch(t, []common.TxnID{10, 20}, g.findCycle())

	g.removeEdge(20, 10)
	assert.Nil(t, g.findCycle())
	assert.True(t, g.hasEdge(10, 20))
	assert.False(t, g.hasEdge(20, 10))
}

func TestWaitForGraphSetOutgoingReplacesEdges(t *testing.T) {
	g := newWaitForGraph()
	g.setOutgoing(1, []common.TxnID{2, 3})
	g.setOutgoing(1, []common.TxnID{4})

	assert.Equal(t, []WaitForEdge{{From: 1, To: 4}}, g.edges())

	g.setOutgoing(1, nil)
	assert.True(t, g.isEmpty())
}

func TestWaitForGraphRemoveVertex(t *testing.T) {
	g := newWaitForGraph()
	g.addEdge(1, 2)
	g.addEdge(3, 2)
	g.addEdge(3, 4)
	g.addEdge(2, 5)

	g.removeVertex(2)

	assert.Equal(t, []WaitForEdge{{From: 3, To: 4}}, g.edges())

	g.removeVertex(3)
	assert.True(t, g.isEmpty())
}

func TestWaitForGraphSelfEdgePanics(t *testing.T) {
	g := newWaitForGraph()
	assert.Panics(t, func() { g.addEdge(7, 7) })
}

func TestWaitForGraphLongChainNoCycle(t *testing.T) {
	g := newWaitForGraph()
	for i := common.TxnID(1); i < 500; i++ {
		g.addEdge(i, i+1)
	}
	assert.Nil(t, g.findCycle())

	g.addEdge(500, 1)
	assert.Len(t, g.findCycle(), 500)
}
