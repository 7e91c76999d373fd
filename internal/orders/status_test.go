package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainIsConnected(t *testing.T) {
	for i := 0; i < len(chain)-1; i++ {
		assert.True(t, CanTransition(chain[i], chain[i+1]),
			"%s -> %s should be allowed", chain[i], chain[i+1])
	}
}

func TestNoSkippingOnChain(t *testing.T) {
	for i := 0; i < len(chain); i++ {
		for j := i + 2; j < len(chain); j++ {
			assert.False(t, CanTransition(chain[i], chain[j]),
				"%s -> %s skips states", chain[i], chain[j])
		}
	}
}

func TestCancelledReachableFromEveryNonTerminal(t *testing.T) {
	for from := range validNext {
		if IsTerminal(from) {
			continue
		}
		assert.True(t, CanTransition(from, StatusCancelled), "cancel from %s", from)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, terminal := range []Status{StatusFinished, StatusCancelled, StatusManagerReject} {
		require.True(t, IsTerminal(terminal))
		for to := range validNext {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestTransitionsStayInsideGraph(t *testing.T) {
	for from, nexts := range validNext {
		for to := range nexts {
			_, known := validNext[to]
			assert.True(t, known, "%s -> %s leaves the graph", from, to)
		}
	}
}

func TestManagerRejectBranch(t *testing.T) {
	assert.True(t, CanTransition(StatusAssignStore, StatusManagerReject))
	assert.True(t, CanTransition(StatusManagerAccept, StatusManagerReject))
	// Reachable from the reservation stage too: a failed reservation
	// re-routes before a store was assigned.
	assert.True(t, CanTransition(StatusPending, StatusManagerReject))
	assert.False(t, CanTransition(StatusShipping, StatusManagerReject))
}

func TestAtOrPast(t *testing.T) {
	assert.True(t, AtOrPast(StatusShipping, StatusPayment))
	assert.True(t, AtOrPast(StatusPayment, StatusPayment))
	assert.False(t, AtOrPast(StatusPayment, StatusShipping))
	// Off-chain statuses never count as past anything.
	assert.False(t, AtOrPast(StatusCancelled, StatusPreOrder))
	assert.False(t, AtOrPast(StatusManagerReject, StatusPreOrder))
}

func TestPathTo(t *testing.T) {
	path, ok := PathTo(StatusPreOrder, StatusPayment)
	require.True(t, ok)
	assert.Equal(t, []Status{StatusPending, StatusPayment}, path)

	_, ok = PathTo(StatusPayment, StatusPayment)
	assert.False(t, ok)

	_, ok = PathTo(StatusShipping, StatusPayment)
	assert.False(t, ok)

	_, ok = PathTo(StatusCancelled, StatusFinished)
	assert.False(t, ok)
}
