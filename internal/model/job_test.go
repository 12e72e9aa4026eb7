package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusOnlyAdvances(t *testing.T) {
	order := []JobStatus{
		StatusPending, StatusFetching, StatusCleaning,
		StatusChunking, StatusEmbedding, StatusStoring, StatusCompleted,
	}
	for i := 0; i < len(order); i++ {
		for j := 0; j < len(order); j++ {
			got := order[i].CanTransition(order[j])
			want := j > i && !order[i].Terminal()
			require.Equal(t, want, got, "%s -> %s", order[i], order[j])
		}
	}
}

func TestFailureReachableFromAnyNonTerminal(t *testing.T) {
	for _, s := range []JobStatus{StatusPending, StatusFetching, StatusCleaning, StatusChunking, StatusEmbedding, StatusStoring} {
		require.True(t, s.CanTransition(StatusFailed), "%s -> FAILED", s)
		require.True(t, s.CanTransition(StatusCancelled), "%s -> CANCELLED", s)
	}
}

func TestTerminalStatusesDoNotTransition(t *testing.T) {
	for _, s := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		require.True(t, s.Terminal())
		require.False(t, s.CanTransition(StatusFetching))
		require.False(t, s.CanTransition(StatusFailed))
	}
}
