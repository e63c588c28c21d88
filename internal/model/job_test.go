package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	j := Job{
		ID:         7,
		UserID:     1,
		ProviderID: 2,
		ExternalID: "abc",
		Title:      "The Matrix (1999)",
		Category:   CategoryMovies,
		Priority:   DefaultPriority,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	s, err := j.Marshal()
	require.NoError(t, err)

	j2, err := UnmarshalJob(s)
	require.NoError(t, err)
	assert.Equal(t, j.ID, j2.ID)
	assert.Equal(t, j.ExternalID, j2.ExternalID)
	assert.Equal(t, j.Status, j2.Status)
}

func TestStatusRankOrdering(t *testing.T) {
	assert.Less(t, StatusRank(StatusDownloading), StatusRank(StatusStarting))
	assert.Less(t, StatusRank(StatusStarting), StatusRank(StatusPaused))
	assert.Less(t, StatusRank(StatusPaused), StatusRank(StatusQueued))
	assert.Less(t, StatusRank(StatusQueued), StatusRank(StatusCompleted))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusStarting))
	assert.True(t, CanTransition(StatusStarting, StatusDownloading))
	assert.True(t, CanTransition(StatusDownloading, StatusPaused))
	assert.True(t, CanTransition(StatusPaused, StatusDownloading))
	assert.True(t, CanTransition(StatusDownloading, StatusCompleted))
	assert.True(t, CanTransition(StatusCompleted, StatusDeleted))

	assert.False(t, CanTransition(StatusCompleted, StatusQueued), "terminal states are absorbing")
	assert.False(t, CanTransition(StatusFailed, StatusQueued), "terminal states are absorbing")
	assert.False(t, CanTransition(StatusQueued, StatusCompleted), "cannot skip the state machine")
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled, StatusDeleted} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusQueued, StatusStarting, StatusDownloading, StatusPaused} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestNormalizeMetadataStripsEmpty(t *testing.T) {
	in := Metadata{
		"series":  "Breaking Bad",
		"season":  "",
		"extras":  map[string]any{"lang": "", "nested": map[string]any{}},
		"tags":    []any{},
		"episode": float64(3),
	}
	out := NormalizeMetadata(in)
	require.NotNil(t, out)
	assert.Equal(t, "Breaking Bad", out["series"])
	assert.Equal(t, float64(3), out["episode"])
	_, hasSeason := out["season"]
	assert.False(t, hasSeason)
	_, hasExtras := out["extras"]
	assert.False(t, hasExtras, "fully-empty nested maps are dropped")
	_, hasTags := out["tags"]
	assert.False(t, hasTags, "empty slices are dropped")
}

func TestOwnsOwnerOrAdmin(t *testing.T) {
	j := Job{UserID: 5}
	assert.True(t, j.Owns(5, false))
	assert.True(t, j.Owns(99, true))
	assert.False(t, j.Owns(6, false))
}
