package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/store/memory"
)

func TestStore_CopiesValues(t *testing.T) {
	// GIVEN: a value written then mutated by the caller
	store := memory.New()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", buf))
	buf[0] = 'x'

	// WHEN: reading it back
	value, found, err := store.Get(ctx, "k")

	// THEN: the store kept its own copy
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc", string(value))
	assert.ElementsMatch(t, []string{"k"}, store.Keys())
}

func TestStore_MissingKey(t *testing.T) {
	_, found, err := memory.New().Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
