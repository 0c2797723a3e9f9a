package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUniqueVersion7(t *testing.T) {
	t.Parallel()

	id1 := NewID()
	id2 := NewID()
	assert.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestNewIDSortsByCreation(t *testing.T) {
	t.Parallel()

	prev := NewID()
	for i := 0; i < 50; i++ {
		next := NewID()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid(NewID()))
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid(""))
}
