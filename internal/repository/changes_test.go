package repository

import (
	"context"
	"testing"

	"brain2-uow/internal/uow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeSet(t *testing.T) {
	t.Run("Should carry the first read version into staged writes", func(t *testing.T) {
		c := NewChangeSet()
		c.Track("b", 3)
		c.Track("b", 7)
		c.Put("b", []byte("x"))
		c.Put("a", []byte("y"))

		mutations := c.Mutations()

		require.Len(t, mutations, 2)
		assert.Equal(t, "a", mutations[0].Key)
		assert.Equal(t, int64(0), mutations[0].ExpectedVersion, "unread keys must not exist")
		assert.Equal(t, int64(3), mutations[1].ExpectedVersion)
		assert.Equal(t, int64(4), mutations[1].NextVersion())
	})

	t.Run("Should accept the store version of a conflicting entry", func(t *testing.T) {
		c := NewChangeSet()
		c.Track("k", 1)
		c.Put("k", []byte("v"))

		require.NoError(t, c.AcceptStoreVersion(context.Background(), uow.ConflictEntry{Key: "k", LocalVersion: 1, StoreVersion: 5}))

		assert.Equal(t, int64(5), c.Mutations()[0].ExpectedVersion)
	})

	t.Run("Should move versions forward once applied", func(t *testing.T) {
		c := NewChangeSet()
		c.Track("k", 2)
		c.Put("k", []byte("v"))
		c.Delete("gone")

		c.Applied(c.Mutations())

		v, ok := c.Original("k")
		require.True(t, ok)
		assert.Equal(t, int64(3), v)
		gone, _ := c.Original("gone")
		assert.Equal(t, int64(1), gone, "a delete leaves a tombstone version")
		assert.Empty(t, c.Mutations())
	})

	t.Run("Should report a second release", func(t *testing.T) {
		c := NewChangeSet()
		c.Put("k", nil)

		assert.False(t, c.MarkReleased())
		assert.True(t, c.MarkReleased())
		assert.True(t, c.Released())
		assert.Empty(t, c.Mutations())
	})
}
