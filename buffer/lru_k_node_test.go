package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLrukNode(t *testing.T) {
	t.Run("keeps the last k access times", func(t *testing.T) {
		node := newLrukNode(1, 2)

		node.touch(1)
		_, finite := node.distance(5)
		assert.False(t, finite)

		node.touch(2)
		node.touch(3)
		assert.Equal(t, []uint64{2, 3}, node.history())

		dist, finite := node.distance(10)
		assert.True(t, finite)
		assert.Equal(t, uint64(8), dist)
	})

	t.Run("wraps around the ring", func(t *testing.T) {
		node := newLrukNode(1, 3)
		for ts := uint64(1); ts <= 7; ts++ {
			node.touch(ts)
		}
		assert.Equal(t, []uint64{5, 6, 7}, node.history())
	})

	t.Run("a node never accessed is infinitely far", func(t *testing.T) {
		node := newLrukNode(1, 3)
		assert.Empty(t, node.history())
		_, finite := node.distance(100)
		assert.False(t, finite)
	})
}
