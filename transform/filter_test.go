package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableFilterEmptyMatchesAll(t *testing.T) {
	f, err := NewTableFilter(nil)
	require.NoError(t, err)
	assert.True(t, f.Match("anything"))
}

func TestTableFilterGlobs(t *testing.T) {
	f, err := NewTableFilter([]string{"user*", "orders"})
	require.NoError(t, err)

	assert.True(t, f.Match("users"))
	assert.True(t, f.Match("user_sessions"))
	assert.True(t, f.Match("orders"))
	assert.False(t, f.Match("order_items"))
	assert.False(t, f.Match("payments"))
}

func TestTableFilterRejectsBadPattern(t *testing.T) {
	_, err := NewTableFilter([]string{"[unclosed"})
	assert.Error(t, err)
}
