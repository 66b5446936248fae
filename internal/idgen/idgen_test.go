package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsSortedAndUnique(t *testing.T) {
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = New()
	}

	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		require.Len(t, id, 25, "id %q has unexpected width", id)
		require.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
		if i > 0 {
			require.Less(t, ids[i-1], id, "ids must sort in creation order")
		}
	}
}
