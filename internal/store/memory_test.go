package store

import "testing"

func TestMemoryConformance(t *testing.T) {
	runConformance(t, func() Store {
		return NewMemory(30)
	})
}
