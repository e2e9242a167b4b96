package repotest

import "testing"

func TestMemoryContract(t *testing.T) {
	s := NewMemory()
	RunContract(t, s.Artifacts(), s.Members())
}
