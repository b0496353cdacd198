package eventstore

import "testing"

func TestIDGeneratorMonotonic(t *testing.T) {
	g := NewIDGenerator()

	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		if next <= prev {
			t.Fatalf("id generator produced non-increasing ids: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestIDGeneratorIndependentPerGenerator(t *testing.T) {
	a := NewIDGenerator()
	b := NewIDGenerator()

	idA := a.Next()
	idB := b.Next()
	if idA == idB {
		t.Fatalf("two independent generators produced the same id: %q", idA)
	}
}
