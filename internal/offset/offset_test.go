package offset

import "testing"

func TestCounterWindowsAreContiguous(t *testing.T) {
	var c Counter
	sizes := []int{6, 1, 3, 10}

	var prev Window
	var total int64
	for i, n := range sizes {
		w := c.Next(n)
		if w.Len() != int64(n) {
			t.Fatalf("window %d: len %d, want %d", i, w.Len(), n)
		}
		if i > 0 && w.Start != prev.End {
			t.Fatalf("window %d starts at %d, previous ended at %d", i, w.Start, prev.End)
		}
		total += w.Len()
		prev = w
	}
	if c.Position() != total || total != 20 {
		t.Fatalf("position %d, total %d, want 20", c.Position(), total)
	}
}

func TestWindowTokens(t *testing.T) {
	var c Counter
	w := c.Next(6)
	if w.StartToken() != "0" || w.EndToken() != "6" {
		t.Fatalf("tokens = (%s,%s), want (0,6)", w.StartToken(), w.EndToken())
	}
	w = c.Next(2)
	if w.StartToken() != "6" || w.EndToken() != "8" {
		t.Fatalf("tokens = (%s,%s), want (6,8)", w.StartToken(), w.EndToken())
	}
}
