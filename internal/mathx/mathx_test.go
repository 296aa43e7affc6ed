package mathx

import "testing"

func TestClamp(t *testing.T) {
	if got := Clamp(5.0, 1.0, 4.0); got != 4 {
		t.Fatalf("clamp high=%v", got)
	}
	if got := Clamp(0, 4, 1); got != 1 {
		t.Fatalf("clamp swapped bounds=%v", got)
	}
	if got := Clamp(2.5, 1.0, 4.0); got != 2.5 {
		t.Fatalf("clamp inside=%v", got)
	}
}

func TestBetween(t *testing.T) {
	if !Between(1.0, 1.0, 2.0) || !Between(2.0, 2.0, 1.0) || Between(3, 1, 2) {
		t.Fatalf("between bounds are inclusive and order-insensitive")
	}
}

func TestLerpAndMean(t *testing.T) {
	if got := Lerp(5.0, 0, 10, 100, 200); got != 150 {
		t.Fatalf("lerp=%v", got)
	}
	if got := Lerp(1.0, 1, 1, 7, 9); got != 7 {
		t.Fatalf("degenerate lerp=%v", got)
	}
	if got := Mean([]int{1, 2, 3, 6}); got != 3 {
		t.Fatalf("mean=%v", got)
	}
	if got := Mean([]float64(nil)); got != 0 {
		t.Fatalf("empty mean=%v", got)
	}
}
