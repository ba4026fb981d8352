package main

import "testing"

func TestRound1(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{22.04, 22.0},
		{22.06, 22.1},
		{-3.26, -3.3},
		{-0.04, 0},
		{45, 45},
	}
	for _, tt := range tests {
		if got := round1(tt.in); got != tt.want {
			t.Errorf("round1(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
