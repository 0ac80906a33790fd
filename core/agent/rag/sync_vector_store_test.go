package rag

import "testing"

func TestPgVector(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want string
	}{
		{"empty", nil, "[0]"},
		{"single", []float32{0.5}, "[0.500000]"},
		{"mixed signs", []float32{1, -0.25, 2.5}, "[1.000000,-0.250000,2.500000]"},
		{"zero", []float32{0}, "[0.000000]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pgVector(tt.in); got != tt.want {
				t.Errorf("pgVector(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
