package graph

import (
	"reflect"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase kept", "alice@example.com", "alice@example.com"},
		{"mixed case folded", "Alice.Smith@Example.COM", "alice.smith@example.com"},
		{"whitespace trimmed", "  bob@example.com  ", "bob@example.com"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeAddress(tt.in); got != tt.want {
				t.Errorf("normalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeAddresses(t *testing.T) {
	got := normalizeAddresses([]string{
		"Alice@example.com",
		"bob@example.com",
		"alice@example.com", // duplicate after folding
		"",
		"  ",
		"carol@example.com",
	})
	want := []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalizeAddresses() = %v, want %v", got, want)
	}
}

func TestNormalizeAddressesEmpty(t *testing.T) {
	if got := normalizeAddresses(nil); len(got) != 0 {
		t.Errorf("normalizeAddresses(nil) = %v, want empty", got)
	}
}
