package flag_test

import (
	"testing"

	"github.com/gopc-dev/gopc/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		unit string
		want int
		ok   bool
	}{
		{"1G", "", 1 << 30, true},
		{"2g", "", 2 << 30, true},
		{"512M", "", 512 << 20, true},
		{"16k", "", 16 << 10, true},
		{"4", "m", 4 << 20, true},
		{"0x10", "", 16, true},
		{"123", "", 123, true},
		{"", "", 0, false},
		{"G", "", 0, false},
		{"12Q", "", 0, false},
	} {
		got, err := flag.ParseSize(tt.in, tt.unit)

		if tt.ok && err != nil {
			t.Errorf("ParseSize(%q, %q): %v", tt.in, tt.unit, err)

			continue
		}

		if !tt.ok {
			if err == nil {
				t.Errorf("ParseSize(%q, %q) = %d, want error", tt.in, tt.unit, got)
			}

			continue
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}
}
