package tlv

import (
	"strings"
	"testing"
)

func TestDescribe(t *testing.T) {
	t.Run("Nested Template", func(t *testing.T) {
		raw := Hex(
			"6F 0A", // FCI template
			"84 03 112233", // DF name
			"A5 03 530142", // proprietary template with one leaf
		)

		out := Describe(raw)

		for _, want := range []string{"6F:", "84: 112233", "A5:", "53:"} {
			if !strings.Contains(out, want) {
				t.Errorf("Describe() output missing %q:\n%s", want, out)
			}
		}

		// Nested leaves must be indented deeper than their template.
		if !strings.Contains(out, "\n  84:") {
			t.Errorf("Expected indented leaf under 6F:\n%s", out)
		}
	})

	t.Run("Not TLV", func(t *testing.T) {
		// 0x85 announces 5 bytes of value but only 1 follows.
		out := Describe(Hex("85 05 00"))
		if !strings.Contains(out, "(not TLV)") {
			t.Errorf("Expected raw dump fallback, got:\n%s", out)
		}
	})
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"Binary", []byte{0x01, 0x02}, "0102"},
		{"Printable", []byte("1TIC.ICA"), `315449432E494341 ("1TIC.ICA")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatBytes(tt.input); got != tt.want {
				t.Errorf("FormatBytes() = %s, want %s", got, tt.want)
			}
		})
	}
}
