package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// Describe renders raw BER-TLV data as an indented tree for debugging and
// trace output. Unparseable input is rendered as a flat hex dump.
func Describe(data []byte) string {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Sprintf("(not TLV) %s", strings.ToUpper(hex.EncodeToString(data)))
	}

	var sb strings.Builder
	describePackets(&sb, packets, 0)
	return strings.TrimRight(sb.String(), "\n")
}

func describePackets(sb *strings.Builder, packets []bertlv.TLV, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, p := range packets {
		if len(p.TLVs) > 0 {
			fmt.Fprintf(sb, "%s%s:\n", indent, strings.ToUpper(p.Tag))
			describePackets(sb, p.TLVs, depth+1)
			continue
		}
		fmt.Fprintf(sb, "%s%s: %s\n", indent, strings.ToUpper(p.Tag), FormatBytes(p.Value))
	}
}

// FormatBytes renders a byte string as upper-case hex with a printable ASCII
// preview when the content looks textual.
func FormatBytes(data []byte) string {
	h := strings.ToUpper(hex.EncodeToString(data))
	if isMostlyPrintable(data) {
		return fmt.Sprintf("%s (%q)", h, MakeSafeASCII(data))
	}
	return h
}

// MakeSafeASCII replaces non-printable bytes with dots.
func MakeSafeASCII(data []byte) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 {
			return r
		}
		return '.'
	}, string(data))
}

func isMostlyPrintable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if b >= 32 && b <= 126 {
			printable++
		}
	}
	return printable*4 >= len(data)*3
}
