package calypso

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/cardkit/calypso/pkg/apdu"
	"github.com/cardkit/calypso/pkg/tlv"
)

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("Expected an error matching %v, got %v", target, err)
	}
}

func testProfile() Profile {
	return Profile{
		Type:              ProductPrimeRev3,
		Cla:               ClaISO,
		PayloadCapacity:   250,
		StoredValue:       true,
		PinFeature:        true,
		MultipleCounters:  true,
		RecordPartialRead: true,
		RecordSearch:      true,
	}
}

func testCard() *Card {
	return NewCardFromProfile(testProfile())
}

func assertEncoding(t *testing.T, cc *cardCommand, expected []byte) {
	t.Helper()
	a, err := cc.commandAPDU()
	if err != nil {
		t.Fatalf("Failed to resolve APDU: %v", err)
	}
	got, err := a.Bytes()
	if err != nil {
		t.Fatalf("Failed to encode bytes: %v", err)
	}
	if !bytes.Equal(got, expected) {
		t.Errorf("Mismatch:\nExpected: %s\nGot:      %s",
			hex.EncodeToString(expected), hex.EncodeToString(got))
	}
}

func TestReadCommands_Encoding(t *testing.T) {
	card := testCard()

	tests := []struct {
		name     string
		cmd      *cardCommand
		expected []byte
	}{
		{
			name:     "Read one record with known size",
			cmd:      newReadRecordsCommand(card, 7, 1, 1, 29),
			expected: tlv.Hex("00 B2 01 3C 1D"),
		},
		{
			name:     "Read one record with unknown size",
			cmd:      newReadRecordsCommand(card, 7, 1, 1, 0),
			expected: tlv.Hex("00 B2 01 3C 00"),
		},
		{
			name:     "Read three records from record 1",
			cmd:      newReadRecordsCommand(card, 7, 1, 3, 29),
			expected: tlv.Hex("00 B2 01 3D 5D"),
		},
		{
			name: "Partial read of 8 bytes at offset 4",
			cmd:  newReadRecordsPartiallyCommand(card, 2, 1, 2, 4, 8),
			expected: tlv.Hex(
				"00 B3 01 15",
				"04 54 02 04 08",
				"14",
			),
		},
		{
			name:     "Read binary with SFI addressing",
			cmd:      newReadBinaryCommand(card, 5, 5, 10, 16),
			expected: tlv.Hex("00 B0 85 0A 10"),
		},
		{
			name:     "Read binary beyond 255 through SFI 0",
			cmd:      newReadBinaryCommand(card, 5, 0, 300, 16),
			expected: tlv.Hex("00 B0 01 2C 10"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertEncoding(t, tt.cmd, tt.expected)
		})
	}
}

func TestWriteCommands_Encoding(t *testing.T) {
	card := testCard()

	tests := []struct {
		name     string
		cmd      *cardCommand
		expected []byte
	}{
		{
			name:     "Update record",
			cmd:      newUpdateRecordCommand(card, 7, 2, tlv.Hex("11 22 33")),
			expected: tlv.Hex("00 DC 02 3C 03 112233"),
		},
		{
			name:     "Write record (OR semantics)",
			cmd:      newWriteRecordCommand(card, 7, 2, tlv.Hex("11 22 33")),
			expected: tlv.Hex("00 D2 02 3C 03 112233"),
		},
		{
			name:     "Append record to cyclic file",
			cmd:      newAppendRecordCommand(card, 8, tlv.Hex("11 22 33")),
			expected: tlv.Hex("00 E2 00 40 03 112233"),
		},
		{
			name:     "Update binary at offset 4",
			cmd:      newUpdateBinaryCommand(card, 5, 5, 4, tlv.Hex("AA BB")),
			expected: tlv.Hex("00 D6 85 04 02 AABB"),
		},
		{
			name:     "Write binary beyond 255 through SFI 0",
			cmd:      newWriteBinaryCommand(card, 5, 0, 300, tlv.Hex("AA BB")),
			expected: tlv.Hex("00 D0 01 2C 02 AABB"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertEncoding(t, tt.cmd, tt.expected)
		})
	}
}

func TestCounterCommands_Encoding(t *testing.T) {
	card := testCard()

	tests := []struct {
		name     string
		cmd      *cardCommand
		expected []byte
	}{
		{
			name:     "Increase counter 2 by 258",
			cmd:      newCounterCommand(card, true, 4, 2, 258),
			expected: tlv.Hex("00 32 02 20 03 000102"),
		},
		{
			name:     "Decrease counter 2 by 1",
			cmd:      newCounterCommand(card, false, 4, 2, 1),
			expected: tlv.Hex("00 30 02 20 03 000001"),
		},
		{
			name: "Increase multiple",
			cmd:  newCountersCommand(card, true, 4, []CounterOp{{1, 10}, {2, 32}}),
			expected: tlv.Hex(
				"00 3A 00 20",
				"08 01 00000A 02 000020",
				"08",
			),
		},
		{
			name: "Decrease multiple",
			cmd:  newCountersCommand(card, false, 4, []CounterOp{{1, 10}}),
			expected: tlv.Hex(
				"00 38 00 20",
				"04 01 00000A",
				"04",
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertEncoding(t, tt.cmd, tt.expected)
		})
	}
}

func TestSearchRecordsCommand_Encoding(t *testing.T) {
	card := testCard()

	t.Run("No mask pads to all FF", func(t *testing.T) {
		cc, err := newSearchRecordsCommand(card, &SearchRecordsRequest{
			Sfi:             2,
			StartRecord:     1,
			SearchData:      tlv.Hex("11 22"),
			FetchFirstMatch: true,
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		assertEncoding(t, cc, tlv.Hex(
			"00 A2 01 17",
			"06 00 02 1122 FFFF",
			"00",
		))
	})

	t.Run("Partial mask right-padded with FF", func(t *testing.T) {
		partial, err := newSearchRecordsCommand(card, &SearchRecordsRequest{
			Sfi:         2,
			StartRecord: 1,
			SearchData:  tlv.Hex("11 22 33"),
			Mask:        tlv.Hex("F0"),
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		explicit, err := newSearchRecordsCommand(card, &SearchRecordsRequest{
			Sfi:         2,
			StartRecord: 1,
			SearchData:  tlv.Hex("11 22 33"),
			Mask:        tlv.Hex("F0 FF FF"),
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}

		a, _ := partial.commandAPDU()
		b, _ := explicit.commandAPDU()
		rawA, _ := a.Bytes()
		rawB, _ := b.Bytes()
		if !bytes.Equal(rawA, rawB) {
			t.Errorf("Partial and explicit masks differ:\n%s\n%s",
				hex.EncodeToString(rawA), hex.EncodeToString(rawB))
		}
	})

	t.Run("Repeated offset flag", func(t *testing.T) {
		cc, err := newSearchRecordsCommand(card, &SearchRecordsRequest{
			Sfi:            2,
			StartRecord:    3,
			Offset:         5,
			RepeatedOffset: true,
			SearchData:     tlv.Hex("AA"),
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		assertEncoding(t, cc, tlv.Hex(
			"00 A2 03 17",
			"04 05 01 AA FF",
			"00",
		))
	})

	t.Run("Mask longer than search data rejected", func(t *testing.T) {
		_, err := newSearchRecordsCommand(card, &SearchRecordsRequest{
			Sfi:         2,
			StartRecord: 1,
			SearchData:  tlv.Hex("11"),
			Mask:        tlv.Hex("FF FF"),
		})
		assertErrorIs(t, err, ErrParameter)
	})
}

func TestManagementCommands_Encoding(t *testing.T) {
	card := testCard()

	tests := []struct {
		name     string
		cmd      *cardCommand
		expected []byte
	}{
		{
			name:     "Select file by LID",
			cmd:      newSelectFileCommand(card, 0x2010),
			expected: tlv.Hex("00 A4 00 00 02 2010 00"),
		},
		{
			name:     "Get Data traceability",
			cmd:      newGetDataCommand(card, TagTraceabilityInformation),
			expected: tlv.Hex("00 CA 01 85 00"),
		},
		{
			name:     "Get Data EF list",
			cmd:      newGetDataCommand(card, TagEfList),
			expected: tlv.Hex("00 CA 00 C0 00"),
		},
		{
			name:     "Get challenge",
			cmd:      newGetChallengeCommand(card),
			expected: tlv.Hex("00 84 00 00 08"),
		},
		{
			name:     "Invalidate",
			cmd:      newInvalidateCommand(card, true),
			expected: tlv.Hex("00 04 00 00"),
		},
		{
			name:     "Rehabilitate",
			cmd:      newInvalidateCommand(card, false),
			expected: tlv.Hex("00 44 00 00"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertEncoding(t, tt.cmd, tt.expected)
		})
	}
}

func TestSessionCommands_Encoding(t *testing.T) {
	profile := testProfile()
	challenge := tlv.Hex("11 22 33 44")

	t.Run("Open with merged read of record 1 SFI 7", func(t *testing.T) {
		cmd := newOpenSessionAPDU(profile, WriteAccessDebit, challenge, 7, 1, false)
		raw, err := cmd.Bytes()
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		expected := tlv.Hex(
			"00 8A 0B 39",
			"04 11223344",
			"00",
		)
		if !bytes.Equal(raw, expected) {
			t.Errorf("Mismatch:\nExpected: %s\nGot:      %s",
				hex.EncodeToString(expected), hex.EncodeToString(raw))
		}
	})

	t.Run("Open without read, extended mode", func(t *testing.T) {
		cmd := newOpenSessionAPDU(profile, WriteAccessLoad, challenge, 0, 0, true)
		raw, err := cmd.Bytes()
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		expected := tlv.Hex(
			"00 8A 02 02",
			"04 11223344",
			"00",
		)
		if !bytes.Equal(raw, expected) {
			t.Errorf("Mismatch:\nExpected: %s\nGot:      %s",
				hex.EncodeToString(expected), hex.EncodeToString(raw))
		}
	})

	t.Run("Close with immediate ratification", func(t *testing.T) {
		cmd := newCloseSessionAPDU(profile, tlv.Hex("AA BB CC DD"), true)
		raw, err := cmd.Bytes()
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		expected := tlv.Hex(
			"00 8E 80 00",
			"04 AABBCCDD",
			"00",
		)
		if !bytes.Equal(raw, expected) {
			t.Errorf("Mismatch:\nExpected: %s\nGot:      %s",
				hex.EncodeToString(expected), hex.EncodeToString(raw))
		}
	})

	t.Run("Abort is a close with no signature", func(t *testing.T) {
		assertEncoding(t, newAbortSessionCommand(profile), tlv.Hex("00 8E 00 00"))
	})

	t.Run("Ratification ping", func(t *testing.T) {
		cc := newRatificationCommand(profile)
		assertEncoding(t, cc, tlv.Hex("00 B2 00 00 00"))
		if !cc.accepts(apdu.SWWrongP1P2Func) || !cc.accepts(apdu.SWWrongLength) {
			t.Error("Ratification must accept 6B00 and 6700")
		}
	})
}

func TestParseOpenSessionResponse(t *testing.T) {
	t.Run("With record data", func(t *testing.T) {
		data := tlv.Hex(
			"000015", // transaction counter
			"7A",     // random
			"01",     // previous session not ratified
			"30 79",  // KIF KVC
			"03 AABBCC",
		)
		result, err := parseOpenSessionResponse(data)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if result.transactionCounter != 0x15 {
			t.Errorf("Transaction counter = %d, expected 21", result.transactionCounter)
		}
		if result.previousRatified {
			t.Error("Expected previous session not ratified")
		}
		if result.kif != 0x30 || result.kvc != 0x79 {
			t.Errorf("Key = %02X/%02X, expected 30/79", result.kif, result.kvc)
		}
		if !bytes.Equal(result.recordData, tlv.Hex("AA BB CC")) {
			t.Errorf("Record data = %X", result.recordData)
		}
	})

	t.Run("Ratified, no record", func(t *testing.T) {
		result, err := parseOpenSessionResponse(tlv.Hex("000001 00 00 21 79 00"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !result.previousRatified {
			t.Error("Expected previous session ratified")
		}
		if len(result.recordData) != 0 {
			t.Errorf("Expected no record data, got %X", result.recordData)
		}
	})

	t.Run("Announced length mismatch", func(t *testing.T) {
		_, err := parseOpenSessionResponse(tlv.Hex("000001 00 00 21 79 05 AA"))
		assertErrorIs(t, err, ErrCardResponse)
	})
}

func TestPinCommands_Encoding(t *testing.T) {
	card := testCard()

	tests := []struct {
		name     string
		cmd      *cardCommand
		expected []byte
	}{
		{
			name:     "Verify plain PIN",
			cmd:      newVerifyPinCommand(card, []byte("1234")),
			expected: tlv.Hex("00 20 00 00 04 31323334"),
		},
		{
			name:     "Check PIN status probes with no data",
			cmd:      newCheckPinStatusCommand(card),
			expected: tlv.Hex("00 20 00 00"),
		},
		{
			name:     "Change PIN plain",
			cmd:      newChangePinCommand(card, changePinPlainP2, []byte("5678")),
			expected: tlv.Hex("00 D8 00 04 04 35363738"),
		},
		{
			name:     "Change PIN ciphered",
			cmd:      newChangePinCommand(card, changePinCipheredP2, tlv.Hex("0102030405060708")),
			expected: tlv.Hex("00 D8 00 FF 08 0102030405060708"),
		},
		{
			name:     "Change key slot 3",
			cmd:      newChangeKeyCommand(card, 3, tlv.Hex("A0A1A2A3")),
			expected: tlv.Hex("00 D8 00 03 04 A0A1A2A3"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertEncoding(t, tt.cmd, tt.expected)
		})
	}
}

func TestSvGetCommand_Encoding(t *testing.T) {
	card := testCard()

	t.Run("Reload variant", func(t *testing.T) {
		ctx := &svGetContext{}
		cc, err := newSvGetCommand(card, SvReload, ctx)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		assertEncoding(t, cc, tlv.Hex("00 7C 00 07 1C"))
		if !bytes.Equal(ctx.request, tlv.Hex("00 7C 00 07 1C")) {
			t.Errorf("Context request = %X", ctx.request)
		}
	})

	t.Run("Debit variant", func(t *testing.T) {
		ctx := &svGetContext{}
		cc, err := newSvGetCommand(card, SvDebit, ctx)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		assertEncoding(t, cc, tlv.Hex("00 7C 00 09 19"))
	})
}

func TestCheckPinStatus_Decode(t *testing.T) {
	tests := []struct {
		name     string
		status   apdu.StatusWord
		expected int
	}{
		{name: "Counter status", status: apdu.NewStatusWord(0x63, 0xC2), expected: 2},
		{name: "Blocked", status: apdu.SWPinBlocked, expected: 0},
		{name: "Verified", status: apdu.SWNoError, expected: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := testCard()
			cc := newCheckPinStatusCommand(card)
			if !cc.accepts(tt.status) {
				t.Fatalf("Status %04X must be accepted", uint16(tt.status))
			}
			if err := cc.decode(&apdu.ResponseAPDU{Status: tt.status}); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			got, seen := card.PinAttemptsRemaining()
			if !seen || got != tt.expected {
				t.Errorf("PinAttemptsRemaining() = %d (%v), expected %d", got, seen, tt.expected)
			}
		})
	}
}
