package calypso

import (
	"bytes"
	"testing"

	"github.com/cardkit/calypso/pkg/tlv"
)

// calypsoFCI is a select-response fixture: DF name "1TIC.ICA1", serial
// number, and a 7-byte startup blob announcing a Prime rev. 3 product with
// stored value and extended mode.
var calypsoFCI = tlv.Hex(
	"6F 23",
	"84 09 315449432E49434131",
	"A5 16",
	"BF0C 13",
	"C7 08 0000000011223344",
	"53 07 0A 3C 0F 15 14 10 01",
)

func TestParseFCI(t *testing.T) {
	fci, err := ParseFCI(calypsoFCI)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if !bytes.Equal(fci.DFName, []byte("1TIC.ICA1")) {
		t.Errorf("DF name = %X", fci.DFName)
	}
	if !bytes.Equal(fci.SerialNumber(), tlv.Hex("00 00 00 00 11 22 33 44")) {
		t.Errorf("Serial = %X", fci.SerialNumber())
	}
	if !bytes.Equal(fci.StartupInfoBytes(), tlv.Hex("0A 3C 0F 15 14 10 01")) {
		t.Errorf("Startup info = %X", fci.StartupInfoBytes())
	}
}

func TestParseFCI_Errors(t *testing.T) {
	t.Run("Empty data", func(t *testing.T) {
		_, err := ParseFCI(nil)
		assertErrorIs(t, err, ErrCardResponse)
	})

	t.Run("Truncated TLV", func(t *testing.T) {
		_, err := ParseFCI(tlv.Hex("84 05 11"))
		assertErrorIs(t, err, ErrCardResponse)
	})
}

func TestNewCard_FromFCI(t *testing.T) {
	fci, err := ParseFCI(calypsoFCI)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	card, err := NewCard(fci)
	if err != nil {
		t.Fatalf("Card creation failed: %v", err)
	}

	p := card.Profile()
	if p.Type != ProductPrimeRev3 {
		t.Errorf("Product = %s, expected Prime rev. 3", p.Type)
	}
	if !p.StoredValue || !p.ExtendedMode {
		t.Errorf("Features: SV %v, extended %v, expected both", p.StoredValue, p.ExtendedMode)
	}
	if p.PayloadCapacity != 430 {
		t.Errorf("Payload capacity = %d, expected 430", p.PayloadCapacity)
	}
	if !bytes.Equal(card.Aid(), []byte("1TIC.ICA1")) {
		t.Errorf("AID = %X", card.Aid())
	}
}

func TestParseFCP(t *testing.T) {
	t.Run("Linear file", func(t *testing.T) {
		fcp := tlv.Hex(
			"62 19",
			"85 17",
			"02 00 001D 04 1F1F1F00 07070700 00 07 000000000000 2001",
		)
		sfi, header, err := ParseFCP(fcp)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if sfi != 7 {
			t.Errorf("SFI = %d, expected 7", sfi)
		}
		if header.Type != FileTypeLinear {
			t.Errorf("Type = %s, expected Linear", header.Type)
		}
		if header.RecordSize != 29 || header.RecordCount != 4 {
			t.Errorf("Geometry = %dx%d, expected 4x29", header.RecordCount, header.RecordSize)
		}
		if header.Lid != 0x2001 {
			t.Errorf("LID = %04X, expected 2001", header.Lid)
		}
	})

	t.Run("Bare proprietary template", func(t *testing.T) {
		// Some revisions answer with tag 85 directly, without the 62 shell.
		fcp := tlv.Hex(
			"85 17",
			"08 00 0003 01 1F1F1F00 07070700 00 04 000000000000 2050",
		)
		sfi, header, err := ParseFCP(fcp)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if sfi != 4 || header.Type != FileTypeCounters {
			t.Errorf("SFI %d type %s, expected 4 Counters", sfi, header.Type)
		}
	})

	t.Run("Unknown EF type", func(t *testing.T) {
		fcp := tlv.Hex(
			"85 17",
			"03 00 0003 01 1F1F1F00 07070700 00 04 000000000000 2050",
		)
		_, _, err := ParseFCP(fcp)
		assertErrorIs(t, err, ErrCardResponse)
	})

	t.Run("Truncated proprietary information", func(t *testing.T) {
		_, _, err := ParseFCP(tlv.Hex("85 02 0200"))
		assertErrorIs(t, err, ErrCardResponse)
	})
}
