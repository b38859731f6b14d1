package sam

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/cardkit/calypso/pkg/calypso"
	"github.com/cardkit/calypso/pkg/tlv"
)

// scriptedSam replays a fixed sequence of SAM exchanges.
type scriptedSam struct {
	t      *testing.T
	script [][2][]byte
	pos    int
}

func (s *scriptedSam) Transmit(cmd []byte) ([]byte, error) {
	s.t.Helper()
	if s.pos >= len(s.script) {
		s.t.Fatalf("Unexpected SAM exchange %d: %s", s.pos+1, hex.EncodeToString(cmd))
	}
	step := s.script[s.pos]
	s.pos++
	if !bytes.Equal(cmd, step[0]) {
		s.t.Fatalf("SAM request %d mismatch:\nExpected: %s\nGot:      %s",
			s.pos, hex.EncodeToString(step[0]), hex.EncodeToString(cmd))
	}
	return step[1], nil
}

func (s *scriptedSam) assertDrained(t *testing.T) {
	t.Helper()
	if s.pos != len(s.script) {
		t.Errorf("Only %d of %d scripted SAM exchanges happened", s.pos, len(s.script))
	}
}

func TestModule_SessionDigest(t *testing.T) {
	openData := tlv.Hex("00 00 15 7A 00 30 79 00")
	sam := &scriptedSam{t: t, script: [][2][]byte{
		{tlv.Hex("80 84 00 00 04"), tlv.Hex("11 22 33 44 90 00")},
		{tlv.Hex("80 8A 00 FF 0A 30 79 00 00 15 7A 00 30 79 00"), tlv.Hex("90 00")},
		{tlv.Hex("80 8C 00 80 05 00B2013C00"), tlv.Hex("90 00")},
		{tlv.Hex("80 8C 00 80 05 AABBCC9000"), tlv.Hex("90 00")},
		{tlv.Hex("80 8E 00 00 04"), tlv.Hex("A1 A2 A3 A4 90 00")},
		{tlv.Hex("80 82 00 00 04 C1C2C3C4"), tlv.Hex("90 00")},
	}}
	m := New(sam, Capabilities{}, nil)

	challenge, err := m.InitTerminalSecureSessionContext()
	if err != nil {
		t.Fatalf("Challenge failed: %v", err)
	}
	if !bytes.Equal(challenge, tlv.Hex("11 22 33 44")) {
		t.Errorf("Challenge = %X", challenge)
	}

	if err := m.InitTerminalSessionMac(openData, 0x30, 0x79); err != nil {
		t.Fatalf("Digest init failed: %v", err)
	}
	if err := m.UpdateTerminalSessionMac(tlv.Hex("00 B2 01 3C 00")); err != nil {
		t.Fatalf("Digest update failed: %v", err)
	}
	if err := m.UpdateTerminalSessionMac(tlv.Hex("AA BB CC 90 00")); err != nil {
		t.Fatalf("Digest update failed: %v", err)
	}

	mac, err := m.FinalizeTerminalSessionMac()
	if err != nil {
		t.Fatalf("Digest close failed: %v", err)
	}
	if !bytes.Equal(mac, tlv.Hex("A1 A2 A3 A4")) {
		t.Errorf("Terminal MAC = %X", mac)
	}

	ok, err := m.IsCardSessionMacValid(tlv.Hex("C1 C2 C3 C4"))
	if err != nil {
		t.Fatalf("Digest authenticate failed: %v", err)
	}
	if !ok {
		t.Error("Expected a valid card MAC")
	}
	sam.assertDrained(t)
}

func TestModule_ExtendedChallengeAndMacLengths(t *testing.T) {
	sam := &scriptedSam{t: t, script: [][2][]byte{
		{tlv.Hex("80 84 00 00 08"), tlv.Hex("1122334455667788 90 00")},
		{tlv.Hex("80 8E 00 00 08"), tlv.Hex("A1A2A3A4A5A6A7A8 90 00")},
	}}
	m := New(sam, Capabilities{ExtendedMode: true}, nil)

	if !m.ExtendedModeSupported() {
		t.Fatal("Capability flag lost")
	}
	challenge, err := m.InitTerminalSecureSessionContext()
	if err != nil {
		t.Fatalf("Challenge failed: %v", err)
	}
	if len(challenge) != 8 {
		t.Errorf("Challenge length = %d, expected 8", len(challenge))
	}
	mac, err := m.FinalizeTerminalSessionMac()
	if err != nil {
		t.Fatalf("Digest close failed: %v", err)
	}
	if len(mac) != 8 {
		t.Errorf("MAC length = %d, expected 8", len(mac))
	}
	sam.assertDrained(t)
}

func TestModule_UpdateTerminalSessionMac_Batching(t *testing.T) {
	blocks := [][]byte{
		tlv.Hex("00 B2 01 3C 00"),
		tlv.Hex("AA 90 00"),
	}

	t.Run("With the multiple-update capability", func(t *testing.T) {
		sam := &scriptedSam{t: t, script: [][2][]byte{
			{tlv.Hex("80 8C 80 00 0A 05 00B2013C00 03 AA9000"), tlv.Hex("90 00")},
		}}
		m := New(sam, Capabilities{MultipleUpdate: true}, nil)

		if !m.MultipleUpdateSupported() {
			t.Fatal("Capability flag lost")
		}
		if err := m.UpdateTerminalSessionMac(blocks...); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		sam.assertDrained(t)
	})

	t.Run("Without the capability, one exchange per block", func(t *testing.T) {
		sam := &scriptedSam{t: t, script: [][2][]byte{
			{tlv.Hex("80 8C 00 80 05 00B2013C00"), tlv.Hex("90 00")},
			{tlv.Hex("80 8C 00 80 03 AA9000"), tlv.Hex("90 00")},
		}}
		m := New(sam, Capabilities{}, nil)

		if err := m.UpdateTerminalSessionMac(blocks...); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		sam.assertDrained(t)
	})

	t.Run("No blocks, no exchange", func(t *testing.T) {
		sam := &scriptedSam{t: t}
		m := New(sam, Capabilities{}, nil)
		if err := m.UpdateTerminalSessionMac(); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	})
}

func TestModule_IsCardSessionMacValid_Rejection(t *testing.T) {
	t.Run("Wrong signature is a verdict", func(t *testing.T) {
		sam := &scriptedSam{t: t, script: [][2][]byte{
			{tlv.Hex("80 82 00 00 04 C1C2C3C4"), tlv.Hex("69 88")},
		}}
		m := New(sam, Capabilities{}, nil)

		ok, err := m.IsCardSessionMacValid(tlv.Hex("C1 C2 C3 C4"))
		if err != nil {
			t.Fatalf("Expected a verdict, got error: %v", err)
		}
		if ok {
			t.Error("Expected an invalid card MAC")
		}
	})

	t.Run("Other statuses are errors", func(t *testing.T) {
		sam := &scriptedSam{t: t, script: [][2][]byte{
			{tlv.Hex("80 82 00 00 04 C1C2C3C4"), tlv.Hex("6A 86")},
		}}
		m := New(sam, Capabilities{}, nil)

		_, err := m.IsCardSessionMacValid(tlv.Hex("C1 C2 C3 C4"))
		var se *calypso.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("Expected a StatusError, got %v", err)
		}
	})
}

func TestModule_CipherPinForPresentation(t *testing.T) {
	sam := &scriptedSam{t: t, script: [][2][]byte{
		{tlv.Hex("80 86 00 00 08 0102030405060708"), tlv.Hex("90 00")},
		{tlv.Hex("80 12 40 00 06 30 79 31323334"), tlv.Hex("E0E1E2E3E4E5E6E7 90 00")},
	}}
	m := New(sam, Capabilities{}, nil)

	ciphered, err := m.CipherPinForPresentation(tlv.Hex("01 02 03 04 05 06 07 08"), []byte("1234"), 0x30, 0x79)
	if err != nil {
		t.Fatalf("Ciphering failed: %v", err)
	}
	if !bytes.Equal(ciphered, tlv.Hex("E0 E1 E2 E3 E4 E5 E6 E7")) {
		t.Errorf("Ciphered PIN = %X", ciphered)
	}
	sam.assertDrained(t)
}

func TestModule_GenerateCipheredCardKey(t *testing.T) {
	sam := &scriptedSam{t: t, script: [][2][]byte{
		{tlv.Hex("80 86 00 00 08 0102030405060708"), tlv.Hex("90 00")},
		{tlv.Hex("80 12 FF 00 04 21 79 30 79"), tlv.Hex("F0F1F2F3 90 00")},
	}}
	m := New(sam, Capabilities{}, nil)

	block, err := m.GenerateCipheredCardKey(tlv.Hex("01 02 03 04 05 06 07 08"), 0x21, 0x79, 0x30, 0x79)
	if err != nil {
		t.Fatalf("Key generation failed: %v", err)
	}
	if !bytes.Equal(block, tlv.Hex("F0 F1 F2 F3")) {
		t.Errorf("Key block = %X", block)
	}
	sam.assertDrained(t)
}

func TestModule_SvPrepareAndCheck(t *testing.T) {
	request := tlv.Hex("00 7C 00 09 19")
	response := tlv.Hex("77 0001 000100")
	head := tlv.Hex("00 BA 00 00 11 FFFF9C 1122 3344")

	data := append(append(append([]byte(nil), request...), response...), head...)
	prepareCmd := append(tlv.Hex("80 54 01 FF 17"), data...)

	sam := &scriptedSam{t: t, script: [][2][]byte{
		{prepareCmd, tlv.Hex("A0A1A2A3 B0B1B2 C0C1C2 90 00")},
		{tlv.Hex("80 58 00 00 03 D1D2D3"), tlv.Hex("90 00")},
	}}
	m := New(sam, Capabilities{}, nil)

	complement, err := m.SvPrepare(calypso.SvDebit, request, response, head)
	if err != nil {
		t.Fatalf("SV prepare failed: %v", err)
	}
	if !bytes.Equal(complement, tlv.Hex("A0A1A2A3 B0B1B2 C0C1C2")) {
		t.Errorf("Complement = %X", complement)
	}
	if err := m.SvCheck(tlv.Hex("D1 D2 D3")); err != nil {
		t.Fatalf("SV check failed: %v", err)
	}
	sam.assertDrained(t)
}

func TestModule_SvCheck_Rejection(t *testing.T) {
	sam := &scriptedSam{t: t, script: [][2][]byte{
		{tlv.Hex("80 58 00 00 03 D1D2D3"), tlv.Hex("69 88")},
	}}
	m := New(sam, Capabilities{}, nil)

	assertErrIs(t, m.SvCheck(tlv.Hex("D1 D2 D3")), calypso.ErrCardAuthentication)
	sam.assertDrained(t)
}

func TestModule_SelectDiversifier(t *testing.T) {
	sam := &scriptedSam{t: t, script: [][2][]byte{
		{tlv.Hex("80 14 00 00 08 0000000011223344"), tlv.Hex("90 00")},
	}}
	m := New(sam, Capabilities{}, nil)

	if err := m.SelectDiversifier(tlv.Hex("00 00 00 00 11 22 33 44")); err != nil {
		t.Fatalf("Diversifier selection failed: %v", err)
	}
	sam.assertDrained(t)
}

func assertErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("Expected an error matching %v, got %v", target, err)
	}
}
