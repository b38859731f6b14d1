package apdu

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/cardkit/calypso/pkg/tlv"
)

// scriptedCard replays a fixed sequence of exchanges and checks every
// request against the script.
type scriptedCard struct {
	t        *testing.T
	script   [][2][]byte // request, response
	position int
}

func (c *scriptedCard) Transmit(cmd []byte) ([]byte, error) {
	c.t.Helper()
	if c.position >= len(c.script) {
		c.t.Fatalf("Unexpected exchange %d: %s", c.position+1, hex.EncodeToString(cmd))
	}
	step := c.script[c.position]
	c.position++
	if !bytes.Equal(cmd, step[0]) {
		c.t.Fatalf("Request %d mismatch:\nExpected: %s\nGot:      %s",
			c.position, hex.EncodeToString(step[0]), hex.EncodeToString(cmd))
	}
	return step[1], nil
}

func (c *scriptedCard) done() bool {
	return c.position == len(c.script)
}

func TestClient_Send_Direct(t *testing.T) {
	card := &scriptedCard{t: t, script: [][2][]byte{
		{tlv.Hex("00 B2 01 0C 00"), tlv.Hex("AA BB 90 00")},
	}}

	trace, err := NewClient(card).Send(New(0x00, 0xB2, 0x01, 0x0C, nil, 256))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(trace) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(trace))
	}
	if !bytes.Equal(trace.Last().Response.Data, tlv.Hex("AA BB")) {
		t.Errorf("Unexpected response data: %X", trace.Last().Response.Data)
	}
	if !card.done() {
		t.Error("Script not fully consumed")
	}
}

func TestClient_Send_GetResponse(t *testing.T) {
	// 61 0B: the card holds 11 bytes, the client must fetch them.
	card := &scriptedCard{t: t, script: [][2][]byte{
		{tlv.Hex("00 A4 04 00 02 1122 00"), tlv.Hex("61 0B")},
		{tlv.Hex("00 C0 00 00 0B"), tlv.Hex("6F 09 84 07 11223344556677 90 00")},
	}}

	trace, err := NewClient(card).Send(New(0x00, 0xA4, 0x04, 0x00, tlv.Hex("11 22"), 256))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(trace) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(trace))
	}
	last := trace.Last()
	if !last.Response.Status.IsSuccess() {
		t.Errorf("Unexpected final status: %s", last.Response.Status.Verbose())
	}
	if len(last.Response.Data) != 11 {
		t.Errorf("Expected 11 payload bytes, got %d", len(last.Response.Data))
	}
	if !card.done() {
		t.Error("Script not fully consumed")
	}
}

func TestClient_Send_WrongLeRetry(t *testing.T) {
	// 6C 1D: re-send the same command with Le = 29.
	card := &scriptedCard{t: t, script: [][2][]byte{
		{tlv.Hex("00 B2 01 0C 00"), tlv.Hex("6C 1D")},
		{tlv.Hex("00 B2 01 0C 1D"), append(bytes.Repeat([]byte{0x5A}, 29), 0x90, 0x00)},
	}}

	trace, err := NewClient(card).Send(New(0x00, 0xB2, 0x01, 0x0C, nil, 256))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := len(trace.Last().Response.Data); got != 29 {
		t.Errorf("Expected 29 payload bytes, got %d", got)
	}
	if !card.done() {
		t.Error("Script not fully consumed")
	}
}

type failingCard struct{ err error }

func (c failingCard) Transmit([]byte) ([]byte, error) { return nil, c.err }

func TestClient_Send_TransportError(t *testing.T) {
	cause := errors.New("reader unplugged")
	_, err := NewClient(failingCard{err: cause}).Send(New(0x00, 0xB2, 0x01, 0x0C, nil, 256))
	if !errors.Is(err, cause) {
		t.Errorf("Expected the transport error to be wrapped, got %v", err)
	}
}

func TestGroupAdapter_TransmitGroup(t *testing.T) {
	card := &scriptedCard{t: t, script: [][2][]byte{
		{tlv.Hex("00 B2 01 0C 00"), tlv.Hex("AA 90 00")},
		{tlv.Hex("00 B2 02 0C 00"), tlv.Hex("BB 90 00")},
	}}

	responses, err := GroupAdapter{T: card}.TransmitGroup([][]byte{
		tlv.Hex("00 B2 01 0C 00"),
		tlv.Hex("00 B2 02 0C 00"),
	})
	if err != nil {
		t.Fatalf("TransmitGroup failed: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("Expected 2 responses, got %d", len(responses))
	}
	if !bytes.Equal(responses[1], tlv.Hex("BB 90 00")) {
		t.Errorf("Unexpected second response: %X", responses[1])
	}
}
