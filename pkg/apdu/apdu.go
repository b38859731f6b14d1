// Package apdu implements the ISO/IEC 7816-4 command/response units exchanged
// with contact and contactless smart cards.
//
// COMMAND APDU (C-APDU):
// A command consists of a mandatory Header (4 bytes) and an optional Body.
//
// 1. Header:
//   - CLA (Class): interindustry (00) or legacy proprietary (e.g. 94).
//   - INS (Instruction): the command to execute.
//   - P1, P2 (Parameters): command modifiers.
//
// 2. Body:
//   - Lc (Length Command): number of bytes in the data field.
//   - Data: the command payload.
//   - Le (Length Expected): maximum number of bytes expected in the response.
//
// ENCODING CASES (ISO 7816-3):
// - Case 1: No Data, No Response (Header only).
// - Case 2: No Data, Response Expected (Header + Le).
// - Case 3: Data Present, No Response (Header + Lc + Data).
// - Case 4: Data Present, Response Expected (Header + Lc + Data + Le).
//
// This package encodes short length mode only (Lc on 1 byte, max 255; Le on
// 1 byte, where 0x00 encodes 256). The Calypso card family never requires
// extended length APDUs: command payloads are bounded by the card's session
// modifications buffer, which is itself well below the short-length limit.
//
// RESPONSE APDU (R-APDU):
// An optional data field followed by a mandatory 2-byte Status Word trailer
// (SW1 SW2, e.g. 0x9000 for success).
package apdu

import (
	"bytes"
	"fmt"
)

// Limits of the short length encoding.
const (
	// MaxLc is the maximum data length (Nc) encodable on 1 byte.
	MaxLc = 255

	// MaxLe is the maximum expected response length (Ne).
	// 0x00 encodes 256.
	MaxLe = 256
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
	Le   int // expected response length, 0 means none, 256 encodes as 0x00
}

// New creates a command APDU.
func New(cla, ins, p1, p2 byte, data []byte, le int) *CommandAPDU {
	return &CommandAPDU{
		Cla:  cla,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
		Le:   le,
	}
}

// Bytes encodes the command into its C-APDU byte representation, selecting
// the ISO 7816-3 case (1 to 4) from the presence of Data and Le.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	if len(c.Data) > MaxLc {
		return nil, fmt.Errorf("data field too long: %d bytes, short Lc max is %d", len(c.Data), MaxLc)
	}
	if c.Le < 0 || c.Le > MaxLe {
		return nil, fmt.Errorf("invalid Le %d: short Le range is [0, %d]", c.Le, MaxLe)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(c.Cla)
	buf.WriteByte(c.Ins)
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	// Case 3/4: Lc + Data
	if len(c.Data) > 0 {
		buf.WriteByte(byte(len(c.Data)))
		buf.Write(c.Data)
	}

	// Case 2/4: Le (0x00 represents 256)
	if c.Le > 0 {
		if c.Le == MaxLe {
			buf.WriteByte(0x00)
		} else {
			buf.WriteByte(byte(c.Le))
		}
	}

	return buf.Bytes(), nil
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("CLA: %02X, INS: %02X, P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Cla, c.Ins, c.P1, c.P2, len(c.Data), c.Le)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponse parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least the 2 trailing status bytes.
func ParseResponse(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}

	trailer := len(raw) - 2
	return &ResponseAPDU{
		Data:   raw[:trailer],
		Status: NewStatusWord(raw[trailer], raw[trailer+1]),
	}, nil
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
