package apdu

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/bits"
)

// Status Word interpretation.
//
// Most Status Words (SW) are static 2-byte values (e.g. 0x9000), but ISO
// 7816-4 defines ranges where the value is dynamic and carries context:
//
// 1. '61XX' (SW1=0x61): process completed, XX extra bytes available
//    (retrieved with GET RESPONSE).
//
// 2. '6CXX' (SW1=0x6C): wrong length, XX is the correct Le.
//
// 3. '63CX' (SW1=0x63, upper nibble of SW2 = 'C'): warning with a counter in
//    the lower nibble. Calypso cards use it to report remaining PIN
//    presentation attempts.
//
// Which non-9000 values are acceptable is a per-command property (a search
// may legitimately end on 6200, a ratification ping on 6B00); this package
// only classifies, the caller decides acceptance.

// StatusWord represents the two-byte status (SW1 SW2) trailing every response.
type StatusWord uint16

// NewStatusWord assembles a StatusWord from its two bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the high byte of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the low byte of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsSuccess returns true for 9000.
func (sw StatusWord) IsSuccess() bool {
	return sw == SWNoError
}

// IsCounter reports whether the status carries a retry counter (63CX).
func (sw StatusWord) IsCounter() bool {
	if sw.SW1() != 0x63 {
		return false
	}
	return bits.GetRange(sw.SW2(), 8, 5) == 0x0C
}

// Counter returns the counter value of a 63CX status word.
func (sw StatusWord) Counter() int {
	return int(bits.GetRange(sw.SW2(), 4, 1))
}

// IsMoreData reports a 61XX status; SW2 is the number of bytes available.
func (sw StatusWord) IsMoreData() bool {
	return sw.SW1() == 0x61
}

// IsWrongLe reports a 6CXX status; SW2 is the correct Le to use.
func (sw StatusWord) IsWrongLe() bool {
	return sw.SW1() == 0x6C
}

// Verbose returns a human-readable description of the status word.
func (sw StatusWord) Verbose() string {
	switch {
	case sw.IsCounter():
		return fmt.Sprintf("[%04X] Warning: counter = %d", uint16(sw), sw.Counter())
	case sw.IsMoreData():
		return fmt.Sprintf("[%04X] Process completed, %d bytes available", uint16(sw), sw.SW2())
	case sw.IsWrongLe():
		return fmt.Sprintf("[%04X] Wrong length, correct Le is %d", uint16(sw), sw.SW2())
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), sw.describe())
}

func (sw StatusWord) describe() string {
	if desc, ok := statusDescriptions[sw]; ok {
		return desc
	}

	switch sw.SW1() {
	case 0x62:
		return "Warning: NV memory unchanged"
	case 0x63:
		return "Warning: NV memory changed"
	case 0x64:
		return "Execution error: NV memory unchanged"
	case 0x65:
		return "Execution error: NV memory changed"
	case 0x66:
		return "Execution error: security issue"
	case 0x68:
		return "Checking error: function not supported"
	case 0x69:
		return "Checking error: command not allowed"
	case 0x6A:
		return "Checking error: wrong parameters"
	default:
		return "Unknown status"
	}
}

// Status Word values returned by Calypso family cards.
const (
	SWNoError StatusWord = 0x9000

	SWDataEnd           StatusWord = 0x6200 // end of file / no matching record (soft for search)
	SWFileInvalidated   StatusWord = 0x6283
	SWWrongLength       StatusWord = 0x6700
	SWSecurityNotOK     StatusWord = 0x6982
	SWPinBlocked        StatusWord = 0x6983
	SWAccessForbidden   StatusWord = 0x6985
	SWCommandNotAllowed StatusWord = 0x6986
	SWWrongSignature    StatusWord = 0x6988
	SWIncorrectData     StatusWord = 0x6A80
	SWFileNotFound      StatusWord = 0x6A82
	SWRecordNotFound    StatusWord = 0x6A83
	SWWrongP1P2         StatusWord = 0x6A86
	SWRefDataNotFound   StatusWord = 0x6A88
	SWWrongP1P2Func     StatusWord = 0x6B00
	SWInsNotSupported   StatusWord = 0x6D00
	SWClaNotSupported   StatusWord = 0x6E00
)

var statusDescriptions = map[StatusWord]string{
	SWNoError:           "Success",
	SWDataEnd:           "End of data reached before Le bytes",
	SWFileInvalidated:   "Selected file invalidated",
	SWWrongLength:       "Wrong length (Lc or Le)",
	SWSecurityNotOK:     "Security conditions not satisfied",
	SWPinBlocked:        "PIN blocked (presentations rejected)",
	SWAccessForbidden:   "Access forbidden / no current session",
	SWCommandNotAllowed: "Command not allowed in this context",
	SWWrongSignature:    "Incorrect signature / MAC",
	SWIncorrectData:     "Incorrect data in command field",
	SWFileNotFound:      "File not found",
	SWRecordNotFound:    "Record not found",
	SWWrongP1P2:         "Incorrect P1 or P2",
	SWRefDataNotFound:   "Referenced data not found",
	SWWrongP1P2Func:     "Wrong P1 P2 for this function",
	SWInsNotSupported:   "Instruction not supported",
	SWClaNotSupported:   "Class not supported",
}
