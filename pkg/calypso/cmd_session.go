package calypso

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// Secure session commands: Open Secure Session, Close Secure Session (whose
// empty-data variant aborts a session), and the ratification ping.

// WriteAccessLevel selects the session key and therefore what the session
// is allowed to modify.
type WriteAccessLevel int

const (
	WriteAccessPersonalization WriteAccessLevel = iota + 1
	WriteAccessLoad
	WriteAccessDebit
)

func (l WriteAccessLevel) String() string {
	switch l {
	case WriteAccessPersonalization:
		return "Personalization"
	case WriteAccessLoad:
		return "Load"
	case WriteAccessDebit:
		return "Debit"
	default:
		return fmt.Sprintf("WriteAccessLevel(%d)", int(l))
	}
}

// Open session P2 session-mode bits.
const (
	openModeRegular  byte = 0x01
	openModeExtended byte = 0x02
)

// openMergeMaxRecord is the highest record number the Open Secure Session
// P1 field can carry: the record occupies the 5 bits above the key index.
const openMergeMaxRecord = 31

// newOpenSessionAPDU builds the Open Secure Session command. P1 carries the
// record to read on opening (0 for none) and the key index; P2 carries the
// SFI and the session mode.
func newOpenSessionAPDU(profile Profile, level WriteAccessLevel, challenge []byte, sfi byte, record int, extended bool) *apdu.CommandAPDU {
	mode := openModeRegular
	if extended {
		mode = openModeExtended
	}
	p1 := byte(record)<<3 | byte(level)
	p2 := sfi<<3 | mode
	return apdu.New(profile.Cla, insOpenSession, p1, p2, challenge, apdu.MaxLe)
}

// openSessionResult is the parsed Open Secure Session response.
//
// Data-out layout:
//
//	[0..2] session transaction counter (big endian)
//	[3]    card challenge random byte
//	[4]    session flags: bit 1 set when the previous session was NOT
//	       ratified
//	[5]    KIF of the session key selected by the card
//	[6]    KVC of the session key
//	[7]    length of the record data read on opening
//	[8..]  record data
type openSessionResult struct {
	transactionCounter int
	previousRatified   bool
	kif, kvc           byte
	recordData         []byte
	dataOut            []byte
}

const openSessionHeaderLength = 8

func parseOpenSessionResponse(data []byte) (*openSessionResult, error) {
	if len(data) < openSessionHeaderLength {
		return nil, fmt.Errorf("open session response requires at least %d bytes, got %d: %w",
			openSessionHeaderLength, len(data), ErrCardResponse)
	}

	recordLen := int(data[7])
	if len(data) != openSessionHeaderLength+recordLen {
		return nil, fmt.Errorf("open session response announces %d record bytes in a %d-byte payload: %w",
			recordLen, len(data), ErrCardResponse)
	}

	return &openSessionResult{
		transactionCounter: int(uint24(data[0:3])),
		previousRatified:   data[4]&0x01 == 0,
		kif:                data[5],
		kvc:                data[6],
		recordData:         data[openSessionHeaderLength:],
		dataOut:            data,
	}, nil
}

// newCloseSessionAPDU builds the Close Secure Session command carrying the
// terminal signature. When ratificationAsked is set (P1 bit 8), the card
// ratifies immediately instead of waiting for a following exchange.
func newCloseSessionAPDU(profile Profile, terminalMac []byte, ratificationAsked bool) *apdu.CommandAPDU {
	var p1 byte
	if ratificationAsked {
		p1 = 0x80
	}
	return apdu.New(profile.Cla, insCloseSession, p1, 0x00, terminalMac, apdu.MaxLe)
}

// newAbortSessionCommand builds the Close Secure Session variant with no
// signature, which cancels the session. 6985 ("no session open") is
// accepted so that aborting a card left desynchronized by a prior failure
// resets it without failing the caller.
func newAbortSessionCommand(profile Profile) *cardCommand {
	return &cardCommand{
		name:     "Abort Secure Session",
		apdu:     apdu.New(profile.Cla, insCloseSession, 0x00, 0x00, nil, 0),
		accepted: []apdu.StatusWord{apdu.SWAccessForbidden},
	}
}

// newRatificationCommand builds the best-effort ratification ping sent after
// a close that did not ask for immediate ratification. The card answers it
// with a harmless error status; 6B00 and 6700 are the expected outcomes.
func newRatificationCommand(profile Profile) *cardCommand {
	return &cardCommand{
		name:     "Ratification",
		apdu:     apdu.New(profile.Cla, insReadRecords, 0x00, 0x00, nil, apdu.MaxLe),
		accepted: []apdu.StatusWord{apdu.SWWrongP1P2Func, apdu.SWWrongLength},
	}
}
