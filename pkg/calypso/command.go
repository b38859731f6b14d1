package calypso

import (
	"github.com/cardkit/calypso/pkg/apdu"
)

// Command catalog plumbing.
//
// Every supported card operation is a pure encode/decode pair: parameters
// are validated when the command descriptor is built (before any exchange),
// and the decode closure mutates the card image from the response. The
// descriptors are queued in preparation order and consumed by the batcher.

// Calypso instruction bytes.
const (
	insSelectFile       byte = 0xA4
	insGetData          byte = 0xCA
	insReadRecords      byte = 0xB2
	insReadRecordsPart  byte = 0xB3
	insSearchRecords    byte = 0xA2
	insReadBinary       byte = 0xB0
	insUpdateBinary     byte = 0xD6
	insWriteBinary      byte = 0xD0
	insUpdateRecord     byte = 0xDC
	insWriteRecord      byte = 0xD2
	insAppendRecord     byte = 0xE2
	insIncrease         byte = 0x32
	insDecrease         byte = 0x30
	insIncreaseMultiple byte = 0x3A
	insDecreaseMultiple byte = 0x38
	insGetChallenge     byte = 0x84
	insVerifyPin        byte = 0x20
	insChangePinKey     byte = 0xD8
	insOpenSession      byte = 0x8A
	insCloseSession     byte = 0x8E
	insInvalidate       byte = 0x04
	insRehabilitate     byte = 0x44
	insSvGet            byte = 0x7C
	insSvReload         byte = 0xB8
	insSvDebit          byte = 0xBA
)

// Range limits of command parameters.
const (
	maxSfi          = 30
	minRecord       = 1
	maxRecord       = 250
	maxRecordOffset = 249
	maxBinaryOffset = 32767
	maxCounter      = 83
	binaryShortMax  = 255 // highest offset addressable with a non-zero SFI
)

// commandKind tags the descriptors the coordinator needs to recognize.
type commandKind int

const (
	kindGeneric commandKind = iota
	kindReadRecord // single-record read, eligible for the open-session merge
	kindGetChallenge
	kindVerifyPin
	kindSvGet
	kindSvOperation
)

// cardCommand is one prepared operation: either a ready APDU or a deferred
// build closure for commands whose bytes depend on an earlier response in
// the same processing unit (ciphered PIN, SV operations, key change).
type cardCommand struct {
	name string
	kind commandKind

	sfi    byte
	record int

	apdu  *apdu.CommandAPDU
	build func() (*apdu.CommandAPDU, error)

	// accepted lists the "soft" status words tolerated besides 9000; the
	// acceptance set is per-command configuration, not a global constant.
	accepted      []apdu.StatusWord
	acceptCounter bool // additionally accept 63CX counter statuses

	decode func(resp *apdu.ResponseAPDU) error
}

// commandAPDU resolves the APDU, running the deferred build when present.
func (cc *cardCommand) commandAPDU() (*apdu.CommandAPDU, error) {
	if cc.build != nil {
		return cc.build()
	}
	return cc.apdu, nil
}

// deferred reports whether the APDU bytes depend on earlier responses.
func (cc *cardCommand) deferred() bool {
	return cc.build != nil
}

// bodyLen returns the command data length used for group budgeting, or 0
// for deferred commands (they are batched alone).
func (cc *cardCommand) bodyLen() int {
	if cc.apdu == nil {
		return 0
	}
	return len(cc.apdu.Data)
}

func (cc *cardCommand) accepts(sw apdu.StatusWord) bool {
	if sw == apdu.SWNoError {
		return true
	}
	if cc.acceptCounter && sw.IsCounter() {
		return true
	}
	for _, s := range cc.accepted {
		if sw == s {
			return true
		}
	}
	return false
}

func checkSfi(sfi byte) error {
	if sfi > maxSfi {
		return paramErrorf("SFI %d out of range [0, %d]", sfi, maxSfi)
	}
	return nil
}

func checkRecord(record int) error {
	if record < minRecord || record > maxRecord {
		return paramErrorf("record number %d out of range [%d, %d]", record, minRecord, maxRecord)
	}
	return nil
}

func checkBinaryOffset(offset int) error {
	if offset < 0 || offset > maxBinaryOffset {
		return paramErrorf("binary offset %d out of range [0, %d]", offset, maxBinaryOffset)
	}
	return nil
}

func checkCounter(counter int) error {
	if counter < 0 || counter > maxCounter {
		return paramErrorf("counter number %d out of range [0, %d]", counter, maxCounter)
	}
	return nil
}

func checkCounterValue(value int) error {
	if value < 0 || value > maxUint24 {
		return paramErrorf("counter value %d out of range [0, %d]", value, maxUint24)
	}
	return nil
}

// recordsP2 builds the P2 of record-oriented commands: SFI on bits 8-4,
// addressing mode on bits 3-1 (100 = one record by number, 101 = all
// records from P1).
func recordsP2(sfi byte, mode byte) byte {
	return sfi<<3 | mode
}

const (
	modeOneRecord   byte = 0x04
	modeFromRecord  byte = 0x05
	modeSearchFrom  byte = 0x07
	recordEntrySize      = 2 // per-record overhead in multi-record responses
)
