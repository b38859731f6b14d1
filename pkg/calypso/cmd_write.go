package calypso

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// Write-side commands: Update/Write/Append Record, Update/Write Binary.
//
// UPDATE replaces content; WRITE performs the card's bitwise OR with the
// current content (write-once semantics). The image mirrors both.

func newUpdateRecordCommand(card *Card, sfi byte, record int, data []byte) *cardCommand {
	return &cardCommand{
		name: fmt.Sprintf("Update Record (SFI %02Xh, rec %d)", sfi, record),
		sfi:  sfi,
		apdu: apdu.New(card.profile.Cla, insUpdateRecord, byte(record), recordsP2(sfi, modeOneRecord), data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.fileForSfi(sfi).setRecord(record, data)
			return nil
		},
	}
}

func newWriteRecordCommand(card *Card, sfi byte, record int, data []byte) *cardCommand {
	return &cardCommand{
		name: fmt.Sprintf("Write Record (SFI %02Xh, rec %d)", sfi, record),
		sfi:  sfi,
		apdu: apdu.New(card.profile.Cla, insWriteRecord, byte(record), recordsP2(sfi, modeOneRecord), data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.fileForSfi(sfi).orRecord(record, data)
			return nil
		},
	}
}

func newAppendRecordCommand(card *Card, sfi byte, data []byte) *cardCommand {
	return &cardCommand{
		name: fmt.Sprintf("Append Record (SFI %02Xh)", sfi),
		sfi:  sfi,
		apdu: apdu.New(card.profile.Cla, insAppendRecord, 0x00, sfi<<3, data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.fileForSfi(sfi).appendCyclic(data)
			return nil
		},
	}
}

func newUpdateBinaryCommand(card *Card, imageSfi, cmdSfi byte, offset int, data []byte) *cardCommand {
	p1, p2 := binaryAddress(cmdSfi, offset)
	return &cardCommand{
		name: fmt.Sprintf("Update Binary (SFI %02Xh, offset %d)", imageSfi, offset),
		sfi:  imageSfi,
		apdu: apdu.New(card.profile.Cla, insUpdateBinary, p1, p2, data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.fileForSfi(imageSfi).fillRecord(1, offset, data)
			return nil
		},
	}
}

func newWriteBinaryCommand(card *Card, imageSfi, cmdSfi byte, offset int, data []byte) *cardCommand {
	p1, p2 := binaryAddress(cmdSfi, offset)
	return &cardCommand{
		name: fmt.Sprintf("Write Binary (SFI %02Xh, offset %d)", imageSfi, offset),
		sfi:  imageSfi,
		apdu: apdu.New(card.profile.Cla, insWriteBinary, p1, p2, data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.fileForSfi(imageSfi).orRecord1(offset, data)
			return nil
		},
	}
}
