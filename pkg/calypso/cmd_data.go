package calypso

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
	"github.com/cardkit/calypso/pkg/tlv"
)

// File system and management commands: Select File, Get Data, Get Challenge,
// Invalidate, Rehabilitate.

// GetDataTag identifies the data object retrieved by a Get Data command.
type GetDataTag uint16

const (
	TagFcpForCurrentFile       GetDataTag = 0x0062
	TagFciForCurrentDf         GetDataTag = 0x006F
	TagEfList                  GetDataTag = 0x00C0
	TagTraceabilityInformation GetDataTag = 0x0185
)

func (t GetDataTag) String() string {
	switch t {
	case TagFcpForCurrentFile:
		return "FCP for current file"
	case TagFciForCurrentDf:
		return "FCI for current DF"
	case TagEfList:
		return "EF list"
	case TagTraceabilityInformation:
		return "Traceability information"
	default:
		return fmt.Sprintf("GetDataTag(%04X)", uint16(t))
	}
}

// newSelectFileCommand selects a file by LID; the FCP response resolves the
// file header into the image.
func newSelectFileCommand(card *Card, lid uint16) *cardCommand {
	data := []byte{byte(lid >> 8), byte(lid)}
	return &cardCommand{
		name: fmt.Sprintf("Select File (LID %04Xh)", lid),
		apdu: apdu.New(card.profile.Cla, insSelectFile, 0x00, 0x00, data, apdu.MaxLe),
		decode: func(resp *apdu.ResponseAPDU) error {
			sfi, header, err := ParseFCP(resp.Data)
			if err != nil {
				return err
			}
			card.setFileHeader(sfi, header)
			return nil
		},
	}
}

func newGetDataCommand(card *Card, tag GetDataTag) *cardCommand {
	cc := &cardCommand{
		name: fmt.Sprintf("Get Data (%s)", tag),
		apdu: apdu.New(card.profile.Cla, insGetData, byte(tag>>8), byte(tag), nil, apdu.MaxLe),
	}

	switch tag {
	case TagFcpForCurrentFile:
		cc.decode = func(resp *apdu.ResponseAPDU) error {
			sfi, header, err := ParseFCP(resp.Data)
			if err != nil {
				return err
			}
			card.setFileHeader(sfi, header)
			return nil
		}
	case TagFciForCurrentDf:
		cc.decode = func(resp *apdu.ResponseAPDU) error {
			fci, err := ParseFCI(resp.Data)
			if err != nil {
				return err
			}
			card.aid = fci.DFName
			card.serial = fci.SerialNumber()
			return nil
		}
	case TagEfList:
		cc.decode = func(resp *apdu.ResponseAPDU) error {
			return decodeEfList(card, resp.Data)
		}
	case TagTraceabilityInformation:
		cc.decode = func(resp *apdu.ResponseAPDU) error {
			card.traceability = append([]byte(nil), resp.Data...)
			return nil
		}
	}

	return cc
}

// efListEntrySize is one descriptor of the EF list data object: LID (2),
// SFI (1), EF type (1), record size (1), record count (1).
const efListEntrySize = 6

func decodeEfList(card *Card, data []byte) error {
	entries, err := tlv.GetValue(data, 0xC0)
	if err != nil {
		return fmt.Errorf("EF list data object (tag C0) not found: %w", ErrCardResponse)
	}
	if len(entries)%efListEntrySize != 0 {
		return fmt.Errorf("EF list length %d not a multiple of %d: %w", len(entries), efListEntrySize, ErrCardResponse)
	}

	for i := 0; i < len(entries); i += efListEntrySize {
		e := entries[i : i+efListEntrySize]
		fileType, err := efType(e[3])
		if err != nil {
			return err
		}
		card.setFileHeader(e[2], &FileHeader{
			Lid:         uint16be(e[0:2]),
			Type:        fileType,
			RecordSize:  int(e[4]),
			RecordCount: int(e[5]),
		})
	}
	return nil
}

func newGetChallengeCommand(card *Card) *cardCommand {
	return &cardCommand{
		name: "Get Challenge",
		kind: kindGetChallenge,
		apdu: apdu.New(card.profile.Cla, insGetChallenge, 0x00, 0x00, nil, challengeLength),
		decode: func(resp *apdu.ResponseAPDU) error {
			if len(resp.Data) != challengeLength {
				return fmt.Errorf("challenge requires %d bytes, got %d: %w", challengeLength, len(resp.Data), ErrCardResponse)
			}
			card.challenge = append([]byte(nil), resp.Data...)
			return nil
		},
	}
}

// challengeLength is the card challenge size used by PIN and key management.
const challengeLength = 8

func newInvalidateCommand(card *Card, invalidate bool) *cardCommand {
	ins, name := insRehabilitate, "Rehabilitate"
	if invalidate {
		ins, name = insInvalidate, "Invalidate"
	}
	return &cardCommand{
		name: name,
		apdu: apdu.New(card.profile.Cla, ins, 0x00, 0x00, nil, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.dfInvalidated = invalidate
			return nil
		},
	}
}
