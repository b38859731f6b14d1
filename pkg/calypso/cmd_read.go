package calypso

import (
	"bytes"
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// Read-side commands: Read Records, Read Records Partially, Read Binary,
// Search Record Multiple.

// newReadRecordsCommand reads `count` consecutive records starting at
// `first`. A single record uses the dedicated one-record mode (P2 mode 100)
// so its response is the bare record content; spans use mode 101 and a
// response of (number, length, content) entries.
func newReadRecordsCommand(card *Card, sfi byte, first, count, recordSize int) *cardCommand {
	var p2, le int
	name := fmt.Sprintf("Read Records (SFI %02Xh, rec %d..%d)", sfi, first, first+count-1)

	cmd := &cardCommand{name: name, sfi: sfi, record: first}

	if count == 1 {
		p2 = int(recordsP2(sfi, modeOneRecord))
		le = recordSize
		if le == 0 {
			le = apdu.MaxLe
		}
		cmd.kind = kindReadRecord
		cmd.decode = func(resp *apdu.ResponseAPDU) error {
			card.fileForSfi(sfi).setRecord(first, resp.Data)
			return nil
		}
	} else {
		p2 = int(recordsP2(sfi, modeFromRecord))
		le = count * (recordSize + recordEntrySize)
		cmd.decode = func(resp *apdu.ResponseAPDU) error {
			return decodeRecordEntries(card.fileForSfi(sfi), resp.Data)
		}
	}

	cmd.apdu = apdu.New(card.profile.Cla, insReadRecords, byte(first), byte(p2), nil, le)
	return cmd
}

// decodeRecordEntries parses a multi-record response: repeated entries of
// record number (1), length (1), content.
func decodeRecordEntries(f *File, data []byte) error {
	for i := 0; i < len(data); {
		if i+recordEntrySize > len(data) {
			return fmt.Errorf("truncated record entry header at %d: %w", i, ErrCardResponse)
		}
		number := int(data[i])
		length := int(data[i+1])
		i += recordEntrySize
		if i+length > len(data) {
			return fmt.Errorf("record %d entry truncated: %w", number, ErrCardResponse)
		}
		f.setRecord(number, data[i:i+length])
		i += length
	}
	return nil
}

// newReadRecordsPartiallyCommand reads `length` bytes at `offset` from each
// of `count` records starting at `first`. The data field is the offset
// descriptor TLV (tag 54).
func newReadRecordsPartiallyCommand(card *Card, sfi byte, first, count, offset, length int) *cardCommand {
	data := []byte{0x54, 0x02, byte(offset), byte(length)}
	le := count * (length + recordEntrySize)

	return &cardCommand{
		name: fmt.Sprintf("Read Records Partially (SFI %02Xh, rec %d..%d)", sfi, first, first+count-1),
		sfi:  sfi,
		apdu: apdu.New(card.profile.Cla, insReadRecordsPart, byte(first), recordsP2(sfi, modeFromRecord), data, le),
		decode: func(resp *apdu.ResponseAPDU) error {
			return decodePartialEntries(card.fileForSfi(sfi), offset, resp.Data)
		},
	}
}

func decodePartialEntries(f *File, offset int, data []byte) error {
	for i := 0; i < len(data); {
		if i+recordEntrySize > len(data) {
			return fmt.Errorf("truncated partial record entry at %d: %w", i, ErrCardResponse)
		}
		number := int(data[i])
		length := int(data[i+1])
		i += recordEntrySize
		if i+length > len(data) {
			return fmt.Errorf("partial record %d entry truncated: %w", number, ErrCardResponse)
		}
		f.fillRecord(number, offset, data[i:i+length])
		i += length
	}
	return nil
}

// newReadBinaryCommand reads `length` bytes at `offset`. Addressing follows
// the ISO split: offsets up to 255 carry the SFI in P1 (bit 8 set); larger
// offsets use the full 15 bits of P1 P2 and require SFI 0, the file having
// been pinned as current beforehand.
func newReadBinaryCommand(card *Card, imageSfi, cmdSfi byte, offset, length int) *cardCommand {
	p1, p2 := binaryAddress(cmdSfi, offset)

	return &cardCommand{
		name: fmt.Sprintf("Read Binary (SFI %02Xh, offset %d)", imageSfi, offset),
		sfi:  imageSfi,
		apdu: apdu.New(card.profile.Cla, insReadBinary, p1, p2, nil, length),
		decode: func(resp *apdu.ResponseAPDU) error {
			card.fileForSfi(imageSfi).fillRecord(1, offset, resp.Data)
			return nil
		},
	}
}

// binaryAddress encodes the P1 P2 pair of a binary command.
func binaryAddress(sfi byte, offset int) (byte, byte) {
	if sfi > 0 {
		return 0x80 | sfi, byte(offset)
	}
	return byte(offset >> 8), byte(offset)
}

// SearchRecordsRequest describes a Search Record Multiple operation.
// MatchingRecords is filled with the matching record numbers when the
// response is decoded.
type SearchRecordsRequest struct {
	Sfi         byte
	StartRecord int
	Offset      int

	// RepeatedOffset applies Offset to every comparison instead of only
	// the first one.
	RepeatedOffset bool

	// FetchFirstMatch asks the card to return the content of the first
	// matching record, which is merged into the card image.
	FetchFirstMatch bool

	SearchData []byte

	// Mask selects the compared bits; when shorter than SearchData it is
	// right-padded with FF bytes. Nil means compare everything.
	Mask []byte

	MatchingRecords []int
}

// Search data field flag bits.
const (
	searchFlagRepeatedOffset byte = 0x01
	searchFlagFetchFirst     byte = 0x02
)

// newSearchRecordsCommand encodes a Search Record Multiple. The data field
// is offset (1), flags (1), search data, then the mask extended to the
// search data length. The 6200 status ("no more matches") is accepted.
func newSearchRecordsCommand(card *Card, req *SearchRecordsRequest) (*cardCommand, error) {
	if err := checkSfi(req.Sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(req.StartRecord); err != nil {
		return nil, err
	}
	if req.Offset < 0 || req.Offset > maxRecordOffset {
		return nil, paramErrorf("search offset %d out of range [0, %d]", req.Offset, maxRecordOffset)
	}
	if len(req.SearchData) < 1 || len(req.SearchData) > maxRecord-req.Offset {
		return nil, paramErrorf("search data length %d out of range [1, %d]", len(req.SearchData), maxRecord-req.Offset)
	}
	if len(req.Mask) > len(req.SearchData) {
		return nil, paramErrorf("mask length %d exceeds search data length %d", len(req.Mask), len(req.SearchData))
	}

	var flags byte
	if req.RepeatedOffset {
		flags |= searchFlagRepeatedOffset
	}
	if req.FetchFirstMatch {
		flags |= searchFlagFetchFirst
	}

	data := make([]byte, 0, 2+2*len(req.SearchData))
	data = append(data, byte(req.Offset), flags)
	data = append(data, req.SearchData...)
	data = append(data, paddedMask(req.Mask, len(req.SearchData))...)

	return &cardCommand{
		name:     fmt.Sprintf("Search Records (SFI %02Xh)", req.Sfi),
		sfi:      req.Sfi,
		apdu:     apdu.New(card.profile.Cla, insSearchRecords, byte(req.StartRecord), recordsP2(req.Sfi, modeSearchFrom), data, apdu.MaxLe),
		accepted: []apdu.StatusWord{apdu.SWDataEnd},
		decode: func(resp *apdu.ResponseAPDU) error {
			return decodeSearchResponse(card, req, resp.Data)
		},
	}, nil
}

// paddedMask right-pads mask with FF bytes up to length. A nil mask is
// equivalent to an all-FF mask.
func paddedMask(mask []byte, length int) []byte {
	out := bytes.Repeat([]byte{0xFF}, length)
	copy(out, mask)
	return out
}

// decodeSearchResponse parses a search response: match count (1), matching
// record numbers, then the fetched first record content when requested.
func decodeSearchResponse(card *Card, req *SearchRecordsRequest, data []byte) error {
	if len(data) == 0 {
		req.MatchingRecords = nil
		return nil
	}

	count := int(data[0])
	if len(data) < 1+count {
		return fmt.Errorf("search response announces %d matches in %d bytes: %w", count, len(data), ErrCardResponse)
	}

	req.MatchingRecords = make([]int, 0, count)
	for _, n := range data[1 : 1+count] {
		req.MatchingRecords = append(req.MatchingRecords, int(n))
	}

	if req.FetchFirstMatch && count > 0 {
		card.fileForSfi(req.Sfi).setRecord(req.MatchingRecords[0], data[1+count:])
	}
	return nil
}
