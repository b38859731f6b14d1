package calypso

import (
	"fmt"
	"strings"

	"github.com/cardkit/calypso/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// FCI / FCP parsing.
//
// The FCI (tag 6F) returned by the application selection carries the DF name
// (AID) and, under the proprietary template (A5 / BF0C), the application
// serial number (C7) and the discretionary data (53) whose first 7 bytes are
// the startup information resolved into a product profile.
//
// The FCP (tag 62) returned by Select File and Get Data carries the file
// proprietary information under tag 85, a 23-byte blob:
//
//	[0]     EF type (1 binary, 2 linear, 4 cyclic, 8 counters, 9 simulated)
//	[1]     RFU
//	[2..3]  record size (big endian; binary files use the full 16 bits)
//	[4]     record count
//	[5..8]  access conditions
//	[9..12] key indexes
//	[13]    DF status
//	[14]    SFI
//	[15..20] RFU
//	[21..22] LID (big endian)

// FCI represents the File Control Information of a Calypso application.
type FCI struct {
	DFName              []byte                 `tlv:"84"`
	ProprietaryTemplate FCIProprietaryTemplate `tlv:"A5"`
}

// FCIProprietaryTemplate contains the issuer data found in tag A5.
type FCIProprietaryTemplate struct {
	DiscretionaryData FCIDiscretionaryData `tlv:"BF0C"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FCIDiscretionaryData represents the Calypso discretionary template BF0C.
type FCIDiscretionaryData struct {
	SerialNumber      []byte `tlv:"C7"`
	DiscretionaryData []byte `tlv:"53"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// StartupInfoBytes returns the raw startup information (the first 7 bytes of
// the discretionary data).
func (f *FCI) StartupInfoBytes() []byte {
	return f.ProprietaryTemplate.DiscretionaryData.DiscretionaryData
}

// SerialNumber returns the application serial number.
func (f *FCI) SerialNumber() []byte {
	return f.ProprietaryTemplate.DiscretionaryData.SerialNumber
}

// ParseFCI interprets raw select-response data as a Calypso FCI.
func ParseFCI(data []byte) (*FCI, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty FCI data: %w", ErrCardResponse)
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("FCI decode failed (%v): %w", err, ErrCardResponse)
	}

	processing := packets
	if len(packets) > 0 && strings.EqualFold(packets[0].Tag, "6F") {
		processing = packets[0].TLVs
	}

	fci := &FCI{}
	if err := tlv.UnmarshalFromPackets(processing, fci); err != nil {
		return nil, fmt.Errorf("failed to map FCI structure: %w", err)
	}

	return fci, nil
}

// Describe renders the FCI for trace output.
func (f *FCI) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== CALYPSO FCI ===\n")
	fmt.Fprintf(&sb, "  DF Name: %s\n", tlv.FormatBytes(f.DFName))
	fmt.Fprintf(&sb, "  Serial:  %s\n", tlv.FormatBytes(f.SerialNumber()))
	fmt.Fprintf(&sb, "  Startup: %s", tlv.FormatBytes(f.StartupInfoBytes()))
	return sb.String()
}

const fcpProprietaryLength = 23

// ParseFCP interprets Select File / Get Data response data as a file header.
// It returns the SFI announced by the card alongside the header.
func ParseFCP(data []byte) (byte, *FileHeader, error) {
	raw, err := tlv.GetValue(data, 0x62)
	if err != nil {
		// Some revisions return the proprietary template directly.
		raw = data
	}

	info, err := tlv.GetValue(raw, 0x85)
	if err != nil {
		return 0, nil, fmt.Errorf("FCP proprietary information (tag 85) not found: %w", ErrCardResponse)
	}
	if len(info) < fcpProprietaryLength {
		return 0, nil, fmt.Errorf("FCP proprietary information requires %d bytes, got %d: %w",
			fcpProprietaryLength, len(info), ErrCardResponse)
	}

	fileType, err := efType(info[0])
	if err != nil {
		return 0, nil, err
	}

	header := &FileHeader{
		Type:        fileType,
		RecordSize:  int(uint16be(info[2:4])),
		RecordCount: int(info[4]),
		DfStatus:    info[13],
		Lid:         uint16be(info[21:23]),
	}
	copy(header.AccessConditions[:], info[5:9])
	copy(header.KeyIndexes[:], info[9:13])

	return info[14], header, nil
}

func efType(b byte) (FileType, error) {
	switch b {
	case 0x01:
		return FileTypeBinary, nil
	case 0x02:
		return FileTypeLinear, nil
	case 0x04:
		return FileTypeCyclic, nil
	case 0x08:
		return FileTypeCounters, nil
	case 0x09:
		return FileTypeSimulatedCounters, nil
	default:
		return 0, fmt.Errorf("unknown EF type %02X: %w", b, ErrCardResponse)
	}
}
