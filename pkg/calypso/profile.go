package calypso

import "fmt"

// Product profile resolution.
//
// The Calypso family spans several product lines (Prime revision 2 and 3,
// Light, Basic) that differ in command shapes, payload capacity, and which
// features exist at all. The profile is a closed variant resolved once from
// the startup information carried in the FCI, and consulted everywhere a
// behavior depends on the product: there is no revision check scattered in
// the command catalog itself.

// ProductType identifies the Calypso product line.
type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductPrimeRev2
	ProductPrimeRev3
	ProductLight
	ProductBasic
)

func (p ProductType) String() string {
	switch p {
	case ProductPrimeRev2:
		return "Prime rev. 2"
	case ProductPrimeRev3:
		return "Prime rev. 3"
	case ProductLight:
		return "Light"
	case ProductBasic:
		return "Basic"
	default:
		return "Unknown"
	}
}

// Class bytes used by the family. Prime revision 2 cards expect the legacy
// proprietary class on every command.
const (
	ClaISO    byte = 0x00
	ClaLegacy byte = 0x94
)

// Profile carries everything the engine needs to know about the product:
// class byte, payload capacity, and supported features.
type Profile struct {
	Type ProductType
	Cla  byte

	// PayloadCapacity is the maximum number of data bytes the card accepts
	// or produces per processing group, as advertised by the startup
	// information buffer size indicator.
	PayloadCapacity int

	ExtendedMode      bool // extended secure session support
	StoredValue       bool
	PinFeature        bool
	MultipleCounters  bool // Increase/Decrease Multiple commands
	RecordPartialRead bool // Read Record Multiple command
	RecordSearch      bool // Search Record Multiple command
}

// StartupInfo is the 7-byte product descriptor found in the FCI
// discretionary data (tag 53).
//
// Layout:
//
//	[0] buffer size indicator (payload capacity, geometric scale)
//	[1] platform
//	[2] application type (feature flags, see below)
//	[3] application subtype
//	[4] software issuer
//	[5] software version
//	[6] software revision
type StartupInfo struct {
	BufferSizeIndicator byte
	Platform            byte
	ApplicationType     byte
	ApplicationSubtype  byte
	SoftwareIssuer      byte
	SoftwareVersion     byte
	SoftwareRevision    byte
}

// Application type feature bits.
const (
	appTypeWithCalculator  = 0x01 // rev 3.2+ session features
	appTypeStoredValue     = 0x02
	appTypeRatifyDeselect  = 0x04 // ratification on deselect
	appTypeExtendedMode    = 0x08
	appTypePkiMode         = 0x10 // unused here, carried for completeness
	appTypeLightProduct    = 0x20
	appTypeBasicProduct    = 0x40
	appTypeLegacyRevision2 = 0x80
)

// ParseStartupInfo decodes the 7-byte startup information blob.
func ParseStartupInfo(data []byte) (StartupInfo, error) {
	if len(data) < 7 {
		return StartupInfo{}, fmt.Errorf("startup info requires 7 bytes, got %d: %w", len(data), ErrCardResponse)
	}
	return StartupInfo{
		BufferSizeIndicator: data[0],
		Platform:            data[1],
		ApplicationType:     data[2],
		ApplicationSubtype:  data[3],
		SoftwareIssuer:      data[4],
		SoftwareVersion:     data[5],
		SoftwareRevision:    data[6],
	}, nil
}

// ResolveProfile builds the product profile from the startup information.
func ResolveProfile(si StartupInfo) Profile {
	p := Profile{
		Type:            ProductPrimeRev3,
		Cla:             ClaISO,
		PayloadCapacity: bufferSize(si.BufferSizeIndicator),
	}

	switch {
	case si.ApplicationType&appTypeLegacyRevision2 != 0:
		p.Type = ProductPrimeRev2
		p.Cla = ClaLegacy
	case si.ApplicationType&appTypeLightProduct != 0:
		p.Type = ProductLight
	case si.ApplicationType&appTypeBasicProduct != 0:
		p.Type = ProductBasic
	}

	switch p.Type {
	case ProductPrimeRev3:
		p.ExtendedMode = si.ApplicationType&appTypeExtendedMode != 0
		p.StoredValue = si.ApplicationType&appTypeStoredValue != 0
		p.PinFeature = true
		p.MultipleCounters = true
		p.RecordPartialRead = true
		p.RecordSearch = true
	case ProductPrimeRev2:
		p.PinFeature = true
	case ProductLight:
		p.PinFeature = true
	case ProductBasic:
		// read/update records and sessions only
	}

	return p
}

// bufferSize maps the buffer size indicator to a byte capacity. The scale is
// geometric: each step multiplies the previous size by about 1.19 (2^0.25).
func bufferSize(indicator byte) int {
	if int(indicator) < len(bufferSizes) {
		return bufferSizes[indicator]
	}
	return bufferSizes[len(bufferSizes)-1]
}

var bufferSizes = [...]int{
	0, 0, 0, 0, 0, 0, 215, 256, 304, 362, 430, 512, 608, 724, 861, 1024,
	1217, 1448, 1722, 2048, 2435, 2896, 3444, 4096, 4870, 5792, 6888, 8192,
	9741, 11585, 13777, 16384,
}
