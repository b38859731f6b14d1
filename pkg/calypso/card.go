package calypso

// Card is the in-memory image of one Calypso application: product profile,
// identification data from the FCI, the file system content seen so far,
// stored value state, and the context of the secure session in progress.
//
// The image is created when the application's FCI is parsed (selection
// itself happens outside this package) and lives for one logical card
// session. It is mutated exclusively by response decoding; it must not be
// shared across concurrent transaction managers.
type Card struct {
	profile Profile
	aid     []byte
	serial  []byte
	startup StartupInfo

	filesBySfi map[byte]*File
	filesByLid map[uint16]*File

	traceability  []byte
	dfInvalidated bool

	sv          *StoredValue
	pinAttempts int // -1 when never checked

	challenge []byte // last card challenge (PIN / key management)
	preOpen   *preOpenContext
}

// NewCard builds a card image from a parsed FCI.
func NewCard(fci *FCI) (*Card, error) {
	si, err := ParseStartupInfo(fci.StartupInfoBytes())
	if err != nil {
		return nil, err
	}
	c := newCard(ResolveProfile(si))
	c.aid = fci.DFName
	c.serial = fci.SerialNumber()
	c.startup = si
	return c, nil
}

// NewCardFromProfile builds an empty card image with an explicit profile.
// It is meant for tests and for hosts that resolve the product out of band.
func NewCardFromProfile(profile Profile) *Card {
	return newCard(profile)
}

func newCard(profile Profile) *Card {
	return &Card{
		profile:     profile,
		filesBySfi:  make(map[byte]*File),
		filesByLid:  make(map[uint16]*File),
		pinAttempts: -1,
	}
}

// Profile returns the resolved product profile.
func (c *Card) Profile() Profile {
	return c.profile
}

// Aid returns the application identifier (DF name) from the FCI.
func (c *Card) Aid() []byte {
	return c.aid
}

// SerialNumber returns the application serial number from the FCI.
func (c *Card) SerialNumber() []byte {
	return c.serial
}

// StartupInfo returns the raw startup information fields.
func (c *Card) StartupInfo() StartupInfo {
	return c.startup
}

// TraceabilityInformation returns the blob retrieved by Get Data, or nil.
func (c *Card) TraceabilityInformation() []byte {
	return c.traceability
}

// IsDfInvalidated reports whether the application is currently invalidated.
func (c *Card) IsDfInvalidated() bool {
	return c.dfInvalidated
}

// PinAttemptsRemaining returns the remaining PIN presentation attempts, and
// whether a PIN status has ever been observed.
func (c *Card) PinAttemptsRemaining() (int, bool) {
	if c.pinAttempts < 0 {
		return 0, false
	}
	return c.pinAttempts, true
}

// StoredValue returns the stored value state, or nil before any SV Get.
func (c *Card) StoredValue() *StoredValue {
	return c.sv
}

// FileBySfi returns the file image with the given SFI, or nil.
func (c *Card) FileBySfi(sfi byte) *File {
	return c.filesBySfi[sfi]
}

// FileByLid returns the file image with the given LID, or nil.
func (c *Card) FileByLid(lid uint16) *File {
	return c.filesByLid[lid]
}

// Files returns every file currently present in the image.
func (c *Card) Files() []*File {
	files := make([]*File, 0, len(c.filesBySfi))
	for _, f := range c.filesBySfi {
		files = append(files, f)
	}
	return files
}

// fileForSfi returns the file image for sfi, creating it on first touch.
// SFI 0 ("current file") aliases the most specific file is not tracked:
// commands addressing SFI 0 after a select are decoded against the selected
// file's image by the command closures themselves.
func (c *Card) fileForSfi(sfi byte) *File {
	f, ok := c.filesBySfi[sfi]
	if !ok {
		f = newFile(sfi)
		c.filesBySfi[sfi] = f
	}
	return f
}

// setFileHeader attaches a resolved header to the file with the given SFI
// and keeps the LID index consistent.
func (c *Card) setFileHeader(sfi byte, header *FileHeader) {
	f := c.fileForSfi(sfi)
	if f.header != nil && f.header.Lid != header.Lid {
		delete(c.filesByLid, f.header.Lid)
	}
	f.header = header
	c.filesByLid[header.Lid] = f
}

// StorePreOpenContext records the anticipated open-session data-out computed
// ahead of time for the given write access level. The session coordinator
// consumes it to hide the crypto module latency on opening.
func (c *Card) StorePreOpenContext(level WriteAccessLevel, dataOut []byte) {
	stored := make([]byte, len(dataOut))
	copy(stored, dataOut)
	c.preOpen = &preOpenContext{level: level, dataOut: stored}
}

type preOpenContext struct {
	level   WriteAccessLevel
	dataOut []byte
}
