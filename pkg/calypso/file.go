package calypso

import (
	"fmt"
	"sort"
)

// In-memory image of one elementary file.
//
// A file is known by its SFI (short file identifier, 5 bits) and, once its
// header has been resolved, by its 2-byte LID. Record content accumulates as
// read, search, and update responses are decoded; the image never invents
// bytes it has not seen, except where a write operation's own payload
// determines them.

// FileType is the elementary file structure type.
type FileType int

const (
	FileTypeLinear FileType = iota + 1
	FileTypeBinary
	FileTypeCyclic
	FileTypeCounters
	FileTypeSimulatedCounters
)

func (t FileType) String() string {
	switch t {
	case FileTypeLinear:
		return "Linear"
	case FileTypeBinary:
		return "Binary"
	case FileTypeCyclic:
		return "Cyclic"
	case FileTypeCounters:
		return "Counters"
	case FileTypeSimulatedCounters:
		return "SimulatedCounters"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// FileHeader carries the structural attributes of a file, as resolved from a
// Select File or Get Data (FCP) response.
type FileHeader struct {
	Lid              uint16
	Type             FileType
	RecordSize       int
	RecordCount      int
	AccessConditions [4]byte
	KeyIndexes       [4]byte
	DfStatus         byte
}

// File is the addressable unit of the card image: a header (optional until
// resolved) plus the raw per-record content seen so far.
type File struct {
	sfi     byte
	header  *FileHeader
	records map[int][]byte
}

func newFile(sfi byte) *File {
	return &File{sfi: sfi, records: make(map[int][]byte)}
}

// Sfi returns the short file identifier.
func (f *File) Sfi() byte {
	return f.sfi
}

// Header returns the file header, or nil when not yet resolved.
func (f *File) Header() *FileHeader {
	return f.header
}

// Record returns a copy of the content of record n (1-based).
func (f *File) Record(n int) ([]byte, bool) {
	data, ok := f.records[n]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// RecordNumbers returns the numbers of the records present in the image, in
// ascending order.
func (f *File) RecordNumbers() []int {
	nums := make([]int, 0, len(f.records))
	for n := range f.records {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// setRecord replaces the content of record n.
func (f *File) setRecord(n int, data []byte) {
	content := make([]byte, len(data))
	copy(content, data)
	f.records[n] = content
}

// fillRecord merges data into record n at the given offset, growing the
// record as needed. Bytes outside the written span are preserved.
func (f *File) fillRecord(n int, offset int, data []byte) {
	current := f.records[n]
	needed := offset + len(data)
	if len(current) < needed {
		grown := make([]byte, needed)
		copy(grown, current)
		current = grown
	}
	copy(current[offset:], data)
	f.records[n] = current
}

// orRecord merges data into record n with the write-once rule: the card ORs
// the written bytes with the current content.
func (f *File) orRecord(n int, data []byte) {
	f.orAt(n, 0, data)
}

// orRecord1 ORs data at the given offset of record 1 (binary files).
func (f *File) orRecord1(offset int, data []byte) {
	f.orAt(1, offset, data)
}

func (f *File) orAt(n, offset int, data []byte) {
	current := f.records[n]
	needed := offset + len(data)
	if len(current) < needed {
		grown := make([]byte, needed)
		copy(grown, current)
		current = grown
	}
	for i, b := range data {
		current[offset+i] |= b
	}
	f.records[n] = current
}

// appendCyclic inserts data as the new record 1 of a cyclic file, shifting
// every known record down by one. The record falling off the end (past the
// declared record count, when known) is discarded.
func (f *File) appendCyclic(data []byte) {
	shifted := make(map[int][]byte, len(f.records)+1)
	limit := 0
	if f.header != nil {
		limit = f.header.RecordCount
	}
	for n, content := range f.records {
		if limit > 0 && n+1 > limit {
			continue
		}
		shifted[n+1] = content
	}
	f.records = shifted
	f.setRecord(1, data)
}

// Counter returns the value of counter n (0 to 83) from the derived counters
// view: 3-byte big-endian values stored consecutively in record 1.
func (f *File) Counter(n int) (int, bool) {
	record, ok := f.records[1]
	if !ok {
		return 0, false
	}
	offset := n * 3
	if offset+3 > len(record) {
		return 0, false
	}
	return int(uint24(record[offset : offset+3])), true
}

// Counters returns every complete counter value present in record 1, keyed
// by counter number.
func (f *File) Counters() map[int]int {
	out := make(map[int]int)
	record, ok := f.records[1]
	if !ok {
		return out
	}
	for n := 0; n*3+3 <= len(record); n++ {
		out[n] = int(uint24(record[n*3 : n*3+3]))
	}
	return out
}

// setCounter writes counter n into the derived view, growing record 1 when
// the counter lies beyond the known content.
func (f *File) setCounter(n int, value int) {
	f.fillRecord(1, n*3, uint24Bytes(uint32(value)))
}
