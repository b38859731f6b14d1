package calypso

import "fmt"

// Stored Value (SV) state: the electronic purse balance, the last SV
// transaction number, and the structured reload/debit log records.
//
// The balance and all amounts use signed 24-bit semantics. Log records have
// fixed layouts mirroring what the card returns in the SV Get response:
//
//	load log (22 bytes):
//	  date(2) free1(1) kvc(1) free2(1) balance(3) amount(3) time(2)
//	  samID(4) samTNum(3) svTNum(2)
//
//	debit log (19 bytes):
//	  amount(2) date(2) time(2) kvc(1) samID(4) balance(3) svTNum(2)
//	  samTNum(3)

const (
	svLoadLogLength  = 22
	svDebitLogLength = 19
)

// SvOperation identifies an SV modifying operation.
type SvOperation int

const (
	SvReload SvOperation = iota + 1
	SvDebit
	SvUndebit
)

func (op SvOperation) String() string {
	switch op {
	case SvReload:
		return "SV Reload"
	case SvDebit:
		return "SV Debit"
	case SvUndebit:
		return "SV Undebit"
	default:
		return fmt.Sprintf("SvOperation(%d)", int(op))
	}
}

// StoredValue is the purse state of the card image.
type StoredValue struct {
	Balance           int
	TransactionNumber int
	KVC               byte
	LoadLog           *SvLoadLog
	DebitLog          *SvDebitLog
}

// SvLoadLog is the structured record of the last reload operation.
type SvLoadLog struct {
	Date                 []byte
	Time                 []byte
	Free                 []byte
	KVC                  byte
	Balance              int
	Amount               int
	SamID                []byte
	SamTransactionNumber int
	SvTransactionNumber  int
}

// SvDebitLog is the structured record of the last debit operation.
type SvDebitLog struct {
	Date                 []byte
	Time                 []byte
	KVC                  byte
	Balance              int
	Amount               int
	SamID                []byte
	SamTransactionNumber int
	SvTransactionNumber  int
}

func parseSvLoadLog(data []byte) (*SvLoadLog, error) {
	if len(data) != svLoadLogLength {
		return nil, fmt.Errorf("SV load log requires %d bytes, got %d: %w", svLoadLogLength, len(data), ErrCardResponse)
	}
	return &SvLoadLog{
		Date:                 append([]byte(nil), data[0:2]...),
		Free:                 []byte{data[2], data[4]},
		KVC:                  data[3],
		Balance:              int24(data[5:8]),
		Amount:               int24(data[8:11]),
		Time:                 append([]byte(nil), data[11:13]...),
		SamID:                append([]byte(nil), data[13:17]...),
		SamTransactionNumber: int(uint24(data[17:20])),
		SvTransactionNumber:  int(uint16be(data[20:22])),
	}, nil
}

func parseSvDebitLog(data []byte) (*SvDebitLog, error) {
	if len(data) != svDebitLogLength {
		return nil, fmt.Errorf("SV debit log requires %d bytes, got %d: %w", svDebitLogLength, len(data), ErrCardResponse)
	}
	return &SvDebitLog{
		Amount:               int(int16be(data[0:2])),
		Date:                 append([]byte(nil), data[2:4]...),
		Time:                 append([]byte(nil), data[4:6]...),
		KVC:                  data[6],
		SamID:                append([]byte(nil), data[7:11]...),
		Balance:              int24(data[11:14]),
		SvTransactionNumber:  int(uint16be(data[14:16])),
		SamTransactionNumber: int(uint24(data[16:19])),
	}, nil
}

func uint16be(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func int16be(b []byte) int16 {
	return int16(uint16be(b))
}
