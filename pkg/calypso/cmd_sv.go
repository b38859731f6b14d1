package calypso

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// Stored Value commands: SV Get and the modifying operations SV Reload,
// SV Debit, SV Undebit.
//
// SV Get must precede a modifying operation in the same processing unit:
// its request and response are part of the material the crypto module signs
// when authorizing the operation. The engine records both in an svGetContext
// consumed by the deferred build of the modifying command.
//
// SV Get response layout:
//
//	[0]    current SV KVC
//	[1..2] SV transaction number (big endian)
//	[3..5] balance (signed 24-bit)
//	[6..]  last load log record (reload variant, 22 bytes)
//	       or last debit log record (debit variant, 19 bytes)
//
// Modifying command data = operation head + terminal SV complement (module
// id, module transaction number, SV MAC) produced by the crypto module.
// The response carries the 3-byte card SV MAC.

// SV Get P2 selects the log variant.
const (
	svGetReloadP2 byte = 0x07
	svGetDebitP2  byte = 0x09
)

const (
	svGetHeaderLength = 6
	svMacLength       = 3
)

type svGetContext struct {
	op       SvOperation
	request  []byte
	response []byte
}

func newSvGetCommand(card *Card, op SvOperation, ctx *svGetContext) (*cardCommand, error) {
	p2 := svGetDebitP2
	expectedLog := svDebitLogLength
	if op == SvReload {
		p2 = svGetReloadP2
		expectedLog = svLoadLogLength
	}

	cmd := apdu.New(card.profile.Cla, insSvGet, 0x00, p2, nil, svGetHeaderLength+expectedLog)
	request, err := cmd.Bytes()
	if err != nil {
		return nil, err
	}
	ctx.op = op
	ctx.request = request

	return &cardCommand{
		name: fmt.Sprintf("SV Get (%s variant)", op),
		kind: kindSvGet,
		apdu: cmd,
		decode: func(resp *apdu.ResponseAPDU) error {
			if len(resp.Data) != svGetHeaderLength+expectedLog {
				return fmt.Errorf("SV Get response requires %d bytes, got %d: %w",
					svGetHeaderLength+expectedLog, len(resp.Data), ErrCardResponse)
			}
			ctx.response = append([]byte(nil), resp.Data...)

			sv := &StoredValue{
				KVC:               resp.Data[0],
				TransactionNumber: int(uint16be(resp.Data[1:3])),
				Balance:           int24(resp.Data[3:6]),
			}
			if prev := card.sv; prev != nil {
				sv.LoadLog, sv.DebitLog = prev.LoadLog, prev.DebitLog
			}

			var logErr error
			if op == SvReload {
				sv.LoadLog, logErr = parseSvLoadLog(resp.Data[svGetHeaderLength:])
			} else {
				sv.DebitLog, logErr = parseSvDebitLog(resp.Data[svGetHeaderLength:])
			}
			if logErr != nil {
				return logErr
			}

			card.sv = sv
			return nil
		},
	}, nil
}

// svReloadHead is the reload command data before the terminal complement:
// date (2), time (2), free (2), amount (signed 24-bit).
func svReloadHead(date, time, free []byte, amount int) []byte {
	head := make([]byte, 0, 9)
	head = append(head, date...)
	head = append(head, time...)
	head = append(head, free...)
	head = append(head, int24Bytes(amount)...)
	return head
}

// svDebitHead is the debit/undebit command data before the terminal
// complement: amount (signed 24-bit, negative for a debit), date (2),
// time (2).
func svDebitHead(amount int, date, time []byte) []byte {
	head := make([]byte, 0, 7)
	head = append(head, int24Bytes(amount)...)
	head = append(head, date...)
	head = append(head, time...)
	return head
}

// svCommandPrefix is the command header material signed by the crypto
// module: class, instruction, P1, P2, the final Lc (head plus complement)
// and the head itself.
func svCommandPrefix(cla, ins, p1, p2 byte, head []byte) []byte {
	prefix := make([]byte, 0, 5+len(head))
	prefix = append(prefix, cla, ins, p1, p2, byte(len(head)+svComplementLength))
	return append(prefix, head...)
}

// svMacFromResponse validates and returns the card SV MAC.
func svMacFromResponse(op SvOperation, data []byte) ([]byte, error) {
	if len(data) != svMacLength {
		return nil, fmt.Errorf("%s response requires %d MAC bytes, got %d: %w", op, svMacLength, len(data), ErrCardResponse)
	}
	return data, nil
}

// applySvReload mutates the purse image after a successful reload.
func applySvReload(card *Card, amount int, date, time, free, complement []byte) {
	sv := card.sv
	sv.Balance += amount
	sv.TransactionNumber++
	sv.LoadLog = &SvLoadLog{
		Date:                 append([]byte(nil), date...),
		Time:                 append([]byte(nil), time...),
		Free:                 append([]byte(nil), free...),
		KVC:                  sv.KVC,
		Balance:              sv.Balance,
		Amount:               amount,
		SamID:                append([]byte(nil), complement[0:4]...),
		SamTransactionNumber: int(uint24(complement[4:7])),
		SvTransactionNumber:  sv.TransactionNumber,
	}
}

// applySvDebit mutates the purse image after a successful debit (negative
// amount) or undebit (positive amount reversing a debit).
func applySvDebit(card *Card, amount int, date, time, complement []byte) {
	sv := card.sv
	sv.Balance += amount
	sv.TransactionNumber++
	sv.DebitLog = &SvDebitLog{
		Amount:               amount,
		Date:                 append([]byte(nil), date...),
		Time:                 append([]byte(nil), time...),
		KVC:                  sv.KVC,
		Balance:              sv.Balance,
		SamID:                append([]byte(nil), complement[0:4]...),
		SamTransactionNumber: int(uint24(complement[4:7])),
		SvTransactionNumber:  sv.TransactionNumber,
	}
}
