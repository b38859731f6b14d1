package calypso

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// Counter commands: Increase/Decrease (single) and the Multiple variants.
//
// A single change always uses the dedicated single-counter command; batches
// use the multiple-counter command when the product supports it and fall
// back to one single-counter exchange per entry otherwise (handled at
// preparation).

// CounterOp is one (counter, value) entry of a multiple-counter batch.
// Entries keep their preparation order.
type CounterOp struct {
	Counter int
	Value   int
}

func newCounterCommand(card *Card, increase bool, sfi byte, counter, value int) *cardCommand {
	ins, verb := insDecrease, "Decrease"
	if increase {
		ins, verb = insIncrease, "Increase"
	}

	return &cardCommand{
		name: fmt.Sprintf("%s (SFI %02Xh, counter %d)", verb, sfi, counter),
		sfi:  sfi,
		apdu: apdu.New(card.profile.Cla, ins, byte(counter), sfi<<3, uint24Bytes(uint32(value)), 0),
		decode: func(resp *apdu.ResponseAPDU) error {
			f := card.fileForSfi(sfi)

			// The card may return the new value; otherwise derive it
			// from the previously read one when available.
			if len(resp.Data) >= 3 {
				f.setCounter(counter, int(uint24(resp.Data[:3])))
				return nil
			}
			if old, ok := f.Counter(counter); ok {
				if increase {
					f.setCounter(counter, old+value)
				} else {
					f.setCounter(counter, old-value)
				}
			}
			return nil
		},
	}
}

const counterEntrySize = 4 // counter number (1) + value (3)

func newCountersCommand(card *Card, increase bool, sfi byte, ops []CounterOp) *cardCommand {
	ins, verb := insDecreaseMultiple, "Decrease Multiple"
	if increase {
		ins, verb = insIncreaseMultiple, "Increase Multiple"
	}

	data := make([]byte, 0, len(ops)*counterEntrySize)
	for _, op := range ops {
		data = append(data, byte(op.Counter))
		data = append(data, uint24Bytes(uint32(op.Value))...)
	}

	return &cardCommand{
		name: fmt.Sprintf("%s (SFI %02Xh, %d counters)", verb, sfi, len(ops)),
		sfi:  sfi,
		apdu: apdu.New(card.profile.Cla, ins, 0x00, sfi<<3, data, len(ops)*counterEntrySize),
		decode: func(resp *apdu.ResponseAPDU) error {
			if len(resp.Data)%counterEntrySize != 0 {
				return fmt.Errorf("%s response length %d not a multiple of %d: %w",
					verb, len(resp.Data), counterEntrySize, ErrCardResponse)
			}
			f := card.fileForSfi(sfi)
			for i := 0; i < len(resp.Data); i += counterEntrySize {
				f.setCounter(int(resp.Data[i]), int(uint24(resp.Data[i+1:i+4])))
			}
			return nil
		},
	}
}
