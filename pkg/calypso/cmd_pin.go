package calypso

import (
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// PIN and key management commands: Verify PIN (presentation and status
// probe), Change PIN (plain and ciphered), Change Key.

const (
	pinLength         = 4
	cipheredPinLength = 8

	// Change PIN P2 selects the transmission mode.
	changePinPlainP2    byte = 0x04
	changePinCipheredP2 byte = 0xFF
)

// newVerifyPinCommand presents a PIN, plain (4 bytes) or ciphered (8 bytes).
// A wrong PIN surfaces as a card response error carrying the 63CX status;
// the remaining-attempts counter is recorded in the image either way.
func newVerifyPinCommand(card *Card, data []byte) *cardCommand {
	return &cardCommand{
		name: "Verify PIN",
		kind: kindVerifyPin,
		apdu: apdu.New(card.profile.Cla, insVerifyPin, 0x00, 0x00, data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.pinAttempts = maxPinAttempts
			return nil
		},
	}
}

// maxPinAttempts is the presentation counter value after a successful
// verification.
const maxPinAttempts = 3

// newCheckPinStatusCommand probes the PIN presentation counter without
// presenting anything: Verify PIN with no data. The 63CX and 6983 statuses
// are expected answers, not errors.
func newCheckPinStatusCommand(card *Card) *cardCommand {
	return &cardCommand{
		name:          "Check PIN Status",
		kind:          kindVerifyPin,
		apdu:          apdu.New(card.profile.Cla, insVerifyPin, 0x00, 0x00, nil, 0),
		acceptCounter: true,
		accepted:      []apdu.StatusWord{apdu.SWPinBlocked},
		decode: func(resp *apdu.ResponseAPDU) error {
			switch {
			case resp.Status.IsCounter():
				card.pinAttempts = resp.Status.Counter()
			case resp.Status == apdu.SWPinBlocked:
				card.pinAttempts = 0
			default:
				card.pinAttempts = maxPinAttempts
			}
			return nil
		},
	}
}

func newChangePinCommand(card *Card, p2 byte, data []byte) *cardCommand {
	return &cardCommand{
		name: "Change PIN",
		apdu: apdu.New(card.profile.Cla, insChangePinKey, 0x00, p2, data, 0),
		decode: func(*apdu.ResponseAPDU) error {
			card.pinAttempts = maxPinAttempts
			return nil
		},
	}
}

// newChangeKeyCommand writes a ciphered key block into the key slot
// identified by keyIndex (1 to 3).
func newChangeKeyCommand(card *Card, keyIndex int, block []byte) *cardCommand {
	return &cardCommand{
		name: fmt.Sprintf("Change Key (slot %d)", keyIndex),
		apdu: apdu.New(card.profile.Cla, insChangePinKey, 0x00, byte(keyIndex), block, 0),
	}
}
