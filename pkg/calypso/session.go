package calypso

import "fmt"

// Secure session state machine:
//
//	Closed -> Opening -> Open -> Closing  -> Closed
//	                          \> Aborting -> Closed
//
// One session at a time. Operations requiring an open session fail when none
// is open; opening fails when one already is.

type sessionStatus int

const (
	sessionClosed sessionStatus = iota
	sessionOpening
	sessionOpen
	sessionClosing
	sessionAborting
)

func (s sessionStatus) String() string {
	switch s {
	case sessionClosed:
		return "Closed"
	case sessionOpening:
		return "Opening"
	case sessionOpen:
		return "Open"
	case sessionClosing:
		return "Closing"
	case sessionAborting:
		return "Aborting"
	default:
		return fmt.Sprintf("sessionStatus(%d)", int(s))
	}
}

// session is the live state of the secure session in progress.
type session struct {
	status sessionStatus
	level  WriteAccessLevel

	// Key selected by the card in the open-session response.
	kif, kvc byte

	transactionCounter int
	previousRatified   bool
	extended           bool
}

// SecuritySettings configures the security-related behavior of a
// transaction manager. The zero value is a usable default: every session
// key authorized, ciphered PIN transmission, immediate ratification on
// close, read-on-opening merge enabled.
type SecuritySettings struct {
	// AuthorizedSessionKeys restricts the (KIF, KVC) pairs accepted from
	// the open-session response. Empty means every key is authorized.
	AuthorizedSessionKeys []KeyReference

	// PlainPinTransmission sends PIN codes in clear instead of ciphering
	// them through the crypto module. Opt-in.
	PlainPinTransmission bool

	// PinVerificationKey and PinModificationKey select the ciphering keys
	// used for Verify PIN and Change PIN when transmission is ciphered.
	PinVerificationKey KeyReference
	PinModificationKey KeyReference

	// DeferredRatification closes the session without asking for immediate
	// ratification and follows up with a best-effort ratification ping.
	// Meant for contactless use where the card may leave the field right
	// after the close response.
	DeferredRatification bool

	// DisableReadOnOpenMerge turns off the optimization folding the first
	// prepared single-record read into the open-session command.
	DisableReadOnOpenMerge bool

	// AuthorizeSvNegativeBalance allows SV debits that would drive the
	// balance below zero.
	AuthorizeSvNegativeBalance bool
}

// keyAuthorized applies the AuthorizedSessionKeys policy.
func (s *SecuritySettings) keyAuthorized(kif, kvc byte) bool {
	if len(s.AuthorizedSessionKeys) == 0 {
		return true
	}
	for _, k := range s.AuthorizedSessionKeys {
		if k.KIF == kif && k.KVC == kvc {
			return true
		}
	}
	return false
}
