package calypso

import (
	"errors"
	"fmt"

	"github.com/cardkit/calypso/pkg/apdu"
)

// Error taxonomy of the transaction engine.
//
// - Parameter errors are raised before any exchange, by the prepare methods.
// - Protocol state errors are raised when an operation is invoked in the
//   wrong state (no open session, counter not read, SV Get missing, ...).
// - Card response errors surface an unexpected status word or a response
//   whose content contradicts what the engine anticipated.
// - Authentication errors are fatal to the session: unauthorized session
//   key, invalid card session MAC.
// - Communication errors from the reader or crypto module transports are
//   propagated unchanged; the engine never retries implicitly.
var (
	// ErrParameter rejects out-of-range arguments (SFI, record number,
	// offset, counter, value, mask) before any exchange takes place.
	ErrParameter = errors.New("invalid parameter")

	// ErrProtocolState rejects an operation invoked in the wrong engine
	// state.
	ErrProtocolState = errors.New("invalid protocol state")

	// ErrUnsupportedOperation rejects an operation the card's product
	// profile does not support.
	ErrUnsupportedOperation = errors.New("operation not supported by this card")

	// ErrCardResponse reports an unexpected card response.
	ErrCardResponse = errors.New("invalid card response")

	// ErrResponseIntegrity reports a live response disagreeing with the
	// anticipated data used for pre-computation.
	ErrResponseIntegrity = errors.New("card response integrity check failed")

	// ErrUnauthorizedKey reports a session opened with a (KIF, KVC) pair
	// rejected by the security policy.
	ErrUnauthorizedKey = errors.New("session key not authorized")

	// ErrCardAuthentication reports an invalid card session MAC or SV MAC.
	ErrCardAuthentication = errors.New("card authentication failed")
)

// StatusError carries the status word of a failed command so the failing
// exchange can be reconstructed. It matches ErrCardResponse with errors.Is.
type StatusError struct {
	Command string
	SW      apdu.StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s rejected by card: %s", e.Command, e.SW.Verbose())
}

func (e *StatusError) Unwrap() error {
	return ErrCardResponse
}

func paramErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrParameter)...)
}

func stateErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrProtocolState)...)
}
