package calypso

// CryptoModule is the trust anchor boundary: the component holding the keys
// and computing or verifying the secure session MAC. Implementations may be
// backed by a SAM over a second reader or by a software module; the engine
// only distinguishes them through the capability queries.
//
// All calls are synchronous and blocking, like the card transport. A
// communication error talking to the module is propagated unchanged.
//
// Call ordering is fixed by the session protocol and externally observable:
//
//	InitTerminalSecureSessionContext  -> terminal challenge
//	  (card open secure session)
//	InitTerminalSessionMac            <- open-session data-out, KIF, KVC
//	UpdateTerminalSessionMac          <- every in-session exchange, request
//	                                     bytes then response bytes
//	FinalizeTerminalSessionMac        -> terminal close signature
//	  (card close secure session)
//	IsCardSessionMacValid             <- card close signature
//	Synchronize                       (exactly once per unit that touched
//	                                   the module, regardless of outcome)
type CryptoModule interface {
	// ExtendedModeSupported reports whether the module can run the
	// extended secure session variant (8-byte challenges and signatures).
	// The pre-open optimization requires it.
	ExtendedModeSupported() bool

	// MultipleUpdateSupported reports whether the module accepts several
	// session digest blocks in one UpdateTerminalSessionMac call. When
	// true the coordinator coalesces consecutive updates.
	MultipleUpdateSupported() bool

	// InitTerminalSecureSessionContext produces the terminal challenge
	// carried by the open secure session command.
	InitTerminalSecureSessionContext() ([]byte, error)

	// InitTerminalSessionMac starts the running session digest from the
	// open-session response data and the selected key references.
	InitTerminalSessionMac(openDataOut []byte, kif, kvc byte) error

	// UpdateTerminalSessionMac feeds raw exchanged APDU bytes into the
	// running digest. Callers pass one block per call unless
	// MultipleUpdateSupported is true.
	UpdateTerminalSessionMac(blocks ...[]byte) error

	// FinalizeTerminalSessionMac closes the digest and returns the
	// terminal signature for the close secure session command.
	FinalizeTerminalSessionMac() ([]byte, error)

	// IsCardSessionMacValid verifies the card signature returned by the
	// close secure session command.
	IsCardSessionMacValid(cardMac []byte) (bool, error)

	// CipherPinForPresentation ciphers a PIN for a Verify PIN command
	// using the card challenge.
	CipherPinForPresentation(cardChallenge, pin []byte, kif, kvc byte) ([]byte, error)

	// CipherPinForModification ciphers a new PIN for a Change PIN command
	// using the card challenge.
	CipherPinForModification(cardChallenge, newPin []byte, kif, kvc byte) ([]byte, error)

	// GenerateCipheredCardKey produces the ciphered key block written by a
	// Change Key command.
	GenerateCipheredCardKey(cardChallenge []byte, cipheringKif, cipheringKvc, sourceKif, sourceKvc byte) ([]byte, error)

	// SvPrepare authorizes an SV operation from the SV Get material and
	// returns the terminal SV complement (module id, module transaction
	// number, SV MAC) appended to the reload/debit command data.
	SvPrepare(op SvOperation, svGetRequest, svGetResponse, svCommandHead []byte) ([]byte, error)

	// SvCheck verifies the card SV MAC returned by an SV operation.
	SvCheck(cardSvMac []byte) error

	// Synchronize commits or flushes module state. The engine calls it
	// exactly once at the end of every processing unit that touched the
	// module, whatever the business outcome.
	Synchronize() error
}

// KeyReference is a (KIF, KVC) key reference pair.
type KeyReference struct {
	KIF byte
	KVC byte
}

// svComplementLength is the size of the terminal SV complement produced by
// SvPrepare: module id (4) + module transaction number (3) + SV MAC (3).
const svComplementLength = 10
