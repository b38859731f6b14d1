// Package sam drives a Calypso SAM (Secure Access Module) over a second
// reader and exposes it as the transaction engine's crypto module.
//
// The SAM holds the issuer keys: it produces the terminal challenge and
// session signature, verifies the card's, ciphers PIN codes and key blocks,
// and authorizes stored value operations. Every method maps to one or two
// SAM APDUs on class 80h.
package sam

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cardkit/calypso/pkg/apdu"
	"github.com/cardkit/calypso/pkg/calypso"
)

const cla byte = 0x80

// SAM instruction bytes.
const (
	insSelectDiversifier byte = 0x14
	insGetChallenge      byte = 0x84
	insGiveRandom        byte = 0x86
	insDigestInit        byte = 0x8A
	insDigestUpdate      byte = 0x8C
	insDigestClose       byte = 0x8E
	insDigestAuth        byte = 0x82
	insCardCipherPin     byte = 0x12
	insCardGenerateKey   byte = 0x12
	insSvCheck           byte = 0x58
	insSvPrepareLoad     byte = 0x56
	insSvPrepareDebit    byte = 0x54
	insSvPrepareUndebit  byte = 0x5C
)

const (
	regularChallengeLength  = 4
	extendedChallengeLength = 8
	regularMacLength        = 4
	extendedMacLength       = 8
)

// Capabilities declares what the connected SAM product supports.
type Capabilities struct {
	// ExtendedMode enables 8-byte challenges and signatures.
	ExtendedMode bool

	// MultipleUpdate enables the Digest Update Multiple command, letting
	// the engine coalesce digest updates.
	MultipleUpdate bool
}

// Module is a calypso.CryptoModule backed by a SAM.
type Module struct {
	client *apdu.Client
	caps   Capabilities
	log    *zap.Logger
}

// New builds a module over a SAM transport. logger may be nil.
func New(transmitter apdu.Transmitter, caps Capabilities, logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{
		client: apdu.NewClient(transmitter),
		caps:   caps,
		log:    logger,
	}
}

var _ calypso.CryptoModule = (*Module)(nil)

// SelectDiversifier diversifies the SAM's keys for one card, identified by
// its application serial number. Must be called once before any session or
// ciphering operation involving that card.
func (m *Module) SelectDiversifier(cardSerial []byte) error {
	_, err := m.send("Select Diversifier",
		apdu.New(cla, insSelectDiversifier, 0x00, 0x00, cardSerial, 0))
	return err
}

// ExtendedModeSupported implements calypso.CryptoModule.
func (m *Module) ExtendedModeSupported() bool {
	return m.caps.ExtendedMode
}

// MultipleUpdateSupported implements calypso.CryptoModule.
func (m *Module) MultipleUpdateSupported() bool {
	return m.caps.MultipleUpdate
}

// InitTerminalSecureSessionContext asks the SAM for the terminal challenge
// opening a secure session.
func (m *Module) InitTerminalSecureSessionContext() ([]byte, error) {
	le := regularChallengeLength
	if m.caps.ExtendedMode {
		le = extendedChallengeLength
	}
	resp, err := m.send("Get Challenge",
		apdu.New(cla, insGetChallenge, 0x00, 0x00, nil, le))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != le {
		return nil, fmt.Errorf("SAM challenge requires %d bytes, got %d", le, len(resp.Data))
	}
	return resp.Data, nil
}

// InitTerminalSessionMac starts the session digest from the open-session
// response data and the key the card selected.
func (m *Module) InitTerminalSessionMac(openDataOut []byte, kif, kvc byte) error {
	data := make([]byte, 0, 2+len(openDataOut))
	data = append(data, kif, kvc)
	data = append(data, openDataOut...)
	_, err := m.send("Digest Init",
		apdu.New(cla, insDigestInit, 0x00, 0xFF, data, 0))
	return err
}

// UpdateTerminalSessionMac feeds exchanged APDU bytes into the digest. A
// single block uses Digest Update; several use Digest Update Multiple, each
// block preceded by its length.
func (m *Module) UpdateTerminalSessionMac(blocks ...[]byte) error {
	if len(blocks) == 0 {
		return nil
	}
	if len(blocks) == 1 {
		_, err := m.send("Digest Update",
			apdu.New(cla, insDigestUpdate, 0x00, 0x80, blocks[0], 0))
		return err
	}
	if !m.caps.MultipleUpdate {
		for _, b := range blocks {
			if err := m.UpdateTerminalSessionMac(b); err != nil {
				return err
			}
		}
		return nil
	}

	size := 0
	for _, b := range blocks {
		size += 1 + len(b)
	}
	data := make([]byte, 0, size)
	for _, b := range blocks {
		data = append(data, byte(len(b)))
		data = append(data, b...)
	}
	_, err := m.send("Digest Update Multiple",
		apdu.New(cla, insDigestUpdate, 0x80, 0x00, data, 0))
	return err
}

// FinalizeTerminalSessionMac closes the digest and returns the terminal
// signature.
func (m *Module) FinalizeTerminalSessionMac() ([]byte, error) {
	le := regularMacLength
	if m.caps.ExtendedMode {
		le = extendedMacLength
	}
	resp, err := m.send("Digest Close",
		apdu.New(cla, insDigestClose, 0x00, 0x00, nil, le))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != le {
		return nil, fmt.Errorf("SAM signature requires %d bytes, got %d", le, len(resp.Data))
	}
	return resp.Data, nil
}

// IsCardSessionMacValid submits the card signature to Digest Authenticate.
// A 6988 status is the SAM's verdict, not a failure of the exchange.
func (m *Module) IsCardSessionMacValid(cardMac []byte) (bool, error) {
	resp, err := m.sendRaw(apdu.New(cla, insDigestAuth, 0x00, 0x00, cardMac, 0))
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case apdu.SWNoError:
		return true, nil
	case apdu.SWWrongSignature:
		return false, nil
	default:
		return false, &calypso.StatusError{Command: "Digest Authenticate", SW: resp.Status}
	}
}

// CipherPinForPresentation ciphers a PIN for a Verify PIN command.
func (m *Module) CipherPinForPresentation(cardChallenge, pin []byte, kif, kvc byte) ([]byte, error) {
	return m.cipherPin(0x40, cardChallenge, pin, kif, kvc)
}

// CipherPinForModification ciphers a new PIN for a Change PIN command.
func (m *Module) CipherPinForModification(cardChallenge, newPin []byte, kif, kvc byte) ([]byte, error) {
	return m.cipherPin(0x41, cardChallenge, newPin, kif, kvc)
}

func (m *Module) cipherPin(p1 byte, cardChallenge, pin []byte, kif, kvc byte) ([]byte, error) {
	if err := m.giveRandom(cardChallenge); err != nil {
		return nil, err
	}
	data := make([]byte, 0, 2+len(pin))
	data = append(data, kif, kvc)
	data = append(data, pin...)
	resp, err := m.send("Card Cipher PIN",
		apdu.New(cla, insCardCipherPin, p1, 0x00, data, 0))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GenerateCipheredCardKey produces the key block written by a Change Key
// command: the source key ciphered under the ciphering key, bound to the
// card challenge.
func (m *Module) GenerateCipheredCardKey(cardChallenge []byte, cipheringKif, cipheringKvc, sourceKif, sourceKvc byte) ([]byte, error) {
	if err := m.giveRandom(cardChallenge); err != nil {
		return nil, err
	}
	resp, err := m.send("Card Generate Key",
		apdu.New(cla, insCardGenerateKey, 0xFF, 0x00,
			[]byte{cipheringKif, cipheringKvc, sourceKif, sourceKvc}, 0))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// giveRandom loads a card challenge into the SAM for the next ciphering
// operation.
func (m *Module) giveRandom(challenge []byte) error {
	_, err := m.send("Give Random",
		apdu.New(cla, insGiveRandom, 0x00, 0x00, challenge, 0))
	return err
}

// SvPrepare authorizes an SV operation: the SAM digests the SV Get request
// and response plus the upcoming command's header and returns the terminal
// complement carried by that command.
func (m *Module) SvPrepare(op calypso.SvOperation, svGetRequest, svGetResponse, svCommandHead []byte) ([]byte, error) {
	var ins byte
	switch op {
	case calypso.SvReload:
		ins = insSvPrepareLoad
	case calypso.SvDebit:
		ins = insSvPrepareDebit
	case calypso.SvUndebit:
		ins = insSvPrepareUndebit
	default:
		return nil, fmt.Errorf("unsupported SV operation %s", op)
	}

	data := make([]byte, 0, len(svGetRequest)+len(svGetResponse)+len(svCommandHead))
	data = append(data, svGetRequest...)
	data = append(data, svGetResponse...)
	data = append(data, svCommandHead...)

	resp, err := m.send(fmt.Sprintf("SV Prepare (%s)", op),
		apdu.New(cla, ins, 0x01, 0xFF, data, 0))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SvCheck verifies the card SV MAC closing an SV operation.
func (m *Module) SvCheck(cardSvMac []byte) error {
	resp, err := m.sendRaw(apdu.New(cla, insSvCheck, 0x00, 0x00, cardSvMac, 0))
	if err != nil {
		return err
	}
	switch resp.Status {
	case apdu.SWNoError:
		return nil
	case apdu.SWWrongSignature:
		return fmt.Errorf("SV MAC rejected by SAM: %w", calypso.ErrCardAuthentication)
	default:
		return &calypso.StatusError{Command: "SV Check", SW: resp.Status}
	}
}

// Synchronize implements calypso.CryptoModule. A SAM commits its state with
// each command, so there is nothing left to flush.
func (m *Module) Synchronize() error {
	return nil
}

// send transmits one SAM command and requires a 9000 status.
func (m *Module) send(name string, cmd *apdu.CommandAPDU) (*apdu.ResponseAPDU, error) {
	resp, err := m.sendRaw(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return nil, &calypso.StatusError{Command: name, SW: resp.Status}
	}
	return resp, nil
}

func (m *Module) sendRaw(cmd *apdu.CommandAPDU) (*apdu.ResponseAPDU, error) {
	trace, err := m.client.Send(cmd)
	if err != nil {
		return nil, err
	}
	resp := trace.Last().Response
	m.log.Debug("SAM exchange",
		zap.String("command", cmd.String()),
		zap.String("status", resp.Status.Verbose()))
	return resp, nil
}
