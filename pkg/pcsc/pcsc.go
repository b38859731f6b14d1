// Package pcsc connects to PC/SC readers and exposes them as APDU
// transmitters.
package pcsc

import (
	"fmt"

	"github.com/ebfe/scard"
)

// Reader is one connected card or SAM slot. It satisfies apdu.Transmitter.
type Reader struct {
	ctx  *scard.Context
	card *scard.Card
	name string
}

// ListReaders returns the names of the readers currently attached.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing PC/SC context: %w", err)
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("listing readers: %w", err)
	}
	return readers, nil
}

// Connect opens a shared connection to the named reader, accepting T=0 or
// T=1 to avoid protocol negotiation failures on picky drivers.
func Connect(name string) (*Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing PC/SC context: %w", err)
	}

	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("connecting to reader %q: %w", name, err)
	}

	return &Reader{ctx: ctx, card: card, name: name}, nil
}

// ConnectFirst opens the first attached reader.
func ConnectFirst() (*Reader, error) {
	names, err := ListReaders()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no smart card reader found")
	}
	return Connect(names[0])
}

// Name returns the reader's PC/SC name.
func (r *Reader) Name() string {
	return r.name
}

// Transmit sends one APDU and returns the raw response.
func (r *Reader) Transmit(cmd []byte) ([]byte, error) {
	resp, err := r.card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmitting on %q: %w", r.name, err)
	}
	return resp, nil
}

// Close disconnects from the card, leaving it powered, and releases the
// context.
func (r *Reader) Close() error {
	err := r.card.Disconnect(scard.LeaveCard)
	if relErr := r.ctx.Release(); err == nil {
		err = relErr
	}
	return err
}
