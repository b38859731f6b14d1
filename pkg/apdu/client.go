package apdu

import (
	"fmt"
)

// CLIENT & TRANSPORT LOGIC:
// The Client is a thin driver over the physical connection. It absorbs the
// ISO 7816-3 transport behaviors that T=0 readers expose to the application
// layer:
//
// 1. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically
//    issues a GET RESPONSE to retrieve them.
//
// 2. "6C XX" (Wrong Length):
//    The card indicates the correct expected length. The client re-sends the
//    original command with Le = XX.
//
// The Client does not judge final status words: a 6A82 is returned to the
// caller as a regular response. Which statuses are acceptable depends on the
// command and is decided one layer up.

const insGetResponse = 0xC0

// GetResponse builds the GET RESPONSE command retrieving le bytes announced
// by a 61XX status.
func GetResponse(cla byte, le int) *CommandAPDU {
	return New(cla, insGetResponse, 0x00, 0x00, nil, le)
}

// Transmitter abstracts a physical card connection carrying one APDU at a
// time. Transmission is synchronous and blocking; timeouts belong to the
// implementation.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// GroupTransmitter carries an ordered group of APDU requests in one call and
// returns the responses in the same order. A transport error aborts the
// group; responses received before the failure are returned alongside it.
type GroupTransmitter interface {
	TransmitGroup(cmds [][]byte) ([][]byte, error)
}

// GroupAdapter lifts a single-APDU Transmitter to the group contract by
// sequential transmission.
type GroupAdapter struct {
	T Transmitter
}

// TransmitGroup sends each request in order, stopping at the first transport
// failure.
func (g GroupAdapter) TransmitGroup(cmds [][]byte) ([][]byte, error) {
	responses := make([][]byte, 0, len(cmds))
	for i, cmd := range cmds {
		resp, err := g.T.Transmit(cmd)
		if err != nil {
			return responses, fmt.Errorf("transmitting request %d of %d: %w", i+1, len(cmds), err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// Client manages the APDU-level communication with the card.
type Client struct {
	Card Transmitter
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Send transmits a command and handles the 61XX/6CXX transport retries.
// The returned Trace holds every physical exchange; the last transaction
// carries the logical outcome.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}

	resp, err := ParseResponse(rawResp)
	if err != nil {
		return nil, err
	}

	trace := Trace{{Command: cmd, Response: resp}}

	switch {
	case resp.Status.IsMoreData():
		// 61XX: issue GET RESPONSE with Le = SW2.
		subTrace, err := c.Send(GetResponse(cmd.Cla, int(resp.Status.SW2())))
		trace = append(trace, subTrace...)
		if err != nil {
			return trace, err
		}

	case resp.Status.IsWrongLe():
		// 6CXX: re-send with the Le the card asks for.
		fixed := *cmd
		fixed.Le = int(resp.Status.SW2())
		subTrace, err := c.Send(&fixed)
		trace = append(trace, subTrace...)
		if err != nil {
			return trace, err
		}
	}

	return trace, nil
}
