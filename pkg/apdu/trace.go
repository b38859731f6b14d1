package apdu

// TRANSACTION:
// A Transaction is the atomic exchange of ISO 7816-3: one Command APDU sent
// by the terminal, followed by one Response APDU sent back by the card.
//
// TRACE:
// A Trace is the chronological sequence of Transactions performed during a
// logical operation. A secure session keeps its whole Trace because the
// running session MAC covers every exchanged byte in order.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with status 9000.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
type Trace []Transaction

// Last returns the final transaction of the trace, or nil when empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}
