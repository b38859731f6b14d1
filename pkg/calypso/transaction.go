package calypso

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cardkit/calypso/pkg/apdu"
)

// TransactionManager turns high-level intents into ordered, batched card
// exchanges while maintaining the card image and enforcing the secure
// session protocol.
//
// Prepare* methods validate their parameters and queue command descriptors
// without touching the card. Process* methods drain the queue as one
// processing unit: the queue is partitioned into exchange groups under the
// card's payload capacity, each group is sent, and every response is decoded
// into the card image before the next group's bytes are built.
//
// While a secure session is open, the raw request and response bytes of
// every exchange feed the crypto module's running MAC digest, request first.
// The crypto module is synchronized exactly once at the end of every
// processing unit that touched it; for a session that spans several process
// calls, that point is the end of ProcessClosing.
//
// A TransactionManager serializes all operations against one card and one
// crypto module. It is not safe for concurrent use.
type TransactionManager struct {
	card     *Card
	client   *apdu.Client
	group    apdu.GroupTransmitter
	crypto   CryptoModule
	settings SecuritySettings
	log      *zap.Logger

	queue []*cardCommand

	session       session
	digestPending [][]byte
	cryptoTouched bool

	svGet      *svGetContext
	svPrepared bool
}

// NewTransactionManager builds a manager over a card transport. crypto may
// be nil when no secure session or ciphered sub-protocol will be used;
// logger may be nil.
func NewTransactionManager(card *Card, transmitter apdu.Transmitter, crypto CryptoModule, settings SecuritySettings, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		card:     card,
		client:   apdu.NewClient(transmitter),
		group:    apdu.GroupAdapter{T: transmitter},
		crypto:   crypto,
		settings: settings,
		log:      logger,
	}
}

// Card returns the card image the manager mutates.
func (tm *TransactionManager) Card() *Card {
	return tm.card
}

// maxCommandData bounds the data field of a single command: the card's
// payload capacity, never above what the short Lc encoding carries.
func (tm *TransactionManager) maxCommandData() int {
	if c := tm.card.profile.PayloadCapacity; c < apdu.MaxLc {
		return c
	}
	return apdu.MaxLc
}

// maxResponseData bounds the expected response of a single command, capped
// at the short Le limit.
func (tm *TransactionManager) maxResponseData() int {
	if c := tm.card.profile.PayloadCapacity; c < apdu.MaxLe {
		return c
	}
	return apdu.MaxLe
}

// ---------------------------------------------------------------------------
// Preparation

// PrepareSelectFile queues a Select File by LID. The decoded FCP attaches a
// file header to the image.
func (tm *TransactionManager) PrepareSelectFile(lid uint16) error {
	tm.queue = append(tm.queue, newSelectFileCommand(tm.card, lid))
	return nil
}

// PrepareGetData queues a Get Data for one of the supported tags.
func (tm *TransactionManager) PrepareGetData(tag GetDataTag) error {
	tm.queue = append(tm.queue, newGetDataCommand(tm.card, tag))
	return nil
}

// PrepareReadRecord queues a single-record read. When the record size is
// unknown the command lets the card announce the length.
func (tm *TransactionManager) PrepareReadRecord(sfi byte, record int) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if err := checkRecord(record); err != nil {
		return err
	}
	recordSize := 0
	if f := tm.card.FileBySfi(sfi); f != nil && f.Header() != nil {
		recordSize = f.Header().RecordSize
	}
	tm.queue = append(tm.queue, newReadRecordsCommand(tm.card, sfi, record, 1, recordSize))
	return nil
}

// PrepareReadRecords queues a read of `count` consecutive records of
// `recordSize` bytes starting at `first`. Spans whose response would exceed
// the payload capacity are split into the minimal number of same-type
// commands over disjoint, strictly increasing ranges.
func (tm *TransactionManager) PrepareReadRecords(sfi byte, first, count, recordSize int) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if err := checkRecord(first); err != nil {
		return err
	}
	if count < 1 || first+count-1 > maxRecord {
		return paramErrorf("record span %d..%d out of range", first, first+count-1)
	}
	if count == 1 {
		tm.queue = append(tm.queue, newReadRecordsCommand(tm.card, sfi, first, 1, recordSize))
		return nil
	}
	if recordSize < 1 {
		return paramErrorf("record size %d must be known for a multi-record read", recordSize)
	}

	per := tm.maxResponseData() / (recordSize + recordEntrySize)
	if per < 1 {
		per = 1
	}
	for _, s := range splitSpan(first, count, per) {
		tm.queue = append(tm.queue, newReadRecordsCommand(tm.card, sfi, s.start, s.count, recordSize))
	}
	return nil
}

// PrepareReadRecordsPartially queues a partial read of `length` bytes at
// `offset` in `count` consecutive records, split under capacity like
// PrepareReadRecords.
func (tm *TransactionManager) PrepareReadRecordsPartially(sfi byte, first, count, offset, length int) error {
	if !tm.card.profile.RecordPartialRead {
		return fmt.Errorf("partial record read: %w", ErrUnsupportedOperation)
	}
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if err := checkRecord(first); err != nil {
		return err
	}
	if count < 1 || first+count-1 > maxRecord {
		return paramErrorf("record span %d..%d out of range", first, first+count-1)
	}
	if offset < 0 || offset > maxRecordOffset {
		return paramErrorf("record offset %d out of range [0, %d]", offset, maxRecordOffset)
	}
	if length < 1 || offset+length > maxRecord {
		return paramErrorf("partial read length %d invalid at offset %d", length, offset)
	}

	per := tm.maxResponseData() / (length + recordEntrySize)
	if per < 1 {
		per = 1
	}
	for _, s := range splitSpan(first, count, per) {
		tm.queue = append(tm.queue, newReadRecordsPartiallyCommand(tm.card, sfi, s.start, s.count, offset, length))
	}
	return nil
}

// PrepareReadBinary queues a binary read of `length` bytes at `offset`,
// chunked at the payload capacity with strictly increasing offsets. Offsets
// beyond 255 are addressed through SFI 0 after a one-byte zero-offset read
// pinning the file as the current one.
func (tm *TransactionManager) PrepareReadBinary(sfi byte, offset, length int) error {
	chunks, pin, err := tm.binaryChunks(sfi, offset, length)
	if err != nil {
		return err
	}
	if pin {
		tm.queue = append(tm.queue, newReadBinaryCommand(tm.card, sfi, sfi, 0, 1))
	}
	for _, c := range chunks {
		tm.queue = append(tm.queue, newReadBinaryCommand(tm.card, sfi, binaryCmdSfi(sfi, c.start), c.start, c.count))
	}
	return nil
}

// PrepareUpdateBinary queues a binary update (plain overwrite), chunked at
// the payload capacity.
func (tm *TransactionManager) PrepareUpdateBinary(sfi byte, offset int, data []byte) error {
	return tm.prepareBinaryWrite(sfi, offset, data, newUpdateBinaryCommand)
}

// PrepareWriteBinary queues a binary write (bitwise OR with the current
// content), chunked at the payload capacity.
func (tm *TransactionManager) PrepareWriteBinary(sfi byte, offset int, data []byte) error {
	return tm.prepareBinaryWrite(sfi, offset, data, newWriteBinaryCommand)
}

func (tm *TransactionManager) prepareBinaryWrite(sfi byte, offset int, data []byte, build func(card *Card, imageSfi, cmdSfi byte, offset int, data []byte) *cardCommand) error {
	chunks, pin, err := tm.binaryChunks(sfi, offset, len(data))
	if err != nil {
		return err
	}
	if pin {
		tm.queue = append(tm.queue, newReadBinaryCommand(tm.card, sfi, sfi, 0, 1))
	}
	for _, c := range chunks {
		chunk := data[c.start-offset : c.start-offset+c.count]
		tm.queue = append(tm.queue, build(tm.card, sfi, binaryCmdSfi(sfi, c.start), c.start, chunk))
	}
	return nil
}

// binaryChunks validates a binary access and cuts it into spans sized at
// the payload capacity, bounded by the short Lc limit. pin reports whether a
// zero-offset read must precede them because a chunk addresses the file
// through SFI 0.
func (tm *TransactionManager) binaryChunks(sfi byte, offset, length int) (chunks []span, pin bool, err error) {
	if err := checkSfi(sfi); err != nil {
		return nil, false, err
	}
	if err := checkBinaryOffset(offset); err != nil {
		return nil, false, err
	}
	if length < 1 || offset+length-1 > maxBinaryOffset {
		return nil, false, paramErrorf("binary span of %d bytes at offset %d out of range", length, offset)
	}

	per := tm.maxCommandData()
	if per < 1 {
		per = 1
	}
	chunks = splitSpan(offset, length, per)
	if sfi != 0 {
		for _, c := range chunks {
			if c.start > binaryShortMax {
				pin = true
				break
			}
		}
	}
	return chunks, pin, nil
}

// binaryCmdSfi returns the SFI to put on the wire for a chunk: the real one
// while the start offset fits 8 bits, SFI 0 beyond.
func binaryCmdSfi(sfi byte, start int) byte {
	if start > binaryShortMax {
		return 0
	}
	return sfi
}

// PrepareUpdateRecord queues a full-record overwrite.
func (tm *TransactionManager) PrepareUpdateRecord(sfi byte, record int, data []byte) error {
	if err := tm.checkRecordWrite(sfi, record, data); err != nil {
		return err
	}
	tm.queue = append(tm.queue, newUpdateRecordCommand(tm.card, sfi, record, data))
	return nil
}

// PrepareWriteRecord queues a record write (bitwise OR with the current
// content).
func (tm *TransactionManager) PrepareWriteRecord(sfi byte, record int, data []byte) error {
	if err := tm.checkRecordWrite(sfi, record, data); err != nil {
		return err
	}
	tm.queue = append(tm.queue, newWriteRecordCommand(tm.card, sfi, record, data))
	return nil
}

// PrepareAppendRecord queues an append to a cyclic file; the new content
// becomes record 1 and existing records shift by one.
func (tm *TransactionManager) PrepareAppendRecord(sfi byte, data []byte) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if max := tm.maxCommandData(); len(data) == 0 || len(data) > max {
		return paramErrorf("record payload of %d bytes out of range [1, %d]", len(data), max)
	}
	tm.queue = append(tm.queue, newAppendRecordCommand(tm.card, sfi, data))
	return nil
}

func (tm *TransactionManager) checkRecordWrite(sfi byte, record int, data []byte) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if err := checkRecord(record); err != nil {
		return err
	}
	if max := tm.maxCommandData(); len(data) == 0 || len(data) > max {
		return paramErrorf("record payload of %d bytes out of range [1, %d]", len(data), max)
	}
	return nil
}

// PrepareIncreaseCounter queues a single-counter increase.
func (tm *TransactionManager) PrepareIncreaseCounter(sfi byte, counter, value int) error {
	return tm.prepareCounter(true, sfi, counter, value)
}

// PrepareDecreaseCounter queues a single-counter decrease.
func (tm *TransactionManager) PrepareDecreaseCounter(sfi byte, counter, value int) error {
	return tm.prepareCounter(false, sfi, counter, value)
}

func (tm *TransactionManager) prepareCounter(increase bool, sfi byte, counter, value int) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if err := checkCounter(counter); err != nil {
		return err
	}
	if err := checkCounterValue(value); err != nil {
		return err
	}
	tm.queue = append(tm.queue, newCounterCommand(tm.card, increase, sfi, counter, value))
	return nil
}

// PrepareIncreaseCounters queues a batch of counter increases. The batch
// uses the Increase Multiple command when the product supports it and is
// expanded into single-counter exchanges otherwise.
func (tm *TransactionManager) PrepareIncreaseCounters(sfi byte, ops []CounterOp) error {
	return tm.prepareCounters(true, sfi, ops)
}

// PrepareDecreaseCounters queues a batch of counter decreases.
func (tm *TransactionManager) PrepareDecreaseCounters(sfi byte, ops []CounterOp) error {
	return tm.prepareCounters(false, sfi, ops)
}

func (tm *TransactionManager) prepareCounters(increase bool, sfi byte, ops []CounterOp) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if len(ops) == 0 {
		return paramErrorf("empty counter batch")
	}
	for _, op := range ops {
		if err := checkCounter(op.Counter); err != nil {
			return err
		}
		if err := checkCounterValue(op.Value); err != nil {
			return err
		}
	}

	if len(ops) == 1 {
		tm.queue = append(tm.queue, newCounterCommand(tm.card, increase, sfi, ops[0].Counter, ops[0].Value))
		return nil
	}
	if !tm.card.profile.MultipleCounters {
		for _, op := range ops {
			tm.queue = append(tm.queue, newCounterCommand(tm.card, increase, sfi, op.Counter, op.Value))
		}
		return nil
	}

	per := tm.maxCommandData() / counterEntrySize
	if per < 1 {
		per = 1
	}
	for i := 0; i < len(ops); i += per {
		end := i + per
		if end > len(ops) {
			end = len(ops)
		}
		tm.queue = append(tm.queue, newCountersCommand(tm.card, increase, sfi, ops[i:end]))
	}
	return nil
}

// PrepareSetCounter queues the increase or decrease bringing a counter to
// `target`. The counter's current value must already be in the image; a
// target equal to the current value queues nothing.
func (tm *TransactionManager) PrepareSetCounter(sfi byte, counter, target int) error {
	if err := checkSfi(sfi); err != nil {
		return err
	}
	if err := checkCounter(counter); err != nil {
		return err
	}
	if err := checkCounterValue(target); err != nil {
		return err
	}

	f := tm.card.FileBySfi(sfi)
	if f == nil {
		return stateErrorf("counter %d of SFI %02Xh has not been read", counter, sfi)
	}
	current, ok := f.Counter(counter)
	if !ok {
		return stateErrorf("counter %d of SFI %02Xh has not been read", counter, sfi)
	}

	switch {
	case target > current:
		tm.queue = append(tm.queue, newCounterCommand(tm.card, true, sfi, counter, target-current))
	case target < current:
		tm.queue = append(tm.queue, newCounterCommand(tm.card, false, sfi, counter, current-target))
	}
	return nil
}

// PrepareSearchRecords queues a Search Record Multiple; matching record
// numbers land in req.MatchingRecords after processing.
func (tm *TransactionManager) PrepareSearchRecords(req *SearchRecordsRequest) error {
	if !tm.card.profile.RecordSearch {
		return fmt.Errorf("record search: %w", ErrUnsupportedOperation)
	}
	cc, err := newSearchRecordsCommand(tm.card, req)
	if err != nil {
		return err
	}
	tm.queue = append(tm.queue, cc)
	return nil
}

// PrepareCheckPinStatus queues a PIN presentation-counter probe.
func (tm *TransactionManager) PrepareCheckPinStatus() error {
	if !tm.card.profile.PinFeature {
		return fmt.Errorf("PIN feature: %w", ErrUnsupportedOperation)
	}
	tm.queue = append(tm.queue, newCheckPinStatusCommand(tm.card))
	return nil
}

// PrepareInvalidate queues an Invalidate. Fails immediately when the
// application is already invalidated.
func (tm *TransactionManager) PrepareInvalidate() error {
	if tm.card.dfInvalidated {
		return stateErrorf("application is already invalidated")
	}
	tm.queue = append(tm.queue, newInvalidateCommand(tm.card, true))
	return nil
}

// PrepareRehabilitate queues a Rehabilitate. Fails immediately when the
// application is not invalidated.
func (tm *TransactionManager) PrepareRehabilitate() error {
	if !tm.card.dfInvalidated {
		return stateErrorf("application is not invalidated")
	}
	tm.queue = append(tm.queue, newInvalidateCommand(tm.card, false))
	return nil
}

// PrepareSvGet queues an SV Get for the given operation. It is the required
// prerequisite of an SV Reload/Debit/Undebit prepared in the same
// processing unit.
func (tm *TransactionManager) PrepareSvGet(op SvOperation) error {
	if !tm.card.profile.StoredValue {
		return fmt.Errorf("stored value: %w", ErrUnsupportedOperation)
	}
	ctx := &svGetContext{}
	cc, err := newSvGetCommand(tm.card, op, ctx)
	if err != nil {
		return err
	}
	tm.svGet = ctx
	tm.svPrepared = false
	tm.queue = append(tm.queue, cc)
	return nil
}

// PrepareSvReload queues an SV Reload of `amount` units. date, time and
// free are the 2-byte fields recorded in the load log. Requires a reload
// SV Get earlier in the unit and a crypto module.
func (tm *TransactionManager) PrepareSvReload(amount int, date, time, free []byte) error {
	if err := tm.checkSvOperation(SvReload, amount, date, time); err != nil {
		return err
	}
	if len(free) != 2 {
		return paramErrorf("SV free field requires 2 bytes, got %d", len(free))
	}

	head := svReloadHead(date, time, free, amount)
	tm.queueSvOperation(SvReload, insSvReload, head, func(complement []byte) {
		applySvReload(tm.card, amount, date, time, free, complement)
	})
	return nil
}

// PrepareSvDebit queues an SV Debit of `amount` units (positive). Requires
// a debit SV Get earlier in the unit and a crypto module. Unless the
// settings authorize it, a debit driving the balance negative is rejected
// when the command bytes are built.
func (tm *TransactionManager) PrepareSvDebit(amount int, date, time []byte) error {
	if err := tm.checkSvOperation(SvDebit, amount, date, time); err != nil {
		return err
	}
	head := svDebitHead(-amount, date, time)
	tm.queueSvOperation(SvDebit, insSvDebit, head, func(complement []byte) {
		applySvDebit(tm.card, -amount, date, time, complement)
	})
	return nil
}

// PrepareSvUndebit queues the reversal of a previous debit of `amount`
// units.
func (tm *TransactionManager) PrepareSvUndebit(amount int, date, time []byte) error {
	if err := tm.checkSvOperation(SvUndebit, amount, date, time); err != nil {
		return err
	}
	head := svDebitHead(amount, date, time)
	tm.queueSvOperation(SvUndebit, insSvDebit, head, func(complement []byte) {
		applySvDebit(tm.card, amount, date, time, complement)
	})
	return nil
}

func (tm *TransactionManager) checkSvOperation(op SvOperation, amount int, date, time []byte) error {
	if !tm.card.profile.StoredValue {
		return fmt.Errorf("stored value: %w", ErrUnsupportedOperation)
	}
	if tm.crypto == nil {
		return stateErrorf("%s requires a crypto module", op)
	}
	if amount <= 0 || amount > maxInt24 {
		return paramErrorf("SV amount %d out of range [1, %d]", amount, maxInt24)
	}
	if len(date) != 2 || len(time) != 2 {
		return paramErrorf("SV date and time require 2 bytes each")
	}
	if tm.svPrepared {
		return stateErrorf("only one SV operation per processing unit")
	}
	if tm.svGet == nil {
		return stateErrorf("%s requires an SV Get in the same processing unit", op)
	}
	wantReload := op == SvReload
	if (tm.svGet.op == SvReload) != wantReload {
		return stateErrorf("%s requires the %s variant of SV Get, %s was prepared", op, op, tm.svGet.op)
	}
	return nil
}

// queueSvOperation queues the deferred SV command: the bytes include a
// complement produced by the crypto module from the SV Get material, so the
// build runs only after the SV Get response has been decoded.
func (tm *TransactionManager) queueSvOperation(op SvOperation, ins byte, head []byte, apply func(complement []byte)) {
	ctx := tm.svGet
	tm.svPrepared = true

	var complement []byte
	cc := &cardCommand{name: op.String(), kind: kindSvOperation}
	cc.build = func() (*apdu.CommandAPDU, error) {
		if ctx.response == nil {
			return nil, stateErrorf("%s requires a completed SV Get", op)
		}
		if op == SvDebit && !tm.settings.AuthorizeSvNegativeBalance {
			if tm.card.sv.Balance+int24(head[0:3]) < 0 {
				return nil, stateErrorf("SV debit would drive the balance of %d negative", tm.card.sv.Balance)
			}
		}

		tm.cryptoTouched = true
		prefix := svCommandPrefix(tm.card.profile.Cla, ins, 0x00, 0x00, head)
		comp, err := tm.crypto.SvPrepare(op, ctx.request, ctx.response, prefix)
		if err != nil {
			return nil, err
		}
		if len(comp) != svComplementLength {
			return nil, fmt.Errorf("SV complement requires %d bytes, got %d", svComplementLength, len(comp))
		}
		complement = comp

		data := make([]byte, 0, len(head)+len(comp))
		data = append(data, head...)
		data = append(data, comp...)
		return apdu.New(tm.card.profile.Cla, ins, 0x00, 0x00, data, 0), nil
	}
	cc.decode = func(resp *apdu.ResponseAPDU) error {
		mac, err := svMacFromResponse(op, resp.Data)
		if err != nil {
			return err
		}
		if err := tm.crypto.SvCheck(mac); err != nil {
			return fmt.Errorf("%s: %w", err, ErrCardAuthentication)
		}
		apply(complement)
		return nil
	}

	tm.queue = append(tm.queue, cc)
}

// ---------------------------------------------------------------------------
// Processing units

// ProcessCommands drains the prepared queue as one processing unit, with or
// without an open session.
func (tm *TransactionManager) ProcessCommands() error {
	return tm.finishProcess(tm.processQueue())
}

// ProcessOpening opens a secure session at the given write access level,
// folding the first prepared single-record read into the open command when
// the merge optimization is enabled, then drains the rest of the queue
// inside the session.
func (tm *TransactionManager) ProcessOpening(level WriteAccessLevel) error {
	if tm.crypto == nil {
		return stateErrorf("opening a secure session requires a crypto module")
	}
	if tm.session.status != sessionClosed {
		return stateErrorf("a secure session is already %s", tm.session.status)
	}

	tm.session = session{status: sessionOpening, level: level}
	if err := tm.openSession(level); err != nil {
		if tm.session.status != sessionOpen {
			// Opening never completed: the unit ends here.
			tm.session = session{}
			tm.digestPending = nil
		}
		return tm.finishProcess(err)
	}

	tm.log.Info("secure session open",
		zap.Stringer("level", level),
		zap.Uint8("kif", tm.session.kif),
		zap.Uint8("kvc", tm.session.kvc),
		zap.Int("transactionCounter", tm.session.transactionCounter))

	return tm.finishProcess(tm.processQueue())
}

func (tm *TransactionManager) openSession(level WriteAccessLevel) error {
	tm.cryptoTouched = true
	challenge, err := tm.crypto.InitTerminalSecureSessionContext()
	if err != nil {
		return err
	}

	// Read-on-opening merge: exactly the first prepared command, and only
	// a single-record read of a record the Open Session P1 field can
	// address, is eligible. Anything else stays in the queue and runs as a
	// regular in-session read.
	var merged *cardCommand
	if !tm.settings.DisableReadOnOpenMerge && len(tm.queue) > 0 &&
		tm.queue[0].kind == kindReadRecord && tm.queue[0].record <= openMergeMaxRecord {
		merged = tm.queue[0]
		tm.queue = tm.queue[1:]
	}
	var sfi byte
	var record int
	if merged != nil {
		sfi, record = merged.sfi, merged.record
	}

	extended := tm.card.profile.ExtendedMode && tm.crypto.ExtendedModeSupported()

	// Pre-open path: an anticipated data-out computed ahead of time for the
	// same access level, usable only in extended mode. Anything else falls
	// back to the cold open transparently.
	pre := tm.card.preOpen
	tm.card.preOpen = nil
	if pre != nil && (pre.level != level || !extended) {
		pre = nil
	}

	cmd := newOpenSessionAPDU(tm.card.profile, level, challenge, sfi, record, extended)
	trace, err := tm.client.Send(cmd)
	if err != nil {
		return err
	}
	last := trace.Last()
	if !last.Response.Status.IsSuccess() {
		return &StatusError{Command: "Open Secure Session", SW: last.Response.Status}
	}

	result, err := parseOpenSessionResponse(last.Response.Data)
	if err != nil {
		return err
	}
	if pre != nil && !bytes.Equal(result.dataOut, pre.dataOut) {
		return fmt.Errorf("open session data-out differs from the anticipated value: %w", ErrResponseIntegrity)
	}

	if err := tm.crypto.InitTerminalSessionMac(result.dataOut, result.kif, result.kvc); err != nil {
		return err
	}

	tm.session.status = sessionOpen
	tm.session.kif = result.kif
	tm.session.kvc = result.kvc
	tm.session.transactionCounter = result.transactionCounter
	tm.session.previousRatified = result.previousRatified
	tm.session.extended = extended

	// The card-side session is open from here on: even on a policy
	// rejection the caller must still close or abort it.
	if !tm.settings.keyAuthorized(result.kif, result.kvc) {
		return fmt.Errorf("session key KIF %02Xh KVC %02Xh: %w", result.kif, result.kvc, ErrUnauthorizedKey)
	}

	if merged != nil && merged.decode != nil {
		if err := merged.decode(&apdu.ResponseAPDU{Data: result.recordData, Status: apdu.SWNoError}); err != nil {
			return err
		}
	}
	return nil
}

// ProcessClosing drains the remaining queue inside the session, closes it
// with the terminal signature and verifies the card's. The crypto module is
// synchronized at the very end whatever the outcome, and the local session
// state always ends Closed; after an error the caller should still
// ProcessCancel to reset a card left with its session open.
func (tm *TransactionManager) ProcessClosing() error {
	if tm.session.status != sessionOpen {
		return stateErrorf("no secure session to close (%s)", tm.session.status)
	}
	err := tm.closeSession()
	tm.session = session{}
	tm.digestPending = nil
	if err == nil {
		tm.log.Info("secure session closed")
	}
	return tm.finishProcess(err)
}

func (tm *TransactionManager) closeSession() error {
	if err := tm.processQueue(); err != nil {
		return err
	}
	tm.session.status = sessionClosing

	if err := tm.flushDigest(); err != nil {
		return err
	}
	mac, err := tm.crypto.FinalizeTerminalSessionMac()
	if err != nil {
		return err
	}

	cmd := newCloseSessionAPDU(tm.card.profile, mac, !tm.settings.DeferredRatification)
	trace, err := tm.client.Send(cmd)
	if err != nil {
		return err
	}
	last := trace.Last()
	if !last.Response.Status.IsSuccess() {
		return &StatusError{Command: "Close Secure Session", SW: last.Response.Status}
	}

	ok, err := tm.crypto.IsCardSessionMacValid(last.Response.Data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("card session MAC rejected: %w", ErrCardAuthentication)
	}

	if tm.settings.DeferredRatification {
		tm.ratify()
	}
	return nil
}

// ratify sends the best-effort ratification ping after a deferred-
// ratification close. The card answers with a harmless error status; a
// transport failure (card already out of the field) is ignored too.
func (tm *TransactionManager) ratify() {
	cc := newRatificationCommand(tm.card.profile)
	if err := tm.executeCommand(cc); err != nil {
		tm.log.Debug("ratification ping not acknowledged", zap.Error(err))
	}
}

// ProcessCancel aborts the session: prepared commands and digest state are
// discarded, and the abort command is sent even when no local session is
// open so a card left desynchronized by a prior failure is reset. No crypto
// module call is made. Card image changes decoded during the canceled
// session are not rolled back.
func (tm *TransactionManager) ProcessCancel() error {
	tm.queue = nil
	tm.digestPending = nil
	tm.svGet, tm.svPrepared = nil, false
	tm.cryptoTouched = false
	tm.session = session{status: sessionAborting}

	err := tm.executeCommand(newAbortSessionCommand(tm.card.profile))
	tm.session = session{}
	if err == nil {
		tm.log.Info("secure session aborted")
	}
	return err
}

// ProcessVerifyPin presents the PIN, ciphered through the crypto module
// unless plain transmission is enabled. It must be the only command of its
// processing unit. On a wrong PIN the error carries the 63CX status and the
// remaining-attempts counter is still recorded in the image.
func (tm *TransactionManager) ProcessVerifyPin(pin []byte) error {
	if err := tm.checkPinUnit(pin); err != nil {
		return err
	}

	var cc *cardCommand
	if tm.settings.PlainPinTransmission {
		cc = newVerifyPinCommand(tm.card, pin)
	} else {
		ciphered, err := tm.cipherPin(pin, tm.settings.PinVerificationKey, tm.crypto.CipherPinForPresentation)
		if err != nil {
			return tm.finishProcess(err)
		}
		cc = newVerifyPinCommand(tm.card, ciphered)
	}

	err := tm.executeCommand(cc)
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.SW.IsCounter():
			tm.card.pinAttempts = se.SW.Counter()
		case se.SW == apdu.SWPinBlocked:
			tm.card.pinAttempts = 0
		}
	}
	return tm.finishProcess(err)
}

// ProcessChangePin replaces the PIN. Forbidden inside a secure session.
func (tm *TransactionManager) ProcessChangePin(newPin []byte) error {
	if err := tm.checkPinUnit(newPin); err != nil {
		return err
	}
	if tm.session.status != sessionClosed {
		return stateErrorf("PIN change is forbidden inside a secure session")
	}

	var cc *cardCommand
	if tm.settings.PlainPinTransmission {
		cc = newChangePinCommand(tm.card, changePinPlainP2, newPin)
	} else {
		ciphered, err := tm.cipherPin(newPin, tm.settings.PinModificationKey, tm.crypto.CipherPinForModification)
		if err != nil {
			return tm.finishProcess(err)
		}
		cc = newChangePinCommand(tm.card, changePinCipheredP2, ciphered)
	}
	return tm.finishProcess(tm.executeCommand(cc))
}

func (tm *TransactionManager) checkPinUnit(pin []byte) error {
	if !tm.card.profile.PinFeature {
		return fmt.Errorf("PIN feature: %w", ErrUnsupportedOperation)
	}
	if len(pin) != pinLength {
		return paramErrorf("PIN requires %d digits, got %d bytes", pinLength, len(pin))
	}
	if len(tm.queue) > 0 {
		return stateErrorf("PIN processing must be the only command of its unit (%d commands pending)", len(tm.queue))
	}
	if !tm.settings.PlainPinTransmission && tm.crypto == nil {
		return stateErrorf("ciphered PIN transmission requires a crypto module")
	}
	return nil
}

// cipherPin obtains a fresh card challenge and ciphers the PIN with it.
func (tm *TransactionManager) cipherPin(pin []byte, key KeyReference, cipher func(challenge, pin []byte, kif, kvc byte) ([]byte, error)) ([]byte, error) {
	if err := tm.executeCommand(newGetChallengeCommand(tm.card)); err != nil {
		return nil, err
	}
	tm.cryptoTouched = true
	return cipher(tm.card.challenge, pin, key.KIF, key.KVC)
}

// ProcessChangeKey rewrites the key of slot keyIndex with newKey, ciphered
// under issuerKey by the crypto module. Forbidden inside a secure session.
func (tm *TransactionManager) ProcessChangeKey(keyIndex int, newKey, issuerKey KeyReference) error {
	if tm.crypto == nil {
		return stateErrorf("key change requires a crypto module")
	}
	if tm.session.status != sessionClosed {
		return stateErrorf("key change is forbidden inside a secure session")
	}
	if keyIndex < 1 || keyIndex > 3 {
		return paramErrorf("key index %d out of range [1, 3]", keyIndex)
	}
	if len(tm.queue) > 0 {
		return stateErrorf("key change must be the only command of its unit (%d commands pending)", len(tm.queue))
	}

	if err := tm.executeCommand(newGetChallengeCommand(tm.card)); err != nil {
		return tm.finishProcess(err)
	}
	tm.cryptoTouched = true
	block, err := tm.crypto.GenerateCipheredCardKey(tm.card.challenge, issuerKey.KIF, issuerKey.KVC, newKey.KIF, newKey.KVC)
	if err != nil {
		return tm.finishProcess(err)
	}
	return tm.finishProcess(tm.executeCommand(newChangeKeyCommand(tm.card, keyIndex, block)))
}

// ---------------------------------------------------------------------------
// Execution

// processQueue drains the queue in exchange groups. The queue is consumed
// up front: a failure aborts the remaining commands, which are discarded.
func (tm *TransactionManager) processQueue() error {
	queue := tm.queue
	tm.queue = nil
	for _, group := range groupCommands(queue, tm.card.profile.PayloadCapacity) {
		if err := tm.executeGroup(group); err != nil {
			return err
		}
	}
	return nil
}

// executeGroup sends one exchange group. Inside a session the commands go
// one by one so their bytes feed the MAC digest in exchange order; outside
// it the whole group goes through the group transmitter.
func (tm *TransactionManager) executeGroup(group []*cardCommand) error {
	if tm.session.status == sessionOpen {
		for _, cc := range group {
			if err := tm.executeCommand(cc); err != nil {
				return err
			}
		}
		return nil
	}

	resolved := make([]*apdu.CommandAPDU, len(group))
	raws := make([][]byte, len(group))
	for i, cc := range group {
		a, err := cc.commandAPDU()
		if err != nil {
			return err
		}
		raw, err := a.Bytes()
		if err != nil {
			return err
		}
		resolved[i], raws[i] = a, raw
	}

	responses, err := tm.group.TransmitGroup(raws)
	if err != nil {
		return err
	}
	for i, raw := range responses {
		resp, err := apdu.ParseResponse(raw)
		if err != nil {
			return err
		}
		resp, err = tm.resolveTransport(resolved[i], resp)
		if err != nil {
			return err
		}
		if err := tm.finishCommand(group[i], resolved[i], resp); err != nil {
			return err
		}
	}
	return nil
}

// resolveTransport absorbs a 61XX/6CXX left in a group response.
func (tm *TransactionManager) resolveTransport(cmd *apdu.CommandAPDU, resp *apdu.ResponseAPDU) (*apdu.ResponseAPDU, error) {
	switch {
	case resp.Status.IsMoreData():
		trace, err := tm.client.Send(apdu.GetResponse(cmd.Cla, int(resp.Status.SW2())))
		if err != nil {
			return nil, err
		}
		return trace.Last().Response, nil

	case resp.Status.IsWrongLe():
		// The command was not executed; re-send with the Le the card asks.
		fixed := *cmd
		fixed.Le = int(resp.Status.SW2())
		trace, err := tm.client.Send(&fixed)
		if err != nil {
			return nil, err
		}
		return trace.Last().Response, nil
	}
	return resp, nil
}

// executeCommand sends one command through the client, feeding the digest
// when a session is open.
func (tm *TransactionManager) executeCommand(cc *cardCommand) error {
	a, err := cc.commandAPDU()
	if err != nil {
		return err
	}
	trace, err := tm.client.Send(a)
	if err != nil {
		return err
	}
	last := trace.Last()
	return tm.finishCommand(cc, last.Command, last.Response)
}

// finishCommand digests, judges and decodes one logical exchange.
func (tm *TransactionManager) finishCommand(cc *cardCommand, cmd *apdu.CommandAPDU, resp *apdu.ResponseAPDU) error {
	if tm.session.status == sessionOpen {
		req, err := cmd.Bytes()
		if err != nil {
			return err
		}
		if err := tm.digestExchange(req, responseBytes(resp)); err != nil {
			return err
		}
	}

	tm.log.Debug("exchange",
		zap.String("command", cc.name),
		zap.String("status", resp.Status.Verbose()))

	if !cc.accepts(resp.Status) {
		return &StatusError{Command: cc.name, SW: resp.Status}
	}
	if cc.decode != nil {
		return cc.decode(resp)
	}
	return nil
}

// digestExchange feeds one exchange to the session MAC, request first. With
// the multiple-update capability the blocks are coalesced and flushed in a
// single call before the digest is finalized.
func (tm *TransactionManager) digestExchange(req, resp []byte) error {
	if tm.crypto.MultipleUpdateSupported() {
		tm.digestPending = append(tm.digestPending, req, resp)
		return nil
	}
	if err := tm.crypto.UpdateTerminalSessionMac(req); err != nil {
		return err
	}
	return tm.crypto.UpdateTerminalSessionMac(resp)
}

func (tm *TransactionManager) flushDigest() error {
	if len(tm.digestPending) == 0 {
		return nil
	}
	blocks := tm.digestPending
	tm.digestPending = nil
	return tm.crypto.UpdateTerminalSessionMac(blocks...)
}

// finishProcess closes a processing unit: the SV prerequisite window ends,
// and the crypto module is synchronized when the unit touched it, unless a
// session is still open (the session's units share the synchronize point at
// the end of closing).
func (tm *TransactionManager) finishProcess(err error) error {
	tm.svGet, tm.svPrepared = nil, false
	if tm.cryptoTouched && tm.session.status == sessionClosed {
		tm.cryptoTouched = false
		if syncErr := tm.crypto.Synchronize(); syncErr != nil {
			err = multierr.Append(err, syncErr)
		}
	}
	return err
}

// responseBytes rebuilds the raw response, data then status word.
func responseBytes(resp *apdu.ResponseAPDU) []byte {
	raw := make([]byte, 0, len(resp.Data)+2)
	raw = append(raw, resp.Data...)
	return append(raw, resp.Status.SW1(), resp.Status.SW2())
}
