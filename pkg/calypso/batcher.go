package calypso

// Batching rules.
//
// Prepared commands are already sized at preparation time so that no single
// command body or expected response exceeds the card's payload capacity
// (reads split by whole records, binary accesses chunked at capacity). The
// batcher's remaining job is to partition the ordered queue into exchange
// groups:
//
//   - the combined command bodies of a group stay within capacity;
//   - a deferred-build command is alone in its group, so that every earlier
//     response has been decoded before its bytes are produced;
//   - group order preserves preparation order.
//
// Responses of a group are decoded before the next group is built, so later
// commands may depend on earlier responses (a file selected by a prior
// command, a counter value read before a relative change).

func groupCommands(queue []*cardCommand, capacity int) [][]*cardCommand {
	var groups [][]*cardCommand
	var current []*cardCommand
	budget := 0

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			budget = 0
		}
	}

	for _, cc := range queue {
		if cc.deferred() {
			flush()
			groups = append(groups, []*cardCommand{cc})
			continue
		}
		body := cc.bodyLen()
		if len(current) > 0 && budget+body > capacity {
			flush()
		}
		current = append(current, cc)
		budget += body
	}
	flush()
	return groups
}

// span is a contiguous slice of a record range or binary area produced by
// splitting an oversized request.
type span struct {
	start int // first record number, or byte offset
	count int // record count, or byte length
}

// splitSpan cuts a range of `count` units starting at `start` into spans of
// at most `per` units each, strictly increasing. per must be positive.
func splitSpan(start, count, per int) []span {
	spans := make([]span, 0, (count+per-1)/per)
	for count > 0 {
		n := per
		if n > count {
			n = count
		}
		spans = append(spans, span{start: start, count: n})
		start += n
		count -= n
	}
	return spans
}
