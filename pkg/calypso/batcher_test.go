package calypso

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cardkit/calypso/pkg/apdu"
)

func TestSplitSpan(t *testing.T) {
	tests := []struct {
		name              string
		start, count, per int
		expected          []span
	}{
		{
			name:  "Fits in one span",
			start: 1, count: 3, per: 5,
			expected: []span{{1, 3}},
		},
		{
			name:  "Exact multiple",
			start: 1, count: 4, per: 2,
			expected: []span{{1, 2}, {3, 2}},
		},
		{
			name:  "Remainder in the last span",
			start: 1, count: 5, per: 2,
			expected: []span{{1, 2}, {3, 2}, {5, 1}},
		},
		{
			name:  "Byte offsets",
			start: 0, count: 5, per: 2,
			expected: []span{{0, 2}, {2, 2}, {4, 1}},
		},
		{
			name:  "One unit per span",
			start: 10, count: 3, per: 1,
			expected: []span{{10, 1}, {11, 1}, {12, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSpan(tt.start, tt.count, tt.per)
			if diff := cmp.Diff(tt.expected, got, cmp.AllowUnexported(span{})); diff != "" {
				t.Errorf("Spans mismatch (-expected +got):\n%s", diff)
			}

			// Spans must cover the range exactly, strictly increasing.
			next := tt.start
			total := 0
			for _, s := range got {
				if s.start != next {
					t.Errorf("Span starts at %d, expected %d", s.start, next)
				}
				next = s.start + s.count
				total += s.count
			}
			if total != tt.count {
				t.Errorf("Spans cover %d units, expected %d", total, tt.count)
			}
		})
	}
}

func TestGroupCommands(t *testing.T) {
	sized := func(n int) *cardCommand {
		return &cardCommand{apdu: newUpdateRecordCommand(testCard(), 7, 1, make([]byte, n)).apdu}
	}

	t.Run("Commands share a group under capacity", func(t *testing.T) {
		groups := groupCommands([]*cardCommand{sized(3), sized(3), sized(3)}, 10)
		if len(groups) != 1 || len(groups[0]) != 3 {
			t.Errorf("Got %d groups, expected one group of 3", len(groups))
		}
	})

	t.Run("Capacity overflow opens a new group", func(t *testing.T) {
		groups := groupCommands([]*cardCommand{sized(6), sized(6), sized(6)}, 10)
		if len(groups) != 3 {
			t.Errorf("Got %d groups, expected 3", len(groups))
		}
	})

	t.Run("Deferred command is alone in its group", func(t *testing.T) {
		queue := []*cardCommand{
			sized(1),
			{build: func() (*apdu.CommandAPDU, error) { return nil, nil }},
			sized(1),
		}
		groups := groupCommands(queue, 10)
		if len(groups) != 3 {
			t.Fatalf("Got %d groups, expected 3", len(groups))
		}
		if len(groups[1]) != 1 || !groups[1][0].deferred() {
			t.Error("Middle group must hold exactly the deferred command")
		}
	})

	t.Run("Order is preserved", func(t *testing.T) {
		queue := []*cardCommand{sized(4), sized(4), sized(4), sized(4)}
		groups := groupCommands(queue, 8)
		flat := make([]*cardCommand, 0, len(queue))
		for _, g := range groups {
			flat = append(flat, g...)
		}
		for i := range queue {
			if flat[i] != queue[i] {
				t.Fatalf("Command %d out of order", i)
			}
		}
	})
}
