package paymentcycle

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func daysAgo(now time.Time, d int) *time.Time {
	t := now.AddDate(0, 0, -d)
	return &t
}

func TestClassifyBoundaryCases(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		snap Snapshot
		want State
	}{
		{
			name: "zero everything is dormant",
			snap: Snapshot{StatementBalanceCents: 0, StatementDate: daysAgo(now, 15), CurrentBalanceCents: 0},
			want: Dormant,
		},
		{
			name: "fresh unpaid statement",
			snap: Snapshot{StatementBalanceCents: 50000, StatementDate: daysAgo(now, 5), CurrentBalanceCents: 50000},
			want: StatementGenerated,
		},
		{
			name: "paid down to zero",
			snap: Snapshot{StatementBalanceCents: 50000, StatementDate: daysAgo(now, 10), CurrentBalanceCents: 0},
			want: PaidAwaitingStatement,
		},
		{
			name: "paid, statement 40 days old, still within stale window",
			snap: Snapshot{StatementBalanceCents: 50000, StatementDate: daysAgo(now, 40), CurrentBalanceCents: 0},
			want: PaidAwaitingStatement,
		},
		{
			name: "paid and statement 100 days old",
			snap: Snapshot{StatementBalanceCents: 50000, StatementDate: daysAgo(now, 100), CurrentBalanceCents: 0},
			want: Dormant,
		},
		{
			name: "manually marked paid with balance still showing",
			snap: Snapshot{
				StatementBalanceCents: 50000, StatementDate: daysAgo(now, 5),
				CurrentBalanceCents: 50000, MarkedPaidAt: &now,
			},
			want: PaymentScheduled,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.snap, now))
		})
	}
}

func TestClassifyRecentPayment(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	amount := func(c int64) *int64 { return &c }

	// Payment within $1.00 of the statement, 10 days ago, balance not yet
	// refreshed: payment is in flight.
	snap := Snapshot{
		StatementBalanceCents: 50000,
		StatementDate:         daysAgo(now, 12),
		CurrentBalanceCents:   50000,
		LastPaymentCents:      amount(49950),
		LastPaymentDate:       daysAgo(now, 10),
	}
	require.Equal(t, PaymentScheduled, Classify(snap, now))

	// Same payment but $1.01 off: does not qualify.
	snap.LastPaymentCents = amount(50000 - 101)
	require.Equal(t, StatementGenerated, Classify(snap, now))

	// Qualifying amount but 31 days ago: too old.
	snap.LastPaymentCents = amount(50000)
	snap.LastPaymentDate = daysAgo(now, 31)
	require.Equal(t, StatementGenerated, Classify(snap, now))

	// Exactly $1.00 off is inclusive.
	snap.LastPaymentCents = amount(50000 - 100)
	snap.LastPaymentDate = daysAgo(now, 30)
	require.Equal(t, PaymentScheduled, Classify(snap, now))
}

func TestClassifyCreditBalance(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	// Overpaid into credit closes the cycle.
	snap := Snapshot{
		StatementBalanceCents: 50000,
		StatementDate:         daysAgo(now, 5),
		CurrentBalanceCents:   -2500,
	}
	require.Equal(t, PaidAwaitingStatement, Classify(snap, now))

	// Marked paid AND zero balance: the closed cycle wins over the in-flight
	// reading.
	snap.CurrentBalanceCents = 0
	snap.MarkedPaidAt = &now
	require.Equal(t, PaidAwaitingStatement, Classify(snap, now))
}

func TestClassifyOldUnpaidStatementIsNeverDormant(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StatementBalanceCents: 50000,
		StatementDate:         daysAgo(now, 200),
		CurrentBalanceCents:   50000,
	}
	require.Equal(t, StatementGenerated, Classify(snap, now))
}

func TestClassifyActivityWithoutStatement(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{CurrentBalanceCents: 1234}
	require.Equal(t, PaidAwaitingStatement, Classify(snap, now))
}

func TestSortComparator(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	due := func(d int) *time.Time {
		t := now.AddDate(0, 0, d)
		return &t
	}

	entries := []Entry{
		{State: Dormant},
		{State: PaidAwaitingStatement, Snapshot: Snapshot{LastPaymentDate: daysAgo(now, 3)}},
		{State: StatementGenerated, Snapshot: Snapshot{NextDueDate: nil}},
		{State: StatementGenerated, Snapshot: Snapshot{NextDueDate: due(20)}},
		{State: PaidAwaitingStatement, Snapshot: Snapshot{LastPaymentDate: daysAgo(now, 60)}},
		{State: PaymentScheduled},
		{State: StatementGenerated, Snapshot: Snapshot{NextDueDate: due(5)}},
	}

	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })

	require.Equal(t, StatementGenerated, entries[0].State)
	require.Equal(t, due(5), entries[0].Snapshot.NextDueDate)
	require.Equal(t, due(20), entries[1].Snapshot.NextDueDate)
	require.Nil(t, entries[2].Snapshot.NextDueDate) // nulls last within the band
	require.Equal(t, PaymentScheduled, entries[3].State)
	// Oldest payment surfaces first among the paid-and-waiting cards.
	require.Equal(t, PaidAwaitingStatement, entries[4].State)
	require.Equal(t, daysAgo(now, 60), entries[4].Snapshot.LastPaymentDate)
	require.Equal(t, daysAgo(now, 3), entries[5].Snapshot.LastPaymentDate)
	require.Equal(t, Dormant, entries[6].State)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "statement_generated", StatementGenerated.String())
	require.Equal(t, "payment_scheduled", PaymentScheduled.String())
	require.Equal(t, "paid_awaiting_statement", PaidAwaitingStatement.String())
	require.Equal(t, "dormant", Dormant.String())
}
