package paymentcycle

import "time"

// State is one of the four statement/payment lifecycle states.
type State int

const (
	// StatementGenerated: an open, unpaid statement. Most urgent.
	StatementGenerated State = iota + 1
	// PaymentScheduled: payment is in flight but not yet reflected in the
	// balance.
	PaymentScheduled
	// PaidAwaitingStatement: cycle closed, waiting for the next statement.
	PaidAwaitingStatement
	// Dormant: no balance, no recent activity. Least urgent.
	Dormant
)

func (s State) String() string {
	switch s {
	case StatementGenerated:
		return "statement_generated"
	case PaymentScheduled:
		return "payment_scheduled"
	case PaidAwaitingStatement:
		return "paid_awaiting_statement"
	case Dormant:
		return "dormant"
	default:
		return "unknown"
	}
}

// Snapshot carries the classifier inputs for one credit account. Balances
// are integer cents, so the "approximately zero" comparisons of the
// float-dollar world collapse to exact zero here; wire noise is absorbed
// upstream at the decimal conversion.
type Snapshot struct {
	StatementBalanceCents int64
	StatementDate         *time.Time
	CurrentBalanceCents   int64
	MarkedPaidAt          *time.Time
	LastPaymentCents      *int64
	LastPaymentDate       *time.Time
	NextDueDate           *time.Time
}

const (
	// paymentTolerance is how far a recent payment may differ from the
	// statement balance and still count as paying it ($1.00).
	paymentToleranceCents = 100
	recentPaymentWindow   = 30 * 24 * time.Hour
	staleStatementAge     = 90 * 24 * time.Hour
)

// Classify maps a snapshot to its lifecycle state. Decision order is
// fixed; the first matching rule wins. Day-age comparisons are strictly
// greater-than, consistently on both the 30- and 90-day boundaries.
func Classify(s Snapshot, now time.Time) State {
	zeroStatement := s.StatementBalanceCents == 0
	zeroCurrent := s.CurrentBalanceCents == 0
	creditCurrent := s.CurrentBalanceCents < 0

	var statementAge time.Duration
	if s.StatementDate != nil {
		statementAge = now.Sub(*s.StatementDate)
	}

	// 1. Dormant: nothing owed and nothing moving.
	if zeroStatement && zeroCurrent {
		return Dormant
	}
	if s.StatementDate != nil && zeroCurrent && statementAge > staleStatementAge {
		return Dormant
	}

	// 2. Paid or payment in flight.
	recentQualifyingPayment := false
	if s.LastPaymentCents != nil && s.LastPaymentDate != nil &&
		now.Sub(*s.LastPaymentDate) <= recentPaymentWindow {
		diff := *s.LastPaymentCents - s.StatementBalanceCents
		if diff < 0 {
			diff = -diff
		}
		recentQualifyingPayment = diff <= paymentToleranceCents
	}
	if s.MarkedPaidAt != nil || zeroCurrent || creditCurrent || recentQualifyingPayment {
		if zeroCurrent || creditCurrent {
			return PaidAwaitingStatement
		}
		return PaymentScheduled
	}

	// 3. Open unpaid statement, however old: outstanding debt is never
	// dormant.
	if s.StatementBalanceCents > 0 {
		return StatementGenerated
	}

	// 4. No statement debt but current activity awaiting its first
	// statement.
	return PaidAwaitingStatement
}

// priority orders states for display, most urgent first.
func priority(s State) int {
	switch s {
	case StatementGenerated:
		return 1
	case PaymentScheduled:
		return 2
	case PaidAwaitingStatement:
		return 3
	default:
		return 4
	}
}

// Entry pairs a classified snapshot with its state for sorting.
type Entry struct {
	State    State
	Snapshot Snapshot
}

// Less is the display comparator: state priority first, then due date
// (soonest first, nulls last) among open statements, then last-payment
// date (oldest first, nulls last) among paid-and-waiting cards.
func Less(a, b Entry) bool {
	pa, pb := priority(a.State), priority(b.State)
	if pa != pb {
		return pa < pb
	}
	switch a.State {
	case StatementGenerated:
		return timeAscNullsLast(a.Snapshot.NextDueDate, b.Snapshot.NextDueDate)
	case PaidAwaitingStatement:
		return timeAscNullsLast(a.Snapshot.LastPaymentDate, b.Snapshot.LastPaymentDate)
	}
	return false
}

func timeAscNullsLast(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}
