package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/perkledger/perkledger/internal/database/repository"
	"github.com/perkledger/perkledger/internal/paymentcycle"
)

// ErrAccountNotFound is returned when an account-scoped operation targets
// an account that does not exist.
var ErrAccountNotFound = errors.New("account not found")

// CycleService is the read path: classify each credit account's
// statement/payment lifecycle and order them for display.
type CycleService struct {
	Accounts *repository.AccountRepo
}

// CardCycle is one classified account for the cycles endpoint.
type CardCycle struct {
	AccountID             string     `json:"accountId"`
	Name                  string     `json:"name"`
	Mask                  string     `json:"mask"`
	State                 string     `json:"state"`
	StatementBalanceCents int64      `json:"statementBalanceCents"`
	CurrentBalanceCents   int64      `json:"currentBalanceCents"`
	NextDueDate           *time.Time `json:"nextDueDate,omitempty"`
	LastPaymentDate       *time.Time `json:"lastPaymentDate,omitempty"`
}

// ListForMember classifies the member's credit accounts as of now and
// sorts them most-urgent first.
func (s *CycleService) ListForMember(ctx context.Context, memberID string, now time.Time) ([]CardCycle, error) {
	accounts, err := s.Accounts.ListByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	type classified struct {
		entry   paymentcycle.Entry
		account repository.LinkedAccount
	}
	var items []classified
	for _, a := range accounts {
		if a.AccountType != "credit" && a.Subtype != "credit card" {
			continue
		}
		snap := snapshotFor(a)
		items = append(items, classified{
			entry:   paymentcycle.Entry{State: paymentcycle.Classify(snap, now), Snapshot: snap},
			account: a,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return paymentcycle.Less(items[i].entry, items[j].entry)
	})

	out := make([]CardCycle, 0, len(items))
	for _, it := range items {
		out = append(out, CardCycle{
			AccountID:             it.account.ID,
			Name:                  it.account.Name,
			Mask:                  it.account.Mask,
			State:                 it.entry.State.String(),
			StatementBalanceCents: it.entry.Snapshot.StatementBalanceCents,
			CurrentBalanceCents:   it.account.CurrentBalanceCents,
			NextDueDate:           it.account.NextDueDate,
			LastPaymentDate:       it.account.LastPaymentDate,
		})
	}
	return out, nil
}

// MarkPaid records the user's manual override; the classifier reports the
// cycle as payment-in-flight until the zero balance lands.
func (s *CycleService) MarkPaid(ctx context.Context, accountID string, amountCents *int64, now time.Time) error {
	account, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrAccountNotFound
	}
	return s.Accounts.MarkPaid(ctx, accountID, now, amountCents)
}

func snapshotFor(a repository.LinkedAccount) paymentcycle.Snapshot {
	snap := paymentcycle.Snapshot{
		CurrentBalanceCents: a.CurrentBalanceCents,
		StatementDate:       a.StatementDate,
		MarkedPaidAt:        a.MarkedPaidAt,
		LastPaymentCents:    a.LastPaymentCents,
		LastPaymentDate:     a.LastPaymentDate,
		NextDueDate:         a.NextDueDate,
	}
	if a.StatementBalanceCents != nil {
		snap.StatementBalanceCents = *a.StatementBalanceCents
	}
	return snap
}
