package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/perkledger/perkledger/internal/aggregator"
	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/database/repository"
	"github.com/perkledger/perkledger/internal/secrets"
)

// ErrInvalidLinkRequest covers missing/malformed link input.
var ErrInvalidLinkRequest = errors.New("invalid link request")

// LinkService exchanges link tokens for durable items and guards against
// linking the same physical card twice.
type LinkService struct {
	DB         *sql.DB
	Items      *repository.ItemRepo
	Accounts   *repository.AccountRepo
	Secrets    secrets.Store
	Aggregator aggregator.Client
	Sandbox    bool
	Log        *slog.Logger
}

// LinkRequest is the caller's link-exchange input: the short-lived token
// plus the aggregator-reported metadata used for the duplicate pre-flight.
type LinkRequest struct {
	UserID           string
	MemberID         string
	LinkToken        string
	InstitutionID    string
	InstitutionName  string
	ProposedAccounts []ProposedAccount
}

// ProposedAccount is the (mask, subtype) pair the link UI reports before
// any exchange happens.
type ProposedAccount struct {
	Mask    string
	Subtype string
}

// LinkResult reports the created (or pre-existing) item.
type LinkResult struct {
	ItemID    string `json:"itemId"`
	Duplicate bool   `json:"duplicate"`
}

// Exchange implements the link flow: duplicate pre-flight (which must
// short-circuit before any aggregator call), token exchange, secret
// write, liabilities fetch with balance fallback, then item + accounts in
// one database transaction.
//
// The secret write is deliberately outside that transaction: if the item
// write fails afterwards, the orphaned handle is retained by design
// (exchanged credentials must survive for aggregator compliance).
func (s *LinkService) Exchange(ctx context.Context, req LinkRequest) (LinkResult, error) {
	if req.UserID == "" || req.LinkToken == "" || req.InstitutionID == "" {
		return LinkResult{}, ErrInvalidLinkRequest
	}
	if req.MemberID == "" {
		req.MemberID = req.UserID
	}

	if existing, err := s.findDuplicate(ctx, req); err != nil {
		return LinkResult{}, err
	} else if existing != "" {
		return LinkResult{ItemID: existing, Duplicate: true}, nil
	}

	exchanged, err := s.Aggregator.ExchangeToken(ctx, req.LinkToken)
	if err != nil {
		return LinkResult{}, fmt.Errorf("token exchange: %w", err)
	}

	secretID, err := s.Secrets.CreateSecret(ctx, exchanged.Credential.Reveal(),
		"item:"+exchanged.ItemID)
	if err != nil {
		return LinkResult{}, fmt.Errorf("store credential: %w", err)
	}

	accounts, liabilities, err := s.fetchAccounts(ctx, exchanged.Credential)
	if err != nil {
		return LinkResult{}, err
	}

	// Re-check just before the write; a true race beyond this point lands
	// on the unique index and is answered as a duplicate below.
	if existing, err := s.findDuplicate(ctx, req); err != nil {
		return LinkResult{}, err
	} else if existing != "" {
		return LinkResult{ItemID: existing, Duplicate: true}, nil
	}

	item := repository.LinkedItem{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		MemberID:        req.MemberID,
		InstitutionID:   req.InstitutionID,
		InstitutionName: req.InstitutionName,
		SecretID:        string(secretID),
		Status:          repository.ItemActive,
		Sandbox:         s.Sandbox,
	}

	liabilityByAccount := make(map[string]aggregator.Liability, len(liabilities))
	for _, l := range liabilities {
		liabilityByAccount[l.AccountID] = l
	}

	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := s.Items.InsertTx(ctx, tx, item); err != nil {
			return err
		}
		for _, a := range accounts {
			row := repository.LinkedAccount{
				ID:                    uuid.NewString(),
				ItemID:                item.ID,
				MemberID:              req.MemberID,
				InstitutionID:         req.InstitutionID,
				ExternalID:            a.AccountID,
				Name:                  a.Name,
				OfficialName:          a.OfficialName,
				Mask:                  a.Mask,
				AccountType:           a.Type,
				Subtype:               a.Subtype,
				ProductID:             productFor(req.InstitutionID, a),
				Status:                "active",
				CurrentBalanceCents:   a.CurrentBalanceCents,
				AvailableBalanceCents: a.AvailableBalanceCents,
			}
			if l, ok := liabilityByAccount[a.AccountID]; ok {
				row.APRBps = l.APRBps
				row.CreditLimitCents = l.CreditLimitCents
				row.StatementBalanceCents = l.StatementBalanceCents
				row.StatementDate = l.StatementDate
				row.MinPaymentCents = l.MinPaymentCents
				row.NextDueDate = l.NextDueDate
				row.LastPaymentCents = l.LastPaymentCents
				row.LastPaymentDate = l.LastPaymentDate
			}
			if err := s.Accounts.InsertTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			// Lost the race: the other request's item is the canonical one.
			if existing, dupErr := s.findDuplicate(ctx, req); dupErr == nil && existing != "" {
				s.logger().Info("duplicate link resolved by constraint", "item", existing)
				return LinkResult{ItemID: existing, Duplicate: true}, nil
			}
		}
		// The secret handle written above is intentionally left in place.
		return LinkResult{}, fmt.Errorf("persist item: %w", err)
	}

	return LinkResult{ItemID: item.ID}, nil
}

// fetchAccounts prefers the liabilities product so credit detail arrives
// with the link; institutions that do not support it fall back to the
// plain account fetch and pick up liabilities on a later sync.
func (s *LinkService) fetchAccounts(ctx context.Context, credential secrets.Credential) ([]aggregator.Account, []aggregator.Liability, error) {
	res, err := s.Aggregator.GetLiabilities(ctx, credential)
	if err == nil {
		return res.Accounts, res.Liabilities, nil
	}
	var apiErr *aggregator.APIError
	if errors.As(err, &apiErr) && apiErr.Code == aggregator.CodeProductNotReady {
		s.logger().Info("liabilities not ready, linking with balances only")
		accounts, aerr := s.Aggregator.GetAccounts(ctx, credential)
		if aerr != nil {
			return nil, nil, fmt.Errorf("fetch accounts: %w", aerr)
		}
		return accounts, nil, nil
	}
	return nil, nil, fmt.Errorf("fetch liabilities: %w", err)
}

// Disconnect invalidates the credential upstream and flips the item's
// status. The secret handle is never deleted: disconnection is a status
// change, not a purge.
func (s *LinkService) Disconnect(ctx context.Context, itemID string) error {
	item, err := s.Items.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return ErrItemNotFound
	}
	credential, err := s.Secrets.GetSecret(ctx, secrets.Handle(item.SecretID))
	if err != nil {
		return fmt.Errorf("fetch credential: %w", err)
	}
	if err := s.Aggregator.RemoveItem(ctx, credential); err != nil {
		return fmt.Errorf("remove upstream item: %w", err)
	}
	return s.Items.UpdateStatus(ctx, itemID, repository.ItemDisconnected)
}

// Status surfaces the aggregator's live view of the connection.
func (s *LinkService) Status(ctx context.Context, itemID string) (*repository.LinkedItem, aggregator.ItemStatus, error) {
	item, err := s.Items.Get(ctx, itemID)
	if err != nil {
		return nil, aggregator.ItemStatus{}, err
	}
	if item == nil {
		return nil, aggregator.ItemStatus{}, ErrItemNotFound
	}
	credential, err := s.Secrets.GetSecret(ctx, secrets.Handle(item.SecretID))
	if err != nil {
		return nil, aggregator.ItemStatus{}, fmt.Errorf("fetch credential: %w", err)
	}
	status, err := s.Aggregator.GetItemStatus(ctx, credential)
	if err != nil {
		return nil, aggregator.ItemStatus{}, err
	}
	return item, status, nil
}

// findDuplicate is the pre-flight heuristic: same institution plus at
// least one proposed (mask, subtype) pair already linked for this user.
// Looser than the table constraint on purpose — its job is to avoid
// burning an exchange call, not to be the backstop.
func (s *LinkService) findDuplicate(ctx context.Context, req LinkRequest) (string, error) {
	existing, err := s.Accounts.ListByUserInstitution(ctx, req.UserID, req.InstitutionID)
	if err != nil {
		return "", err
	}
	for _, have := range existing {
		for _, proposed := range req.ProposedAccounts {
			if have.Mask == proposed.Mask && strings.EqualFold(have.Subtype, proposed.Subtype) {
				return have.ItemID, nil
			}
		}
	}
	return "", nil
}

// SameOfficialName reports whether two official names refer to the same
// account despite aggregator renaming drift (case, punctuation, small
// edits). Used during re-sync account rediscovery.
func SameOfficialName(a, b string) bool {
	na, nb := normalizeName(a), normalizeName(b)
	if na == nb {
		return true
	}
	if na == "" || nb == "" {
		return false
	}
	dist := levenshtein.ComputeDistance(na, nb)
	maxlen := len(na)
	if len(nb) > maxlen {
		maxlen = len(nb)
	}
	return float64(dist)/float64(maxlen) < 0.4
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

func productFor(institutionID string, a aggregator.Account) *string {
	if a.Subtype != "credit card" && a.Type != "credit" {
		return nil
	}
	// Product id keys the benefit rule table. A readable slug so rule
	// files can name products directly: "<institution>:<official name>".
	name := a.Name
	if a.OfficialName != nil && *a.OfficialName != "" {
		name = *a.OfficialName
	}
	id := strings.ToLower(institutionID + ":" + strings.Join(strings.Fields(name), "-"))
	return &id
}

func (s *LinkService) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
