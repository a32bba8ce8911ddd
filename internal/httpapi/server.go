package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perkledger/perkledger/internal/service"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the JSON HTTP surface over the link/sync/cycle services. All
// routes are dispatched from ServeHTTP; handlers own status mapping.
type Server struct {
	link        *service.LinkService
	sync        *service.SyncService
	cycles      *service.CycleService
	benefits    *service.BenefitService
	cfg         ServerConfig
	rateLimiter *rateLimiter
	log         *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(link *service.LinkService, syncSvc *service.SyncService, cycles *service.CycleService, benefits *service.BenefitService, cfg ServerConfig, log *slog.Logger) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		link:        link,
		sync:        syncSvc,
		cycles:      cycles,
		benefits:    benefits,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/link/exchange" && r.Method == http.MethodPost {
		s.handleLinkExchange(w, r)
		return
	}
	if r.URL.Path == "/v1/sync" && r.Method == http.MethodPost {
		s.handleSync(w, r)
		return
	}
	if r.URL.Path == "/v1/cycles" && r.Method == http.MethodGet {
		s.handleCycles(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items" && parts[3] == "reload" && r.Method == http.MethodPost:
		s.handleReload(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items" && parts[3] == "status" && r.Method == http.MethodGet:
		s.handleItemStatus(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items" && parts[3] == "disconnect" && r.Method == http.MethodPost:
		s.handleDisconnect(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "accounts" && parts[3] == "benefits" && r.Method == http.MethodGet:
		s.handleAccountBenefits(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "accounts" && parts[3] == "mark-paid" && r.Method == http.MethodPost:
		s.handleMarkPaid(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type linkExchangeRequest struct {
	UserID          string `json:"userId"`
	MemberID        string `json:"memberId"`
	LinkToken       string `json:"linkToken"`
	InstitutionID   string `json:"institutionId"`
	InstitutionName string `json:"institutionName"`
	Accounts        []struct {
		Mask    string `json:"mask"`
		Subtype string `json:"subtype"`
	} `json:"accounts"`
}

func (s *Server) handleLinkExchange(w http.ResponseWriter, r *http.Request) {
	var req linkExchangeRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	link := service.LinkRequest{
		UserID:          req.UserID,
		MemberID:        req.MemberID,
		LinkToken:       req.LinkToken,
		InstitutionID:   req.InstitutionID,
		InstitutionName: req.InstitutionName,
	}
	for _, a := range req.Accounts {
		link.ProposedAccounts = append(link.ProposedAccounts, service.ProposedAccount{Mask: a.Mask, Subtype: a.Subtype})
	}
	result, err := s.link.Exchange(r.Context(), link)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

type syncRequest struct {
	ItemID string `json:"itemId"`
	UserID string `json:"userId"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "itemId is required")
		return
	}
	if s.rateLimiter != nil {
		key := req.UserID
		if key == "" {
			key = req.ItemID
		}
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "sync rate limit exceeded")
			return
		}
	}
	result, err := s.sync.SyncItem(r.Context(), req.ItemID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reloadRequest struct {
	Confirmation string `json:"confirmation"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, itemID string) {
	var req reloadRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	result, err := s.sync.ReloadItem(r.Context(), itemID, req.Confirmation)
	if err != nil {
		if errors.Is(err, service.ErrBadConfirmation) {
			writeError(w, http.StatusBadRequest, "bad_confirmation", "reload requires the exact confirmation string")
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleItemStatus(w http.ResponseWriter, r *http.Request, itemID string) {
	item, status, err := s.link.Status(r.Context(), itemID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := map[string]any{
		"itemId":        item.ID,
		"status":        item.Status,
		"institutionId": item.InstitutionID,
		"lastSyncedAt":  item.LastSyncedAt,
	}
	if status.Error != nil {
		resp["aggregatorError"] = status.Error.Code
	}
	if status.ConsentExpiration != nil {
		resp["consentExpiration"] = status.ConsentExpiration
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, itemID string) {
	if err := s.link.Disconnect(r.Context(), itemID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"itemId": itemID, "status": "disconnected"})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	member := strings.TrimSpace(r.URL.Query().Get("member"))
	if member == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "member query parameter is required")
		return
	}
	cards, err := s.cycles.ListForMember(r.Context(), member, time.Now().UTC())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *Server) handleAccountBenefits(w http.ResponseWriter, r *http.Request, accountID string) {
	periods, err := s.benefits.UsageForAccount(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	type usage struct {
		BenefitID      string    `json:"benefitId"`
		PeriodStart    time.Time `json:"periodStart"`
		PeriodEnd      time.Time `json:"periodEnd"`
		CapCents       int64     `json:"capCents"`
		UsedCents      int64     `json:"usedCents"`
		RemainingCents int64     `json:"remainingCents"`
	}
	out := make([]usage, 0, len(periods))
	for _, p := range periods {
		out = append(out, usage{
			BenefitID:      p.BenefitID,
			PeriodStart:    p.PeriodStart,
			PeriodEnd:      p.PeriodEnd,
			CapCents:       p.CapCents,
			UsedCents:      p.UsedCents,
			RemainingCents: p.RemainingCents,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountId": accountID, "benefits": out})
}

type markPaidRequest struct {
	AmountCents *int64 `json:"amountCents"`
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request, accountID string) {
	var req markPaidRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.cycles.MarkPaid(r.Context(), accountID, req.AmountCents, time.Now().UTC()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accountId": accountID, "status": "marked_paid"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrItemNotFound), errors.Is(err, service.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrInvalidLinkRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
