package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lmsbridge.org/internal/audit"
	"lmsbridge.org/internal/sso"
)

const maxAdminLimit = 1000

type accountView struct {
	UniqueID     string `json:"unique_id"`
	SubaccountID string `json:"subaccount_id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type accessLogView struct {
	ID           string `json:"id"`
	OccurredAt   string `json:"occurred_at"`
	Flow         string `json:"flow"`
	UniqueID     string `json:"unique_id"`
	ClientID     string `json:"client_id,omitempty"`
	SourceIP     string `json:"source_ip"`
	UserAgent    string `json:"user_agent,omitempty"`
	Outcome      string `json:"outcome"`
	SubaccountID string `json:"subaccount_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

type upsertAccountRequest struct {
	SubaccountID string `json:"subaccount_id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Active       *bool  `json:"active"`
}

func (a *API) AdminAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	accts, err := a.accounts.List(r.Context(), limit)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	out := make([]accountView, 0, len(accts))
	for _, acct := range accts {
		out = append(out, toAccountView(acct))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (a *API) AdminAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	uid := strings.TrimSpace(r.PathValue("unique_id"))
	var req upsertAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct := &sso.Account{
		UniqueID:     uid,
		SubaccountID: strings.TrimSpace(req.SubaccountID),
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Active:       req.Active == nil || *req.Active,
	}
	if err := a.accounts.Upsert(r.Context(), acct); err != nil {
		handleAdminError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.account_upsert", map[string]any{
		"unique_id":     acct.UniqueID,
		"subaccount_id": acct.SubaccountID,
		"active":        acct.Active,
		"source_ip":     clientIP(r),
	})
	writeJSON(w, http.StatusOK, toAccountView(acct))
}

func (a *API) AdminAccessLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.logs.Recent(r.Context(), limit)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	out := make([]accessLogView, 0, len(entries))
	for _, e := range entries {
		out = append(out, accessLogView{
			ID:           e.ID,
			OccurredAt:   e.OccurredAt.UTC().Format(time.RFC3339),
			Flow:         string(e.Flow),
			UniqueID:     e.UniqueID,
			ClientID:     e.ClientID,
			SourceIP:     e.SourceIP,
			UserAgent:    e.UserAgent,
			Outcome:      string(e.Outcome),
			SubaccountID: e.SubaccountID,
			RequestID:    e.RequestID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxAdminLimit {
		n = maxAdminLimit
	}
	return n, nil
}

func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sso.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, sso.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, sso.ErrStorageUnavailable):
		unavailable(w, r)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func toAccountView(a *sso.Account) accountView {
	v := accountView{
		UniqueID:     a.UniqueID,
		SubaccountID: a.SubaccountID,
		Email:        a.Email,
		FirstName:    a.FirstName,
		LastName:     a.LastName,
		Active:       a.Active,
	}
	if !a.CreatedAt.IsZero() {
		v.CreatedAt = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !a.UpdatedAt.IsZero() {
		v.UpdatedAt = a.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
