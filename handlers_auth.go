package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/labkeeper/internal/account"
	"github.com/example/labkeeper/internal/invite"
	"github.com/example/labkeeper/internal/token"
)

func (a *App) observeAuth(flow string, err error) {
	if a.Metrics != nil {
		a.Metrics.ObserveAuth(flow, err)
	}
}

// HandleExchangeAPIKey trades a configured machine key for a token pair.
func (a *App) HandleExchangeAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "missing_api_key", "api_key is required")
		return
	}
	pair, err := a.Accounts.ExchangeAPIKey(req.APIKey)
	a.observeAuth("api_key", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleLogin authenticates a user by username or email.
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	login := req.Username
	if login == "" {
		login = req.Email
	}
	if login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username/email and password required")
		return
	}
	pair, err := a.Accounts.Login(r.Context(), login, req.Password)
	a.observeAuth("login", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleRefresh issues a new pair from a refresh token, keeping its scopes.
func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	pair, err := a.Accounts.Refresh(r.Context(), claimsFrom(r))
	a.observeAuth("refresh", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if err := a.Accounts.ChangePassword(r.Context(), claimsFrom(r), req.CurrentPassword, req.NewPassword); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRequestPasswordReset answers every well-formed request identically.
// The token goes to the account owner through the configured notifier.
func (a *App) HandleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Email required")
		return
	}
	if _, err := a.Accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandlePerformPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if err := a.Accounts.PerformPasswordReset(r.Context(), req.Token, req.Password); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseScopes accepts a JSON list or a comma separated string.
func parseScopes(raw json.RawMessage) ([]string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected scopes type %T", v)
	}
}

// HandleRegister creates a user from an invite. A user bearer may pass
// explicit scopes for the new account.
func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InviteCode string          `json:"invite_code"`
		Username   string          `json:"username"`
		Email      string          `json:"email"`
		Password   string          `json:"password"`
		Scopes     json.RawMessage `json:"scopes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	in := account.RegisterInput{
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		InviteCode: req.InviteCode,
	}
	requester := claimsFrom(r)
	if requester != nil && requester.SubType == token.SubUser && len(req.Scopes) > 0 {
		scopes, err := parseScopes(req.Scopes)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_scope_payload", "scopes must be list or comma separated string")
			return
		}
		in.Scopes = scopes
	}
	reg, err := a.Accounts.Register(r.Context(), in, requester)
	a.observeAuth("register", err)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (a *App) HandleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          *string `json:"email"`
		ExpiresInHours *int    `json:"expires_in_hours"`
		MaxUses        *int    `json:"max_uses"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	p := invite.CreateParams{
		ExpiresInHours: invite.DefaultExpiresInHours,
		MaxUses:        invite.DefaultMaxUses,
	}
	if req.Email != nil {
		p.Email = strings.TrimSpace(*req.Email)
	}
	if req.ExpiresInHours != nil {
		p.ExpiresInHours = *req.ExpiresInHours
	}
	if req.MaxUses != nil {
		p.MaxUses = *req.MaxUses
	}
	inv, err := a.Accounts.CreateInvite(r.Context(), claimsFrom(r), p)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	var expiresAt *string
	if inv.ExpiresAt != nil {
		ts := inv.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt = &ts
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"code":       inv.Code,
		"expires_at": expiresAt,
	})
}

// HandleMe describes the authenticated caller.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, err := a.Accounts.Me(r.Context(), claimsFrom(r))
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
