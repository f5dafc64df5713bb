package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/labkeeper/internal/apperr"
)

// HandleListUsers pages through users with their scopes.
func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r)
	page, err := a.Accounts.ListUsers(r.Context(), claimsFrom(r), p.Limit(), p.Offset())
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": page.Users,
		"meta": map[string]int{"total": page.Total, "page": p.Page, "size": p.Size},
	})
}

// HandleChangeScope grants or revokes one scope. Body: {"scope": "db", "action": "grant"|"revoke"}.
func (a *App) HandleChangeScope(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	var req struct {
		Scope  string `json:"scope"`
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}

	var scopes []string
	switch req.Action {
	case "grant", "":
		scopes, err = a.Accounts.GrantScope(r.Context(), claimsFrom(r), id, req.Scope)
	case "revoke":
		scopes, err = a.Accounts.RevokeScope(r.Context(), claimsFrom(r), id, req.Scope)
	default:
		err = apperr.BadRequest("invalid_action", "action must be grant or revoke")
	}
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if scopes == nil {
		scopes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": id, "scopes": scopes}})
}

// HandleSetUserStatus enables or disables a user. Body: {"is_active": bool}.
func (a *App) HandleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "is_active is required")
		return
	}
	if err := a.Accounts.SetActive(r.Context(), claimsFrom(r), id, *req.IsActive); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": id, "is_active": *req.IsActive}})
}

func (a *App) HandleDeactivateInvite(w http.ResponseWriter, r *http.Request) {
	if err := a.Accounts.DeactivateInvite(r.Context(), claimsFrom(r), mux.Vars(r)["code"]); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
