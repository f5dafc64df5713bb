package main

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/labkeeper/internal/apperr"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxPage         = math.MaxInt32
)

type pagination struct {
	Page int
	Size int
}

func (p pagination) Limit() int  { return p.Size }
func (p pagination) Offset() int { return (p.Page - 1) * p.Size }

// parsePagination reads page and size from the query string. Missing or
// malformed values fall back to the defaults; size is clamped to 1..100 and
// page to 1..MaxInt32 so the offset cannot overflow.
func parsePagination(r *http.Request) pagination {
	p := pagination{Page: 1, Size: defaultPageSize}
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v >= 1 {
		p.Page = v
		if v > maxPage {
			p.Page = maxPage
		}
	}
	if v, err := strconv.Atoi(q.Get("size")); err == nil {
		switch {
		case v < 1:
			p.Size = 1
		case v > maxPageSize:
			p.Size = maxPageSize
		default:
			p.Size = v
		}
	}
	return p
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		return 0, apperr.BadRequest("invalid_id", "id must be a positive integer")
	}
	return id, nil
}

// HandleMeta lists every exposed table with its columns.
func (a *App) HandleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": a.Resources.Tables()})
}

func (a *App) HandleDescribeTable(w http.ResponseWriter, r *http.Request) {
	desc, err := a.Resources.Describe(mux.Vars(r)["table"])
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": desc})
}

func (a *App) HandleListRows(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r)
	page, err := a.Resources.List(r.Context(), mux.Vars(r)["table"], p.Limit(), p.Offset())
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": page.Rows,
		"meta": map[string]int{
			"total":  page.Total,
			"limit":  p.Limit(),
			"offset": p.Offset(),
			"page":   p.Page,
			"size":   p.Size,
		},
	})
}

func (a *App) HandleCreateRow(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := decodeJSON(r, &fields); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	row, err := a.Resources.Create(r.Context(), mux.Vars(r)["table"], fields)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": row})
}

func (a *App) HandleGetRow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	row, err := a.Resources.Get(r.Context(), mux.Vars(r)["table"], id)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": row})
}

func (a *App) HandleUpdateRow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	var fields map[string]interface{}
	if err := decodeJSON(r, &fields); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	row, err := a.Resources.Update(r.Context(), mux.Vars(r)["table"], id, fields)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": row})
}

func (a *App) HandleDeleteRow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if err := a.Resources.Delete(r.Context(), mux.Vars(r)["table"], id); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListDocs pages through documents, most recently updated first.
func (a *App) HandleListDocs(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r)
	page, err := a.Docs.List(r.Context(), p.Limit(), p.Offset())
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": page.Rows,
		"meta": map[string]int{"total": page.Total, "page": p.Page, "size": p.Size},
	})
}

func (a *App) HandleGetDoc(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	doc, err := a.Docs.Get(r.Context(), id)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
