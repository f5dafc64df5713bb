package resource

import (
	"context"
	"errors"

	"github.com/example/labkeeper/internal/store"
)

const docsTable = "docs"

// Documents serves the doc-scoped document endpoints. It reads the docs
// schema from the registry but is not subject to the CRUD whitelist.
type Documents struct {
	schema *Schema
	db     *store.Store
}

func NewDocuments(reg *Registry, db *store.Store) (*Documents, error) {
	s, ok := reg.Lookup(docsTable)
	if !ok {
		return nil, errors.New("docs schema not registered")
	}
	return &Documents{schema: s, db: db}, nil
}

// List returns documents most recently updated first.
func (d *Documents) List(ctx context.Context, limit, offset int) (*Page, error) {
	return listPage(ctx, d.db.Queries, d.schema, "updated_at DESC, id DESC", limit, offset)
}

// Get returns one document or not_found.
func (d *Documents) Get(ctx context.Context, id int64) (map[string]interface{}, error) {
	return getRow(ctx, d.db.Queries, d.schema, id)
}
