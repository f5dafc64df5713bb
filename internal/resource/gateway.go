package resource

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/store"
)

// Page is one page of encoded rows plus the table's total row count.
type Page struct {
	Rows  []map[string]interface{}
	Total int
}

// ColumnInfo is the metadata view of a column.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Description is the metadata view of a table.
type Description struct {
	Table   string       `json:"table"`
	Columns []ColumnInfo `json:"columns"`
}

// Gateway dispatches CRUD over whitelisted registered types.
type Gateway struct {
	reg *Registry
	db  *store.Store
	now func() time.Time
}

func NewGateway(reg *Registry, db *store.Store) *Gateway {
	return &Gateway{reg: reg, db: db, now: time.Now}
}

// Registry exposes the gateway's registry.
func (g *Gateway) Registry() *Registry { return g.reg }

func tableNotAllowed() *apperr.Error {
	return apperr.New(apperr.KindForbidden, "table_not_allowed", "Table not permitted")
}

func tableUnknown() *apperr.Error {
	return apperr.New(apperr.KindNotFound, "table_unknown", "Table not found")
}

func constraintViolation(table string, err error) *apperr.Error {
	return apperr.New(apperr.KindConstraintViolation, "constraint_violation", "Constraint violation",
		apperr.WithDetails(map[string]interface{}{"table": table}), apperr.WithErr(err))
}

// schema checks the whitelist first, then the registry.
func (g *Gateway) schema(table string) (*Schema, error) {
	if !g.reg.Allowed(table) {
		return nil, tableNotAllowed()
	}
	s, ok := g.reg.Lookup(table)
	if !ok {
		return nil, tableUnknown()
	}
	return s, nil
}

// Tables maps every served table to its column names.
func (g *Gateway) Tables() map[string][]string {
	out := map[string][]string{}
	for _, name := range g.reg.Names() {
		s, _ := g.reg.Lookup(name)
		out[name] = s.ColumnNames()
	}
	return out
}

// Describe returns column metadata for table.
func (g *Gateway) Describe(table string) (*Description, error) {
	s, err := g.schema(table)
	if err != nil {
		return nil, err
	}
	d := &Description{Table: s.Name, Columns: make([]ColumnInfo, len(s.Columns))}
	for i, c := range s.Columns {
		d.Columns[i] = ColumnInfo{Name: c.Name, Type: c.Kind.String(), Nullable: c.Nullable}
	}
	return d, nil
}

// List returns rows [offset, offset+limit) ordered by primary key.
func (g *Gateway) List(ctx context.Context, table string, limit, offset int) (*Page, error) {
	s, err := g.schema(table)
	if err != nil {
		return nil, err
	}
	return listPage(ctx, g.db.Queries, s, s.PrimaryKey, limit, offset)
}

func listPage(ctx context.Context, q *store.Queries, s *Schema, orderBy string, limit, offset int) (*Page, error) {
	total, err := q.CountRows(ctx, s.Name)
	if err != nil {
		return nil, fmt.Errorf("counting %s: %w", s.Name, err)
	}
	rows, err := q.ListRowsOrdered(ctx, s.Name, s.ColumnNames(), orderBy, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.Name, err)
	}
	page := &Page{Rows: make([]map[string]interface{}, len(rows)), Total: total}
	for i, r := range rows {
		page.Rows[i] = Encode(s, Decode(s, r))
	}
	return page, nil
}

// Get returns one row or not_found.
func (g *Gateway) Get(ctx context.Context, table string, id int64) (map[string]interface{}, error) {
	s, err := g.schema(table)
	if err != nil {
		return nil, err
	}
	return getRow(ctx, g.db.Queries, s, id)
}

func getRow(ctx context.Context, q *store.Queries, s *Schema, id int64) (map[string]interface{}, error) {
	row, err := q.GetRow(ctx, s.Name, s.ColumnNames(), id)
	if err != nil {
		return nil, fmt.Errorf("loading %s %d: %w", s.Name, id, err)
	}
	if row == nil {
		return nil, apperr.NotFound("")
	}
	return Encode(s, Decode(s, row)), nil
}

// filter keeps known, non-managed columns and coerces their values.
func filter(s *Schema, fields map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	var bad []string
	for name, v := range fields {
		c, ok := s.Column(name)
		if !ok || s.isManaged(name) {
			continue
		}
		val, err := coerce(c, v)
		if err != nil {
			bad = append(bad, name)
			continue
		}
		out[name] = val
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, apperr.BadRequest("invalid_field", "Invalid field values",
			apperr.WithDetails(map[string]interface{}{"fields": bad}))
	}
	return out, nil
}

// Create inserts a row built from the known fields of the payload.
func (g *Gateway) Create(ctx context.Context, table string, fields map[string]interface{}) (map[string]interface{}, error) {
	s, err := g.schema(table)
	if err != nil {
		return nil, err
	}
	values, err := filter(s, fields)
	if err != nil {
		return nil, err
	}
	now := g.now().Unix()
	values[colCreatedAt] = now
	values[colUpdatedAt] = now

	var out map[string]interface{}
	err = g.db.InTx(ctx, func(q *store.Queries) error {
		id, err := q.InsertRow(ctx, s.Name, values)
		if err != nil {
			if store.IsConstraintViolation(err) {
				return constraintViolation(s.Name, err)
			}
			return fmt.Errorf("inserting into %s: %w", s.Name, err)
		}
		out, err = getRow(ctx, q, s, id)
		return err
	})
	return out, err
}

// Update applies the known fields of the payload to an existing row.
func (g *Gateway) Update(ctx context.Context, table string, id int64, fields map[string]interface{}) (map[string]interface{}, error) {
	s, err := g.schema(table)
	if err != nil {
		return nil, err
	}
	values, err := filter(s, fields)
	if err != nil {
		return nil, err
	}
	values[colUpdatedAt] = g.now().Unix()

	var out map[string]interface{}
	err = g.db.InTx(ctx, func(q *store.Queries) error {
		ok, err := q.UpdateRow(ctx, s.Name, id, values)
		if err != nil {
			if store.IsConstraintViolation(err) {
				return constraintViolation(s.Name, err)
			}
			return fmt.Errorf("updating %s %d: %w", s.Name, id, err)
		}
		if !ok {
			return apperr.NotFound("")
		}
		out, err = getRow(ctx, q, s, id)
		return err
	})
	return out, err
}

// Delete removes a row or fails not_found.
func (g *Gateway) Delete(ctx context.Context, table string, id int64) error {
	s, err := g.schema(table)
	if err != nil {
		return err
	}
	ok, err := g.db.DeleteRow(ctx, s.Name, id)
	if err != nil {
		if store.IsConstraintViolation(err) {
			return constraintViolation(s.Name, err)
		}
		return fmt.Errorf("deleting %s %d: %w", s.Name, id, err)
	}
	if !ok {
		return apperr.NotFound("")
	}
	return nil
}
