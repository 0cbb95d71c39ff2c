// Package repository implements the RepositoryCore (§4.E): a single
// generic CRUD/soft-delete/bulk/filter implementation shared by every
// domain repository, grounded on original_source's
// persistence/repositories/base.py BaseRepository[ModelType].
package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Entity is the contract every persisted model satisfies via
// models.Base's promoted methods.
type Entity interface {
	GetID() string
	SetID(id string)
	Touch(now time.Time)
	SoftDelete(at time.Time)
	Restore()
	Deleted() bool
}

// Filter is a map of column name to either a scalar (equality), a slice
// (IN clause), or a nested map of operator -> value
// (gt/gte/lt/lte/ne/like/ilike), matching original_source's
// BaseRepository._apply_filters **filters convention.
type Filter map[string]any

// ListOptions controls pagination, ordering, and soft-delete visibility
// for List/Search.
type ListOptions struct {
	Skip           int
	Limit          int
	OrderBy        string
	OrderDesc      bool
	IncludeDeleted bool
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return 100
	}
	return o.Limit
}

// Repository is a generic, sqlx-backed CRUD implementation for any type T
// satisfying Entity. One Repository[T] is constructed per table; domain
// repositories in this module embed one and add entity-specific queries.
type Repository[T Entity] struct {
	db      *sqlx.DB
	table   string
	columns []string
}

// New constructs a Repository[T] for table, deriving its column list from
// T's `db` struct tags (including embedded structs, e.g. models.Base).
func New[T Entity](db *sqlx.DB, table string) *Repository[T] {
	var zero T
	return &Repository[T]{
		db:      db,
		table:   table,
		columns: dbColumns(reflect.TypeOf(zero)),
	}
}

// dbColumns flattens a struct type's `db:"..."` tags, including promoted
// fields from embedded structs, skipping "-" and untagged fields.
func dbColumns(t reflect.Type) []string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	var cols []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			cols = append(cols, dbColumns(f.Type)...)
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		cols = append(cols, tag)
	}
	return cols
}

// Create inserts entity, stamping CreatedAt/UpdatedAt via Touch first.
func (r *Repository[T]) Create(ctx context.Context, entity T) error {
	now := time.Now().UTC()
	if entity.GetID() == "" {
		entity.SetID(uuid.NewString())
	}
	entity.Touch(now)

	placeholders := make([]string, len(r.columns))
	for i, c := range r.columns {
		placeholders[i] = ":" + c
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.table, strings.Join(r.columns, ", "), strings.Join(placeholders, ", "))

	if _, err := r.db.NamedExecContext(ctx, query, entity); err != nil {
		return &errs.Repository{Op: "create " + r.table, Cause: wrapConflict(err)}
	}
	return nil
}

// BulkCreate inserts every entity, stopping at the first failure.
func (r *Repository[T]) BulkCreate(ctx context.Context, entities []T) error {
	for _, e := range entities {
		if err := r.Create(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches a single row by id. Soft-deleted rows are excluded unless
// includeDeleted is set.
func (r *Repository[T]) Get(ctx context.Context, id string, includeDeleted bool) (*T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(r.columns, ", "), r.table)
	if !includeDeleted {
		query += " AND is_deleted = false"
	}
	var out T
	if err := r.db.GetContext(ctx, &out, r.db.Rebind(query), id); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, &errs.Repository{Op: "get " + r.table, Cause: err}
	}
	return &out, nil
}

// Exists reports whether a row with id is present.
func (r *Repository[T]) Exists(ctx context.Context, id string, includeDeleted bool) (bool, error) {
	n, err := r.Count(ctx, Filter{"id": id}, includeDeleted)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of rows matching filter.
func (r *Repository[T]) Count(ctx context.Context, filter Filter, includeDeleted bool) (int, error) {
	where, args := buildWhere(filter, includeDeleted)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", r.table, where)
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(query), args...); err != nil {
		return 0, &errs.Repository{Op: "count " + r.table, Cause: err}
	}
	return n, nil
}

// List returns rows matching filter, paginated and ordered per opts.
func (r *Repository[T]) List(ctx context.Context, filter Filter, opts ListOptions) ([]T, error) {
	where, args := buildWhere(filter, opts.IncludeDeleted)
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(r.columns, ", "), r.table, where)

	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	dir := "ASC"
	if opts.OrderDesc || opts.OrderBy == "" {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT %d OFFSET %d", orderBy, dir, opts.limit(), opts.Skip)

	var out []T
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, &errs.Repository{Op: "list " + r.table, Cause: err}
	}
	return out, nil
}

// Update applies a partial set of column updates by db-tag-named key and
// returns the refreshed row. updatedAt is stamped automatically.
func (r *Repository[T]) Update(ctx context.Context, id string, updates map[string]any) (*T, error) {
	if len(updates) == 0 {
		return r.Get(ctx, id, false)
	}
	updates["updated_at"] = time.Now().UTC()

	sets := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates)+1)
	for col, val := range updates {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", r.table, strings.Join(sets, ", "))
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return nil, &errs.Repository{Op: "update " + r.table, Cause: wrapConflict(err)}
	}
	return r.Get(ctx, id, true)
}

// BulkUpdate applies updates[i]["id"] -> the rest of updates[i]'s fields
// for every entry that carries an id, returning the number of such entries
// applied (an id that matches no row still counts).
func (r *Repository[T]) BulkUpdate(ctx context.Context, updates []map[string]any) (int, error) {
	var total int
	for _, u := range updates {
		idVal, ok := u["id"]
		if !ok {
			continue
		}
		id, _ := idVal.(string)
		fields := make(map[string]any, len(u)-1)
		for k, v := range u {
			if k != "id" {
				fields[k] = v
			}
		}
		if _, err := r.Update(ctx, id, fields); err != nil {
			return total, err
		}
		total++
	}
	return total, nil
}

// DeleteMany hard- or soft-deletes every id in ids, returning the count of
// rows actually affected. Used by the retention engine to clear a batch of
// already-archived rows in one pass instead of one Delete call per row.
func (r *Repository[T]) DeleteMany(ctx context.Context, ids []string, soft bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := "(" + strings.Join(placeholders, ", ") + ")"

	if soft {
		now := time.Now().UTC()
		query := fmt.Sprintf("UPDATE %s SET is_deleted = true, deleted_at = ?, updated_at = ? WHERE id IN %s", r.table, inClause)
		res, err := r.db.ExecContext(ctx, r.db.Rebind(query), append([]any{now, now}, args...)...)
		if err != nil {
			return 0, &errs.Repository{Op: "soft_delete_many " + r.table, Cause: err}
		}
		n, _ := res.RowsAffected()
		return n, nil
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id IN %s", r.table, inClause)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, &errs.Repository{Op: "delete_many " + r.table, Cause: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete removes id, soft-deleting (setting is_deleted/deleted_at) by
// default, or hard-deleting when soft is false.
func (r *Repository[T]) Delete(ctx context.Context, id string, soft bool) (bool, error) {
	existing, err := r.Get(ctx, id, true)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	if soft {
		now := time.Now().UTC()
		_, err := r.db.ExecContext(ctx, r.db.Rebind(
			fmt.Sprintf("UPDATE %s SET is_deleted = true, deleted_at = ?, updated_at = ? WHERE id = ?", r.table)),
			now, now, id)
		if err != nil {
			return false, &errs.Repository{Op: "soft_delete " + r.table, Cause: err}
		}
		return true, nil
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.table)), id)
	if err != nil {
		return false, &errs.Repository{Op: "delete " + r.table, Cause: err}
	}
	return true, nil
}

// Search performs a case-insensitive substring match across fields,
// mirroring original_source's search()/ilike behavior.
func (r *Repository[T]) Search(ctx context.Context, term string, fields []string, opts ListOptions) ([]T, error) {
	if term == "" || len(fields) == 0 {
		return r.List(ctx, nil, opts)
	}
	conds := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, f := range fields {
		conds[i] = "LOWER(" + f + ") LIKE LOWER(?)"
		args[i] = "%" + term + "%"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE (%s)", strings.Join(r.columns, ", "), r.table, strings.Join(conds, " OR "))
	if !opts.IncludeDeleted {
		query += " AND is_deleted = false"
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", opts.limit(), opts.Skip)

	var out []T
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, &errs.Repository{Op: "search " + r.table, Cause: err}
	}
	return out, nil
}

// DB exposes the underlying handle for domain repositories layering
// entity-specific queries on top of this generic core.
func (r *Repository[T]) DB() *sqlx.DB { return r.db }

// Table returns the table name this repository was constructed for.
func (r *Repository[T]) Table() string { return r.table }

// Columns returns the db-tag-derived column list.
func (r *Repository[T]) Columns() []string { return append([]string(nil), r.columns...) }

// buildWhere renders filter into a "WHERE ..." clause (or "" when empty)
// plus its positional args, applying the operator map convention:
// scalar -> equality, slice -> IN, map[string]any -> gt/gte/lt/lte/ne/like/ilike.
func buildWhere(filter Filter, includeDeleted bool) (string, []any) {
	var conds []string
	var args []any

	if !includeDeleted {
		conds = append(conds, "is_deleted = false")
	}

	// Sorted iteration keeps generated SQL (and therefore test
	// expectations) deterministic across runs.
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sortStrings(keys)

	for _, col := range keys {
		val := filter[col]
		switch v := val.(type) {
		case []any:
			placeholders := make([]string, len(v))
			for i, item := range v {
				placeholders[i] = "?"
				args = append(args, item)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")))
		case map[string]any:
			opKeys := make([]string, 0, len(v))
			for k := range v {
				opKeys = append(opKeys, k)
			}
			sortStrings(opKeys)
			for _, op := range opKeys {
				opVal := v[op]
				switch op {
				case "gt":
					conds = append(conds, col+" > ?")
				case "gte":
					conds = append(conds, col+" >= ?")
				case "lt":
					conds = append(conds, col+" < ?")
				case "lte":
					conds = append(conds, col+" <= ?")
				case "ne":
					conds = append(conds, col+" != ?")
				case "like":
					conds = append(conds, col+" LIKE ?")
					opVal = "%" + fmt.Sprint(opVal) + "%"
				case "ilike":
					conds = append(conds, "LOWER("+col+") LIKE LOWER(?)")
					opVal = "%" + fmt.Sprint(opVal) + "%"
				default:
					continue
				}
				args = append(args, opVal)
			}
		default:
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "sql: no rows in result set"
}

// wrapConflict promotes a unique-constraint violation to errs.Conflict so
// callers can branch on it without driver-specific string matching on the
// two supported drivers (sqlite, postgres).
func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key value") {
		return &errs.Conflict{Cause: err}
	}
	return err
}
