package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"nestwrite/internal/dbexec"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

type session struct {
	dialect Dialect
	tx      *dbexec.TxExecutor
	done    bool
}

func (s *session) Create(ctx context.Context, model *schema.Model, fields storage.Record) (storage.Identifier, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	rec := fields.Clone()
	generated := assignID(model, rec)
	cols, args, err := encodeRecord(model, rec)
	if err != nil {
		return nil, err
	}

	query, args, err := s.insertSQL(model, cols, args, generated)
	if err != nil {
		return nil, fmt.Errorf("build insert for %s: %w", model.Name, err)
	}

	if generated != "" && s.dialect.returning {
		var key any
		if err := s.queryScalar(ctx, query, args, &key); err != nil {
			return nil, s.fail("insert", model, err)
		}
		rec[generated] = key
	} else {
		res, err := s.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, s.fail("insert", model, err)
		}
		if generated != "" {
			key, err := res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("read generated key of %s: %w", model.Name, err)
			}
			rec[generated] = key
		}
	}
	return identifier(model, rec)
}

func (s *session) Update(ctx context.Context, model *schema.Model, id storage.Identifier, patch storage.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	where, err := s.eq(model, id.Filter())
	if err != nil {
		return err
	}
	cols, args, err := encodeRecord(model, patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return s.requireExists(ctx, model, where)
	}

	builder := sq.Update(s.dialect.Quote(model.Table)).PlaceholderFormat(s.dialect.placeholder)
	for i, col := range cols {
		builder = builder.Set(s.dialect.Quote(col), args[i])
	}
	query, qargs, err := builder.Where(where).ToSql()
	if err != nil {
		return fmt.Errorf("build update for %s: %w", model.Name, err)
	}
	res, err := s.tx.ExecContext(ctx, query, qargs...)
	if err != nil {
		return s.fail("update", model, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", model.Name, err)
	}
	if n == 0 {
		// MySQL reports zero rows for a write that changes nothing.
		return s.requireExists(ctx, model, where)
	}
	return nil
}

func (s *session) Delete(ctx context.Context, model *schema.Model, id storage.Identifier) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	where, err := s.eq(model, id.Filter())
	if err != nil {
		return err
	}
	query, args, err := sq.Delete(s.dialect.Quote(model.Table)).
		PlaceholderFormat(s.dialect.placeholder).
		Where(where).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete for %s: %w", model.Name, err)
	}
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return s.fail("delete", model, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", model.Name, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *session) FindUnique(ctx context.Context, model *schema.Model, filter storage.Filter) (storage.Identifier, bool, error) {
	recs, err := s.find(ctx, model, filter, 1)
	if err != nil || len(recs) == 0 {
		return nil, false, err
	}
	id, err := storage.IdentifierOf(model, recs[0])
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (s *session) FindMany(ctx context.Context, model *schema.Model, filter storage.Filter) ([]storage.Record, error) {
	return s.find(ctx, model, filter, 0)
}

func (s *session) Commit(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return normalizeError("", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *session) Rollback(context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback()
}

func (s *session) usable(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	return ctx.Err()
}

func (s *session) find(ctx context.Context, model *schema.Model, filter storage.Filter, limit uint64) ([]storage.Record, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	builder := sq.Select(s.dialect.quoteAll(model.FieldNames())...).
		From(s.dialect.Quote(model.Table)).
		PlaceholderFormat(s.dialect.placeholder)
	if len(filter) > 0 {
		where, err := s.eq(model, filter)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(where)
	}
	builder = builder.OrderBy(s.dialect.quoteAll(model.PrimaryKey)...)
	if limit > 0 {
		builder = builder.Limit(limit)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select for %s: %w", model.Name, err)
	}

	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", model.Name, err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		values := make([]any, len(model.Fields))
		dest := make([]any, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", model.Name, err)
		}
		rec := make(storage.Record, len(values))
		for i := range model.Fields {
			v, err := decodeValue(&model.Fields[i], values[i])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", model.Name, err)
			}
			rec[model.Fields[i].Name] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", model.Name, err)
	}
	return out, nil
}

func (s *session) requireExists(ctx context.Context, model *schema.Model, where sq.Eq) error {
	query, args, err := sq.Select("1").
		From(s.dialect.Quote(model.Table)).
		Where(where).
		Limit(1).
		PlaceholderFormat(s.dialect.placeholder).
		ToSql()
	if err != nil {
		return fmt.Errorf("build existence check for %s: %w", model.Name, err)
	}
	var one any
	if err := s.queryScalar(ctx, query, args, &one); err != nil {
		if errors.Is(err, errNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("select %s: %w", model.Name, err)
	}
	return nil
}

var errNoRows = errors.New("no rows")

func (s *session) queryScalar(ctx context.Context, query string, args []any, dest *any) error {
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return errNoRows
	}
	if err := rows.Scan(dest); err != nil {
		return err
	}
	return rows.Err()
}

func (s *session) insertSQL(model *schema.Model, cols []string, args []any, generated string) (string, []any, error) {
	table := s.dialect.Quote(model.Table)
	suffix := ""
	if generated != "" && s.dialect.returning {
		suffix = "RETURNING " + s.dialect.Quote(generated)
	}
	if len(cols) == 0 {
		query := fmt.Sprintf("INSERT INTO %s %s", table, s.dialect.emptyInsert)
		if suffix != "" {
			query += " " + suffix
		}
		return query, nil, nil
	}
	builder := sq.Insert(table).
		Columns(s.dialect.quoteAll(cols)...).
		Values(args...).
		PlaceholderFormat(s.dialect.placeholder)
	if suffix != "" {
		builder = builder.Suffix(suffix)
	}
	return builder.ToSql()
}

// eq builds an equality condition over filter. Nil values render as IS NULL.
func (s *session) eq(model *schema.Model, filter storage.Filter) (sq.Eq, error) {
	eq := make(sq.Eq, len(filter))
	for name, v := range filter {
		f, ok := model.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no field %q", model.Name, name)
		}
		arg, err := encodeValue(f, v)
		if err != nil {
			return nil, err
		}
		eq[s.dialect.Quote(name)] = arg
	}
	return eq, nil
}

func (s *session) fail(op string, model *schema.Model, err error) error {
	if c := classifyConstraint(err); c != constraintNone {
		return normalizeError(model.Name, err)
	}
	return fmt.Errorf("%s %s: %w", op, model.Name, err)
}

// assignID fills client-generated keys and returns the primary key field the
// database generates, if any.
func assignID(model *schema.Model, rec storage.Record) string {
	if len(model.PrimaryKey) != 1 {
		return ""
	}
	pk := model.PrimaryKey[0]
	if v, ok := rec[pk]; ok && v != nil {
		return ""
	}
	f, _ := model.Field(pk)
	switch model.ID {
	case schema.IDUUID:
		rec[pk] = uuid.NewString()
	case schema.IDAuto:
		if f != nil && (f.Type == schema.TypeString || f.Type == schema.TypeUUID) {
			rec[pk] = uuid.NewString()
			return ""
		}
		delete(rec, pk)
		return pk
	}
	return ""
}

// encodeRecord returns rec's columns in name order with their driver
// arguments.
func encodeRecord(model *schema.Model, rec storage.Record) ([]string, []any, error) {
	cols := make([]string, 0, len(rec))
	for name := range rec {
		if !model.HasField(name) {
			return nil, nil, fmt.Errorf("%s has no field %q", model.Name, name)
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, name := range cols {
		f, _ := model.Field(name)
		arg, err := encodeValue(f, rec[name])
		if err != nil {
			return nil, nil, err
		}
		args[i] = arg
	}
	return cols, args, nil
}

func identifier(model *schema.Model, rec storage.Record) (storage.Identifier, error) {
	id, err := storage.IdentifierOf(model, rec)
	if err != nil {
		return nil, err
	}
	for k, v := range id {
		id[k] = storage.Normalize(v)
	}
	return id, nil
}
