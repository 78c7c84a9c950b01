package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// schemaTable stores one JSON-encoded schema.Class per class.
const schemaTable = "_SCHEMA"

// uniqueIndexMarker separates the table name from the field list in the
// names of uniqueness indexes, so a violation can name its field.
const uniqueIndexMarker = ":unique:"

// quoteIdentifier quotes a table, column or index name.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (a *Adapter) rawTableName(className string) string {
	return a.options.CollectionPrefix + className
}

// tableName returns the quoted, prefixed table of className.
func (a *Adapter) tableName(className string) string {
	return quoteIdentifier(a.rawTableName(className))
}

func (a *Adapter) createSchemaTable(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (className TEXT PRIMARY KEY, schema TEXT NOT NULL)", a.tableName(schemaTable))
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return Error.New("failed to create schema table: %w", err)
	}
	return nil
}

// ensureTable creates the document table of className when missing.
func (a *Adapter) ensureTable(ctx context.Context, runner dbRunner, className string) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    _id TEXT PRIMARY KEY,\n    doc TEXT NOT NULL\n)", a.tableName(className))
	if _, err := runner.ExecContext(ctx, stmt); err != nil {
		return Error.New("failed to create table for %s: %w", className, err)
	}
	return nil
}

// CreateClass stores the schema and creates the class table together with
// the unique indexes the schema declares.
func (a *Adapter) CreateClass(ctx context.Context, className string, class *schema.Class) (err error) {
	defer mon.Task()(&ctx)(&err)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureTable(ctx, a.db, className); err != nil {
		return err
	}
	if err := a.putSchema(ctx, a.db, className, class, true); err != nil {
		return err
	}
	for _, index := range class.Indexes {
		if !index.Unique {
			continue
		}
		if err := a.createUniqueIndex(ctx, className, index.Fields); err != nil {
			return err
		}
	}
	a.logger.Info("class table created", zap.String("class", className))
	return nil
}

func (a *Adapter) putSchema(ctx context.Context, runner dbRunner, className string, class *schema.Class, create bool) error {
	data, err := json.Marshal(class)
	if err != nil {
		return Error.New("failed to encode schema of %s: %w", className, err)
	}
	verb := "INSERT"
	if !create {
		verb = "INSERT OR REPLACE"
	}
	stmt := fmt.Sprintf("%s INTO %s (className, schema) VALUES (?, ?)", verb, a.tableName(schemaTable))
	if _, err := runner.ExecContext(ctx, stmt, className, string(data)); err != nil {
		if isUniqueViolation(err) {
			return core.NewError(core.InvalidClassName, "Class %s already exists.", className)
		}
		return Error.New("failed to store schema of %s: %w", className, err)
	}
	return nil
}

// GetClass returns the stored schema of className.
func (a *Adapter) GetClass(ctx context.Context, className string) (_ *schema.Class, err error) {
	defer mon.Task()(&ctx)(&err)
	return a.getClass(ctx, a.db, className)
}

func (a *Adapter) getClass(ctx context.Context, runner dbRunner, className string) (*schema.Class, error) {
	var text string
	stmt := fmt.Sprintf("SELECT schema FROM %s WHERE className = ?", a.tableName(schemaTable))
	err := runner.QueryRowContext(ctx, stmt, className).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.ObjectNotFound, "Class %s does not exist.", className)
	}
	if err != nil {
		return nil, Error.New("failed to read schema of %s: %w", className, err)
	}
	var class schema.Class
	if err := json.Unmarshal([]byte(text), &class); err != nil {
		return nil, Error.New("corrupt schema of %s: %w", className, err)
	}
	return &class, nil
}

// GetAllClasses returns every stored schema.
func (a *Adapter) GetAllClasses(ctx context.Context) (_ []*schema.Class, err error) {
	defer mon.Task()(&ctx)(&err)
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("SELECT schema FROM %s ORDER BY className", a.tableName(schemaTable)))
	if err != nil {
		return nil, Error.New("failed to list schemas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var classes []*schema.Class
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, Error.New("failed to scan schema: %w", err)
		}
		var class schema.Class
		if err := json.Unmarshal([]byte(text), &class); err != nil {
			return nil, Error.New("corrupt schema: %w", err)
		}
		classes = append(classes, &class)
	}
	return classes, Error.Wrap(rows.Err())
}

// AddField records a new field in the stored schema.
func (a *Adapter) AddField(ctx context.Context, className, fieldName string, def *schema.FieldDefinition) (err error) {
	defer mon.Task()(&ctx)(&err)
	a.mu.Lock()
	defer a.mu.Unlock()

	class, err := a.getClass(ctx, a.db, className)
	if err != nil {
		return err
	}
	if existing := class.Field(fieldName); existing != nil {
		if existing.SameType(def) {
			return nil
		}
		return core.NewError(core.IncorrectType, "schema mismatch for %s.%s; expected %s but got %s", className, fieldName, existing, def)
	}
	class.Fields.Set(fieldName, def)
	return a.putSchema(ctx, a.db, className, class, false)
}

// DeleteFields removes fields from the schema and from every document.
// Relation fields drop their join tables.
func (a *Adapter) DeleteFields(ctx context.Context, className string, class *schema.Class, fieldNames []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	unset := bson.M{}
	for _, name := range fieldNames {
		switch class.FieldType(name) {
		case schema.FieldTypeRelation:
			if err := a.DeleteClass(ctx, schema.JoinTableName(className, name)); err != nil {
				return err
			}
		case schema.FieldTypePointer:
			unset[transform.PointerPrefix+name] = ""
		default:
			unset[name] = ""
		}
	}

	return a.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := a.getClass(ctx, tx, className)
		if err != nil {
			return err
		}
		for _, name := range fieldNames {
			stored.Fields.Delete(name)
		}
		if err := a.putSchema(ctx, tx, className, stored, false); err != nil {
			return err
		}
		if len(unset) == 0 {
			return nil
		}
		_, err = a.updateMatches(ctx, tx, className, nil, bson.M{"$unset": unset}, 0)
		return err
	})
}

// DeleteClass drops the table and the stored schema of className.
func (a *Adapter) DeleteClass(ctx context.Context, className string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return a.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", a.tableName(className))); err != nil {
			return Error.New("failed to drop table %s: %w", className, err)
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE className = ?", a.tableName(schemaTable))
		if _, err := tx.ExecContext(ctx, stmt, className); err != nil {
			return Error.New("failed to delete schema of %s: %w", className, err)
		}
		return nil
	})
}

// EnsureUniqueness creates a unique index over the native fieldNames.
// Existing duplicates make it fail with a DuplicateValue error.
func (a *Adapter) EnsureUniqueness(ctx context.Context, className string, class *schema.Class, fieldNames []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureTable(ctx, a.db, className); err != nil {
		return err
	}
	err = a.createUniqueIndex(ctx, className, fieldNames)
	if core.CodeOf(err) == core.DuplicateValue {
		return core.NewError(core.DuplicateValue, "Tried to ensure field uniqueness for a class that already has duplicates.")
	}
	return err
}

func (a *Adapter) createUniqueIndex(ctx context.Context, className string, fieldNames []string) error {
	stmt := a.uniqueIndexSQL(className, fieldNames)
	a.logger.Debug("Executing SQL CREATE INDEX", zap.String("sql", stmt))
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return a.translateError(className, err)
	}
	return nil
}

// uniqueIndexSQL builds the DDL of a unique index over document paths.
func (a *Adapter) uniqueIndexSQL(className string, fieldNames []string) string {
	fields := append([]string(nil), fieldNames...)
	sort.Strings(fields)
	name := a.rawTableName(className) + uniqueIndexMarker + strings.Join(fields, ",")

	parts := make([]string, len(fields))
	for i, field := range fields {
		path := "$." + field
		parts[i] = fmt.Sprintf("json_extract(doc, '%s')", strings.ReplaceAll(path, "'", "''"))
	}
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdentifier(name), a.tableName(className), strings.Join(parts, ", "))
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// translateError maps unique violations to DuplicateValue errors naming the
// offending field, and wraps everything else in the adapter class.
func (a *Adapter) translateError(className string, err error) error {
	if !isUniqueViolation(err) {
		return Error.New("statement on %s failed: %w", className, err)
	}
	dup := core.NewError(core.DuplicateValue, "A duplicate value for a field with unique values was provided")
	msg := err.Error()
	switch {
	case strings.Contains(msg, uniqueIndexMarker):
		fields := msg[strings.Index(msg, uniqueIndexMarker)+len(uniqueIndexMarker):]
		fields = strings.TrimRight(fields, "'\"")
		dup.Field, _, _ = strings.Cut(fields, ",")
	case strings.HasSuffix(msg, "."+transform.KeyID):
		dup.Field = "objectId"
	}
	return dup
}
