package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// schemaCollection holds one document per class: its JSON schema keyed by
// class name.
const schemaCollection = "_SCHEMA"

// uniqueIndexPrefix names uniqueness indexes so a duplicate key error can
// name its field.
const uniqueIndexPrefix = "unique:"

var dupKeyIndex = regexp.MustCompile(`index: (\S+) dup key`)

// encodeClass renders class as a schema document keyed by its name.
func encodeClass(class *schema.Class) (bson.D, error) {
	data, err := json.Marshal(class)
	if err != nil {
		return nil, Error.New("failed to encode schema of %s: %w", class.ClassName, err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, Error.New("failed to encode schema of %s: %w", class.ClassName, err)
	}
	return append(bson.D{{Key: "_id", Value: class.ClassName}}, doc...), nil
}

func encodeField(def *schema.FieldDefinition) (bson.D, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, Error.Wrap(err)
	}
	return doc, nil
}

// decodeClass reads a schema document back into a class.
func decodeClass(raw bson.Raw) (*schema.Class, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, Error.New("corrupt schema: %w", err)
	}
	fields := doc[:0]
	for _, e := range doc {
		if e.Key != "_id" {
			fields = append(fields, e)
		}
	}
	data, err := bson.MarshalExtJSON(fields, false, false)
	if err != nil {
		return nil, Error.New("corrupt schema: %w", err)
	}
	var class schema.Class
	if err := json.Unmarshal(data, &class); err != nil {
		return nil, Error.New("corrupt schema: %w", err)
	}
	return &class, nil
}

func (a *Adapter) schemas() *mongodriver.Collection {
	return a.collection(schemaCollection)
}

// CreateClass stores the schema and creates the unique indexes it declares.
// The class collection itself is created by the first insert.
func (a *Adapter) CreateClass(ctx context.Context, className string, class *schema.Class) (err error) {
	defer mon.Task()(&ctx)(&err)
	doc, err := encodeClass(class)
	if err != nil {
		return err
	}
	if _, err := a.schemas().InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return core.NewError(core.InvalidClassName, "Class %s already exists.", className)
		}
		return Error.New("failed to store schema of %s: %w", className, err)
	}
	for _, index := range class.Indexes {
		if !index.Unique {
			continue
		}
		if err := a.createUniqueIndex(ctx, className, index.Fields); err != nil {
			return err
		}
	}
	a.logger.Info("class created", zap.String("class", className))
	return nil
}

// GetClass returns the stored schema of className.
func (a *Adapter) GetClass(ctx context.Context, className string) (_ *schema.Class, err error) {
	defer mon.Task()(&ctx)(&err)
	raw, err := a.schemas().FindOne(ctx, bson.M{"_id": className}).Raw()
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, core.NewError(core.ObjectNotFound, "Class %s does not exist.", className)
	}
	if err != nil {
		return nil, Error.New("failed to read schema of %s: %w", className, err)
	}
	return decodeClass(raw)
}

// GetAllClasses returns every stored schema.
func (a *Adapter) GetAllClasses(ctx context.Context) (_ []*schema.Class, err error) {
	defer mon.Task()(&ctx)(&err)
	cursor, err := a.schemas().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, Error.New("failed to list schemas: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var classes []*schema.Class
	for cursor.Next(ctx) {
		class, err := decodeClass(cursor.Current)
		if err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}
	return classes, Error.Wrap(cursor.Err())
}

// AddField records a new field. The write only applies while the field is
// absent, so concurrent adders agree on the first type stored.
func (a *Adapter) AddField(ctx context.Context, className, fieldName string, def *schema.FieldDefinition) (err error) {
	defer mon.Task()(&ctx)(&err)
	encoded, err := encodeField(def)
	if err != nil {
		return err
	}
	path := "fields." + fieldName
	res, err := a.schemas().UpdateOne(ctx,
		bson.M{"_id": className, path: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{path: encoded}})
	if err != nil {
		return Error.New("failed to add field %s.%s: %w", className, fieldName, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	class, err := a.GetClass(ctx, className)
	if err != nil {
		return err
	}
	existing := class.Field(fieldName)
	if existing == nil || existing.SameType(def) {
		return nil
	}
	return core.NewError(core.IncorrectType, "schema mismatch for %s.%s; expected %s but got %s", className, fieldName, existing, def)
}

// DeleteFields removes fields from the schema and from every document.
// Relation fields drop their join collections.
func (a *Adapter) DeleteFields(ctx context.Context, className string, class *schema.Class, fieldNames []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	unset := bson.M{}
	schemaUnset := bson.M{}
	for _, name := range fieldNames {
		schemaUnset["fields."+name] = ""
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
	if len(unset) > 0 {
		if _, err := a.collection(className).UpdateMany(ctx, bson.M{}, bson.M{"$unset": unset}); err != nil {
			return a.translateError(className, err)
		}
	}
	if _, err := a.schemas().UpdateOne(ctx, bson.M{"_id": className}, bson.M{"$unset": schemaUnset}); err != nil {
		return Error.New("failed to update schema of %s: %w", className, err)
	}
	return nil
}

// DeleteClass drops the collection and the stored schema of className.
func (a *Adapter) DeleteClass(ctx context.Context, className string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := a.collection(className).Drop(ctx); err != nil {
		return Error.New("failed to drop %s: %w", className, err)
	}
	if _, err := a.schemas().DeleteOne(ctx, bson.M{"_id": className}); err != nil {
		return Error.New("failed to delete schema of %s: %w", className, err)
	}
	return nil
}

// EnsureUniqueness creates a sparse unique index over the native
// fieldNames. Existing duplicates make it fail with a DuplicateValue error.
func (a *Adapter) EnsureUniqueness(ctx context.Context, className string, class *schema.Class, fieldNames []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = a.createUniqueIndex(ctx, className, fieldNames)
	if core.CodeOf(err) == core.DuplicateValue {
		return core.NewError(core.DuplicateValue, "Tried to ensure field uniqueness for a class that already has duplicates.")
	}
	return err
}

func (a *Adapter) createUniqueIndex(ctx context.Context, className string, fieldNames []string) error {
	model := uniqueIndexModel(fieldNames)
	if _, err := a.collection(className).Indexes().CreateOne(ctx, model); err != nil {
		return a.translateError(className, err)
	}
	return nil
}

func uniqueIndexModel(fieldNames []string) mongodriver.IndexModel {
	fields := append([]string(nil), fieldNames...)
	sort.Strings(fields)
	keys := bson.D{}
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
	}
	return mongodriver.IndexModel{
		Keys: keys,
		Options: options.Index().
			SetName(uniqueIndexPrefix + strings.Join(fields, ",")).
			SetUnique(true).
			SetSparse(true),
	}
}

// duplicateField names the field of a duplicate key error message.
func duplicateField(msg string) string {
	m := dupKeyIndex.FindStringSubmatch(msg)
	if m == nil {
		return ""
	}
	switch name := m[1]; {
	case name == "_id_":
		return "objectId"
	case strings.HasPrefix(name, uniqueIndexPrefix):
		field, _, _ := strings.Cut(strings.TrimPrefix(name, uniqueIndexPrefix), ",")
		return field
	default:
		return ""
	}
}

// translateError maps duplicate key errors to DuplicateValue errors naming
// the offending field, and wraps everything else in the adapter class.
func (a *Adapter) translateError(className string, err error) error {
	if !mongodriver.IsDuplicateKeyError(err) {
		return Error.New("operation on %s failed: %w", className, err)
	}
	dup := core.NewError(core.DuplicateValue, "A duplicate value for a field with unique values was provided")
	dup.Field = duplicateField(err.Error())
	return dup
}
