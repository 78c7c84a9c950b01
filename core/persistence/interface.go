package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
)

// QueryOptions carries the already-translated find options an adapter
// receives. Sort and Keys use native field names.
type QueryOptions struct {
	Skip           int64
	Limit          int64 // zero means no limit
	Sort           bson.D
	Keys           []string
	ReadPreference string
	// MaxTimeMS is passed through to backends that honour a server-side
	// timeout.
	MaxTimeMS int64
}

// StorageAdapter is the contract every backend implements. All queries,
// updates and documents crossing it are already in native form; adapters
// never see REST-tagged values or __op tokens.
type StorageAdapter interface {
	// Find returns the native documents matching query.
	Find(ctx context.Context, className string, class *schema.Class, query bson.M, opts QueryOptions) ([]bson.M, error)

	// CreateObject inserts doc. A unique index violation is returned as a
	// DuplicateValue error naming the field when it can be determined.
	CreateObject(ctx context.Context, className string, class *schema.Class, doc bson.M) error

	// UpdateObjectsByQuery applies update to every match and returns the
	// number of documents matched.
	UpdateObjectsByQuery(ctx context.Context, className string, class *schema.Class, query, update bson.M) (int64, error)

	// UpsertOneObject updates the first match or inserts a document seeded
	// from the equality constraints of query.
	UpsertOneObject(ctx context.Context, className string, class *schema.Class, query, update bson.M) error

	// FindOneAndUpdate updates the first match and returns it after the
	// update. A nil document with a nil error means nothing matched.
	FindOneAndUpdate(ctx context.Context, className string, class *schema.Class, query, update bson.M) (bson.M, error)

	// DeleteObjectsByQuery removes every match, returning an ObjectNotFound
	// error when nothing matched.
	DeleteObjectsByQuery(ctx context.Context, className string, class *schema.Class, query bson.M) error

	Count(ctx context.Context, className string, class *schema.Class, query bson.M, opts QueryOptions) (int64, error)
	Distinct(ctx context.Context, className string, class *schema.Class, query bson.M, field string) ([]any, error)
	Aggregate(ctx context.Context, className string, class *schema.Class, pipeline []bson.M, opts QueryOptions) ([]bson.M, error)

	// EnsureUniqueness creates a unique index over fieldNames (native names).
	EnsureUniqueness(ctx context.Context, className string, class *schema.Class, fieldNames []string) error

	CreateClass(ctx context.Context, className string, class *schema.Class) error
	AddField(ctx context.Context, className, fieldName string, def *schema.FieldDefinition) error
	// DeleteClass drops the class storage and its stored schema. Dropping a
	// class that does not exist is not an error.
	DeleteClass(ctx context.Context, className string) error
	DeleteFields(ctx context.Context, className string, class *schema.Class, fieldNames []string) error
	// GetClass returns the stored schema, or an ObjectNotFound error.
	GetClass(ctx context.Context, className string) (*schema.Class, error)
	GetAllClasses(ctx context.Context) ([]*schema.Class, error)

	Close() error
}

// Caller identifies who an operation runs for. Master callers bypass class
// level permissions and ACLs.
type Caller struct {
	Master bool
	// ACL is the caller's subject group: its user id followed by
	// "role:<name>" entries.
	ACL []string
}

// Master returns a trusted caller.
func Master() Caller {
	return Caller{Master: true}
}

// User returns a caller acting as userID with the given role names.
func User(userID string, roles ...string) Caller {
	acl := make([]string, 0, len(roles)+1)
	if userID != "" {
		acl = append(acl, userID)
	}
	for _, r := range roles {
		acl = append(acl, schema.RolePrefix+r)
	}
	return Caller{ACL: acl}
}

// Anonymous returns an unauthenticated caller.
func Anonymous() Caller {
	return Caller{}
}

// FindOptions are the REST-level options of a find.
type FindOptions struct {
	Skip  int64
	Limit int64
	// Sort lists REST field names, "-" prefixed for descending order.
	Sort           []string
	Keys           []string
	ReadPreference string
	MaxTimeMS      int64
}

// WriteOptions tune Create and Update.
type WriteOptions struct {
	// Many updates every match instead of the first one.
	Many bool
	// Upsert inserts when nothing matches.
	Upsert bool
	// ValidateOnly runs every check without writing.
	ValidateOnly bool
}

// WriteResult reports the two phases of a write: the primary document
// write and the relation edges applied afterwards. RelationErr is also
// returned as the operation error; the primary write is not rolled back.
type WriteResult struct {
	Object           core.Object
	PrimaryCommitted bool
	RelationsPending bool
	RelationErr      error
}

// Options configures a Controller.
type Options struct {
	Logger *zap.Logger
	// SkipOrFlattening disables pushing top-level predicates into $or
	// branches.
	SkipOrFlattening bool
	// AllowClientClassCreation lets non-master callers create classes and
	// add fields by writing to them.
	AllowClientClassCreation bool
	SchemaCacheTTL           time.Duration
	// Cache stores loaded schemas. A memory cache is used when nil.
	Cache       SchemaCache
	Now         func() time.Time
	NewObjectID func() string
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Logger:         zap.NewNop(),
		SchemaCacheTTL: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
		NewObjectID:    NewObjectID,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.SchemaCacheTTL == 0 {
		o.SchemaCacheTTL = d.SchemaCacheTTL
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.NewObjectID == nil {
		o.NewObjectID = d.NewObjectID
	}
	if o.Cache == nil {
		o.Cache = NewMemoryCache(o.SchemaCacheTTL)
	}
	return o
}
