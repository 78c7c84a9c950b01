// Package mongo provides a persistence.StorageAdapter backed by MongoDB.
// Native queries and updates are handed to the server unchanged; class
// schemas live in the _SCHEMA collection.
package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/persistence"
	"github.com/asaidimu/go-docstore/core/schema"
)

var (
	mon = monkit.Package()

	// Error is the error class of the mongo adapter.
	Error = errs.Class("mongo")
)

// Options configures an Adapter.
type Options struct {
	// CollectionPrefix is prepended to every collection name.
	CollectionPrefix string
	Logger           *zap.Logger
	// ConnectTimeout bounds Connect, including the initial ping.
	ConnectTimeout time.Duration
}

// DefaultOptions returns the options used by Connect when fields are zero.
func DefaultOptions() Options {
	return Options{
		Logger:         zap.NewNop(),
		ConnectTimeout: 10 * time.Second,
	}
}

// Adapter implements persistence.StorageAdapter over a MongoDB database.
type Adapter struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	options Options
	logger  *zap.Logger
	// owned is set when the adapter created the client and must disconnect it.
	owned bool
}

var _ persistence.StorageAdapter = (*Adapter)(nil)

// Connect dials uri and returns an adapter over database.
func Connect(ctx context.Context, uri, database string, opts Options) (_ *Adapter, err error) {
	defer mon.Task()(&ctx)(&err)
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, Error.New("failed to connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, Error.New("failed to ping %s: %w", redactURI(uri), err)
	}
	a := New(client, database, opts)
	a.owned = true
	return a, nil
}

// New wraps a connected client.
func New(client *mongodriver.Client, database string, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		client:  client,
		db:      client.Database(database),
		options: opts,
		logger:  logger,
	}
}

// Close disconnects the client when the adapter owns it.
func (a *Adapter) Close() error {
	if !a.owned {
		return nil
	}
	return Error.Wrap(a.client.Disconnect(context.Background()))
}

func (a *Adapter) collection(className string, opts ...*options.CollectionOptions) *mongodriver.Collection {
	return a.db.Collection(a.options.CollectionPrefix+className, opts...)
}

// readCollection returns the collection of className honouring a read
// preference such as "SECONDARY_PREFERRED". Unknown preferences are ignored.
func (a *Adapter) readCollection(className, preference string) *mongodriver.Collection {
	if preference == "" {
		return a.collection(className)
	}
	rp, err := readPreference(preference)
	if err != nil {
		a.logger.Warn("ignoring read preference", zap.String("preference", preference), zap.Error(err))
		return a.collection(className)
	}
	return a.collection(className, options.Collection().SetReadPreference(rp))
}

func readPreference(preference string) (*readpref.ReadPref, error) {
	mode, err := readpref.ModeFromString(strings.ReplaceAll(strings.ToLower(preference), "_", ""))
	if err != nil {
		return nil, err
	}
	return readpref.New(mode)
}

// withMaxTime bounds ctx by a server-side style time limit.
func withMaxTime(ctx context.Context, maxTimeMS int64) (context.Context, context.CancelFunc) {
	if maxTimeMS <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(maxTimeMS)*time.Millisecond)
}

// Find returns the documents matching q.
func (a *Adapter) Find(ctx context.Context, className string, class *schema.Class, q bson.M, opts persistence.QueryOptions) (_ []bson.M, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := withMaxTime(ctx, opts.MaxTimeMS)
	defer cancel()

	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if len(opts.Keys) > 0 {
		projection := bson.D{}
		for _, key := range opts.Keys {
			projection = append(projection, bson.E{Key: key, Value: 1})
		}
		findOpts.SetProjection(projection)
	}

	cursor, err := a.readCollection(className, opts.ReadPreference).Find(ctx, filterOf(q), findOpts)
	if err != nil {
		return nil, a.translateError(className, err)
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, a.translateError(className, err)
	}
	a.logger.Debug("mongo find", zap.String("class", className), zap.Int("rows", len(rows)))
	return rows, nil
}

// CreateObject inserts doc.
func (a *Adapter) CreateObject(ctx context.Context, className string, class *schema.Class, doc bson.M) (err error) {
	defer mon.Task()(&ctx)(&err)
	if _, err := a.collection(className).InsertOne(ctx, doc); err != nil {
		return a.translateError(className, err)
	}
	return nil
}

// UpdateObjectsByQuery applies update to every match.
func (a *Adapter) UpdateObjectsByQuery(ctx context.Context, className string, class *schema.Class, q, update bson.M) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	res, err := a.collection(className).UpdateMany(ctx, filterOf(q), update)
	if err != nil {
		return 0, a.translateError(className, err)
	}
	return res.MatchedCount, nil
}

// UpsertOneObject updates the first match or lets the server insert a
// document seeded from the equalities of q.
func (a *Adapter) UpsertOneObject(ctx context.Context, className string, class *schema.Class, q, update bson.M) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = a.collection(className).UpdateOne(ctx, filterOf(q), update, options.Update().SetUpsert(true))
	if err != nil {
		return a.translateError(className, err)
	}
	return nil
}

// FindOneAndUpdate updates the first match and returns it after the update.
func (a *Adapter) FindOneAndUpdate(ctx context.Context, className string, class *schema.Class, q, update bson.M) (_ bson.M, err error) {
	defer mon.Task()(&ctx)(&err)
	var doc bson.M
	err = a.collection(className).
		FindOneAndUpdate(ctx, filterOf(q), update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, a.translateError(className, err)
	}
	return doc, nil
}

// DeleteObjectsByQuery removes every match.
func (a *Adapter) DeleteObjectsByQuery(ctx context.Context, className string, class *schema.Class, q bson.M) (err error) {
	defer mon.Task()(&ctx)(&err)
	res, err := a.collection(className).DeleteMany(ctx, filterOf(q))
	if err != nil {
		return a.translateError(className, err)
	}
	if res.DeletedCount == 0 {
		return core.NewError(core.ObjectNotFound, "Object not found.")
	}
	a.logger.Debug("mongo delete", zap.String("class", className), zap.Int64("rows", res.DeletedCount))
	return nil
}

// Count returns the number of matches.
func (a *Adapter) Count(ctx context.Context, className string, class *schema.Class, q bson.M, opts persistence.QueryOptions) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := withMaxTime(ctx, opts.MaxTimeMS)
	defer cancel()

	countOpts := options.Count()
	if opts.Skip > 0 {
		countOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		countOpts.SetLimit(opts.Limit)
	}
	n, err := a.readCollection(className, opts.ReadPreference).CountDocuments(ctx, filterOf(q), countOpts)
	if err != nil {
		return 0, a.translateError(className, err)
	}
	return n, nil
}

// Distinct returns the distinct values of field among the matches.
func (a *Adapter) Distinct(ctx context.Context, className string, class *schema.Class, q bson.M, field string) (_ []any, err error) {
	defer mon.Task()(&ctx)(&err)
	values, err := a.collection(className).Distinct(ctx, field, filterOf(q))
	if err != nil {
		return nil, a.translateError(className, err)
	}
	if values == nil {
		values = []any{}
	}
	return values, nil
}

// Aggregate runs pipeline on the server.
func (a *Adapter) Aggregate(ctx context.Context, className string, class *schema.Class, pipeline []bson.M, opts persistence.QueryOptions) (_ []bson.M, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := withMaxTime(ctx, opts.MaxTimeMS)
	defer cancel()

	cursor, err := a.readCollection(className, opts.ReadPreference).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, a.translateError(className, err)
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, a.translateError(className, err)
	}
	return rows, nil
}

// filterOf turns a nil query into an empty filter, which the driver
// requires.
func filterOf(q bson.M) bson.M {
	if q == nil {
		return bson.M{}
	}
	return q
}

// redactURI drops the credentials of a connection string before logging.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
