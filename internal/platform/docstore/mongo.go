package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ehr/carecore/internal/platform/db"
)

var _ Store = (*Mongo)(nil)

// Mongo keeps one database per tenant (<prefix>_<tenant>) and one
// collection per document type. Indexes are created the first time a
// tenant/type pair is touched so the unique code index always exists before
// the first insert.
type Mongo struct {
	client  *mongo.Client
	prefix  string
	ensured sync.Map
}

func ConnectMongo(ctx context.Context, uri, databasePrefix string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongo(client, databasePrefix), nil
}

func NewMongo(client *mongo.Client, databasePrefix string) *Mongo {
	return &Mongo{client: client, prefix: databasePrefix}
}

func (s *Mongo) database(ctx context.Context) (*mongo.Database, string, error) {
	tid := db.TenantOrDefault(ctx)
	if !db.ValidTenantID(tid) {
		return nil, "", fmt.Errorf("invalid tenant identifier: %s", tid)
	}
	return s.client.Database(s.prefix + "_" + tid), tid, nil
}

func (s *Mongo) collection(ctx context.Context, docType string) (*mongo.Collection, error) {
	database, tid, err := s.database(ctx)
	if err != nil {
		return nil, err
	}
	coll := database.Collection(docType)
	key := tid + "/" + docType
	if _, done := s.ensured.Load(key); !done {
		if err := createIndexes(ctx, coll); err != nil {
			return nil, err
		}
		s.ensured.Store(key, struct{}{})
	}
	return coll, nil
}

func createIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: CodeField, Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("UniqueCode").
				SetPartialFilterExpression(bson.M{CodeField: bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "codeKey", Value: -1}},
			Options: options.Index().SetName("CodeSortKey"),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
	}
	return nil
}

func mongoFilter(filter Filter) (bson.M, error) {
	nf, err := filter.normalized()
	if err != nil {
		return nil, err
	}
	out := bson.M{}
	for k, v := range nf {
		out[k] = v
	}
	return out, nil
}

func mongoSort(sorts []Sort) bson.D {
	d := bson.D{}
	for _, s := range sorts {
		dir := 1
		if s.Desc {
			dir = -1
		}
		d = append(d, bson.E{Key: s.Field, Value: dir})
	}
	return append(d, bson.E{Key: IDField, Value: 1})
}

func fromBSON(m bson.M) (Document, error) {
	doc, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Mongo) FindByID(ctx context.Context, docType, id string) (Document, error) {
	return s.FindOne(ctx, docType, Filter{IDField: id}, FindOptions{})
}

func (s *Mongo) FindOne(ctx context.Context, docType string, filter Filter, opts FindOptions) (Document, error) {
	coll, err := s.collection(ctx, docType)
	if err != nil {
		return nil, err
	}
	selector, err := mongoFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("mongo find %s: %w", docType, err)
	}

	var m bson.M
	err = coll.FindOne(ctx, selector, options.FindOne().SetSort(mongoSort(opts.Sort))).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("mongo find %s: %w", docType, err)
	}
	return fromBSON(m)
}

func (s *Mongo) Find(ctx context.Context, docType string, filter Filter, opts FindOptions) ([]Document, error) {
	coll, err := s.collection(ctx, docType)
	if err != nil {
		return nil, err
	}
	selector, err := mongoFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("mongo find %s: %w", docType, err)
	}

	fo := options.Find().SetSort(mongoSort(opts.Sort))
	if opts.Limit > 0 {
		fo.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		fo.SetSkip(int64(opts.Offset))
	}

	cursor, err := coll.Find(ctx, selector, fo)
	if err != nil {
		return nil, fmt.Errorf("mongo find %s: %w", docType, err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	for cursor.Next(ctx) {
		var m bson.M
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("mongo decode %s: %w", docType, err)
		}
		doc, err := fromBSON(m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, cursor.Err()
}

func (s *Mongo) Insert(ctx context.Context, docType string, doc Document) error {
	coll, err := s.collection(ctx, docType)
	if err != nil {
		return err
	}
	if doc.ID() == "" {
		doc[IDField] = NewID()
	}
	stored, err := Encode(doc)
	if err != nil {
		return err
	}
	if _, err := coll.InsertOne(ctx, bson.M(stored)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s: %v", ErrDuplicateKey, docType, err)
		}
		return fmt.Errorf("mongo insert %s: %w", docType, err)
	}
	return nil
}

func mongoUpdate(p Patch) (bson.M, error) {
	np, err := p.normalized()
	if err != nil {
		return nil, err
	}
	update := bson.M{}
	if len(np.Set) > 0 {
		if _, ok := np.Set[IDField]; ok {
			return nil, fmt.Errorf("cannot modify %s", IDField)
		}
		update["$set"] = bson.M(np.Set)
	}
	if len(np.Unset) > 0 {
		unset := bson.M{}
		for _, k := range np.Unset {
			unset[k] = ""
		}
		update["$unset"] = unset
	}
	if len(np.AddToSet) > 0 {
		update["$addToSet"] = bson.M(np.AddToSet)
	}
	if len(np.Pull) > 0 {
		update["$pull"] = bson.M(np.Pull)
	}
	return update, nil
}

func (s *Mongo) UpdateByID(ctx context.Context, docType, id string, patch Patch) error {
	coll, err := s.collection(ctx, docType)
	if err != nil {
		return err
	}
	update, err := mongoUpdate(patch)
	if err != nil {
		return fmt.Errorf("mongo update %s: %w", docType, err)
	}
	if len(update) == 0 {
		if _, err := s.FindByID(ctx, docType, id); err != nil {
			return err
		}
		return nil
	}

	res, err := coll.UpdateOne(ctx, bson.M{IDField: id}, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s: %v", ErrDuplicateKey, docType, err)
		}
		return fmt.Errorf("mongo update %s: %w", docType, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) CountWhere(ctx context.Context, docType string, filter Filter) (int64, error) {
	coll, err := s.collection(ctx, docType)
	if err != nil {
		return 0, err
	}
	selector, err := mongoFilter(filter)
	if err != nil {
		return 0, fmt.Errorf("mongo count %s: %w", docType, err)
	}
	n, err := coll.CountDocuments(ctx, selector)
	if err != nil {
		return 0, fmt.Errorf("mongo count %s: %w", docType, err)
	}
	return n, nil
}

func (s *Mongo) DeleteByID(ctx context.Context, docType, id string) error {
	coll, err := s.collection(ctx, docType)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.M{IDField: id})
	if err != nil {
		return fmt.Errorf("mongo delete %s: %w", docType, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) EnsureIndexes(ctx context.Context, docTypes ...string) error {
	var errs []error
	for _, t := range docTypes {
		if _, err := s.collection(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Mongo) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
