package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps documents in a MongoDB collection and expresses every lease predicate
// as a single filtered update, so the server's per-document atomicity is the lock.
type MongoStore[P any] struct {
	coll *mongo.Collection
	opts storeOptions
}

// NewMongoStore creates a store over coll. Documents are keyed by _id.
func NewMongoStore[P any](coll *mongo.Collection, opts ...StoreOption) *MongoStore[P] {
	return &MongoStore[P]{
		coll: coll,
		opts: newStoreOptions("mongo", opts),
	}
}

// LeaseDuration implements Store.
func (s *MongoStore[P]) LeaseDuration() time.Duration { return s.opts.lease }

// Create implements Documents. The document is stored with _id set to id regardless of
// what the encoded document carries.
func (s *MongoStore[P]) Create(ctx context.Context, id string, doc *P) error {
	if id == "" || doc == nil {
		return fmt.Errorf("%w: id and document are required", ErrInvalidArgument)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	m["_id"] = id

	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDocumentExists, id)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Get implements Documents.
func (s *MongoStore[P]) Get(ctx context.Context, id string) (*P, error) {
	var doc P
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// AcquireLock implements Store.
func (s *MongoStore[P]) AcquireLock(ctx context.Context, sel Selector[P], parentID, targetID string, staleMultiplier int) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkStaleMultiplier(staleMultiplier); err != nil {
		return nil, err
	}

	until, staleBefore := s.opts.leaseWindow(staleMultiplier)
	free := bson.A{
		bson.M{"lockId": bson.M{"$in": bson.A{nil, ""}}},
		bson.M{"leaseExpiry": nil},
		bson.M{"leaseExpiry": bson.M{"$lte": staleBefore}},
	}
	filter := mongoFilter(sel, parentID, targetID, bson.M{"$or": free})
	update := bson.M{"$set": bson.M{
		mongoField(sel, "lockId"):      s.opts.newID(),
		mongoField(sel, "leaseExpiry"): until,
	}}

	var doc P
	err = s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	s.traceQuery("acquire", sel, parentID, targetID, filter, update, err == nil)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return &doc, nil
}

// RefreshLock implements Store.
func (s *MongoStore[P]) RefreshLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	until, _ := s.opts.leaseWindow(0)
	filter := mongoFilter(sel, parentID, targetID, bson.M{"lockId": lockID})
	update := bson.M{"$set": bson.M{mongoField(sel, "leaseExpiry"): until}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}
	s.traceQuery("refresh", sel, parentID, targetID, filter, update, res.MatchedCount > 0)
	return res.MatchedCount > 0, nil
}

// ReleaseLock implements Store.
func (s *MongoStore[P]) ReleaseLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	filter := mongoFilter(sel, parentID, targetID, bson.M{"lockId": lockID})
	update := bson.M{"$unset": bson.M{
		mongoField(sel, "lockId"):      "",
		mongoField(sel, "leaseExpiry"): "",
	}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	s.traceQuery("release", sel, parentID, targetID, filter, update, res.MatchedCount > 0)
	return true, nil
}

// GetLockedEntity implements Store.
func (s *MongoStore[P]) GetLockedEntity(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkLockID(lockID); err != nil {
		return nil, err
	}

	filter := mongoFilter(sel, parentID, targetID, bson.M{"lockId": lockID})

	var doc P
	err = s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get locked document: %w", err)
	}
	return &doc, nil
}

// mongoFilter builds the match for the record addressed by sel with cond applied to its
// lock fields. Collection matches also require exactly one element with targetID, which
// keeps the positional update unambiguous.
func mongoFilter[P any](sel Selector[P], parentID, targetID string, cond bson.M) bson.M {
	filter := bson.M{"_id": parentID}

	switch sel.Kind() {
	case KindDirect:
		for k, v := range cond {
			filter[k] = v
		}

	case KindSingleField:
		filter[sel.Path()+"._id"] = targetID
		if or, ok := cond["$or"].(bson.A); ok {
			prefixed := make(bson.A, 0, len(or))
			for _, c := range or {
				prefixed = append(prefixed, prefixKeys(sel.Path(), c.(bson.M)))
			}
			filter["$or"] = prefixed
		} else {
			for k, v := range prefixKeys(sel.Path(), cond) {
				filter[k] = v
			}
		}

	case KindCollectionField:
		elem := bson.M{"_id": targetID}
		for k, v := range cond {
			elem[k] = v
		}
		filter[sel.Path()] = bson.M{"$elemMatch": elem}
		filter["$expr"] = bson.M{"$eq": bson.A{
			bson.M{"$size": bson.M{"$filter": bson.M{
				"input": bson.M{"$ifNull": bson.A{"$" + sel.Path(), bson.A{}}},
				"as":    "e",
				"cond":  bson.M{"$eq": bson.A{"$$e._id", targetID}},
			}}},
			1,
		}}
	}

	return filter
}

// mongoField returns the update path of a lock field for sel.
func mongoField[P any](sel Selector[P], field string) string {
	switch sel.Kind() {
	case KindSingleField:
		return sel.Path() + "." + field
	case KindCollectionField:
		return sel.Path() + ".$." + field
	default:
		return field
	}
}

func prefixKeys(prefix string, m bson.M) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[prefix+"."+k] = v
	}
	return out
}

func (s *MongoStore[P]) traceQuery(op string, sel fmt.Stringer, parentID, targetID string, filter, update bson.M, matched bool) {
	if e := s.opts.logger.Trace(); e.Enabled() {
		e.Interface("filter", filter).
			Interface("update", update).
			Str("op", op).
			Str("selector", sel.String()).
			Str("parentId", parentID).
			Str("targetId", targetID).
			Bool("matched", matched).
			Msg("lock store operation")
	}
}
