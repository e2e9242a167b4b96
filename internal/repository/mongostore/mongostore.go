// Package mongostore implements the repository contracts on MongoDB.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	appErr "github.com/plotviz/engine/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	artifactsCollection = "artifacts"
	membersCollection   = "members"
)

// EnsureIndexes creates the unique keys the stores rely on. It is safe to
// call on every start.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		artifactsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "group", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		membersCollection: {
			{Keys: bson.D{{Key: "artifactId", Value: 1}, {Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, idx := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "create indexes failed").WithMeta("collection", coll)
		}
	}
	return nil
}

var withoutObjectID = bson.D{{Key: "_id", Value: 0}}

type artifactStore struct {
	coll *mongo.Collection
}

func NewArtifactRepository(db *mongo.Database) repository.ArtifactRepository {
	return &artifactStore{coll: db.Collection(artifactsCollection)}
}

func (s *artifactStore) Insert(ctx context.Context, a *models.Artifact) error {
	if _, err := s.coll.InsertOne(ctx, a); err != nil {
		return writeErr(err, "insert artifact failed")
	}
	return nil
}

func (s *artifactStore) Replace(ctx context.Context, a *models.Artifact) error {
	next := *a
	next.Version = a.Version + 1
	res, err := s.coll.ReplaceOne(ctx, bson.M{"id": a.ID, "version": a.Version}, &next)
	if err != nil {
		return writeErr(err, "replace artifact failed")
	}
	if res.MatchedCount == 0 {
		ok, err := s.Exists(ctx, a.ID)
		if err != nil {
			return err
		}
		if ok {
			return appErr.Newf(appErr.CodeConflict, "artifact %d changed since version %d", a.ID, a.Version)
		}
		return appErr.Newf(appErr.CodeNotFound, "artifact %d not found", a.ID)
	}
	a.Version = next.Version
	return nil
}

func (s *artifactStore) Get(ctx context.Context, id int64) (*models.Artifact, error) {
	var a models.Artifact
	err := s.coll.FindOne(ctx, bson.M{"id": id}, options.FindOne().SetProjection(withoutObjectID)).Decode(&a)
	if err != nil {
		return nil, readErr(err, "artifact")
	}
	return &a, nil
}

func (s *artifactStore) List(ctx context.Context, f repository.ArtifactFilter) ([]models.Artifact, error) {
	filter := bson.M{}
	if f.Groups != nil {
		filter["group"] = bson.M{"$in": f.Groups}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "id", Value: -1}}).
		SetProjection(withoutObjectID)
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list artifacts failed")
	}
	out := []models.Artifact{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode artifacts failed")
	}
	return out, nil
}

func (s *artifactStore) Delete(ctx context.Context, id int64) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return writeErr(err, "delete artifact failed")
	}
	if res.DeletedCount == 0 {
		return appErr.Newf(appErr.CodeNotFound, "artifact %d not found", id)
	}
	return nil
}

func (s *artifactStore) Exists(ctx context.Context, id int64) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "count artifacts failed")
	}
	return n > 0, nil
}

type memberStore struct {
	coll *mongo.Collection
}

func NewMemberRepository(db *mongo.Database) repository.MemberRepository {
	return &memberStore{coll: db.Collection(membersCollection)}
}

func memberKey(artifactID int64, memberID int) bson.M {
	return bson.M{"artifactId": artifactID, "id": memberID}
}

func (s *memberStore) Insert(ctx context.Context, m *models.Member) error {
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return writeErr(err, "insert member failed")
	}
	return nil
}

func (s *memberStore) Get(ctx context.Context, artifactID int64, memberID int) (*models.Member, error) {
	var m models.Member
	err := s.coll.FindOne(ctx, memberKey(artifactID, memberID), options.FindOne().SetProjection(withoutObjectID)).Decode(&m)
	if err != nil {
		return nil, readErr(err, "member")
	}
	return &m, nil
}

// GetRaw re-encodes the stored document with the same field names the
// relational store persists.
func (s *memberStore) GetRaw(ctx context.Context, artifactID int64, memberID int) ([]byte, error) {
	m, err := s.Get(ctx, artifactID, memberID)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode member failed")
	}
	return b, nil
}

func (s *memberStore) DeleteOne(ctx context.Context, artifactID int64, memberID int) error {
	res, err := s.coll.DeleteOne(ctx, memberKey(artifactID, memberID))
	if err != nil {
		return writeErr(err, "delete member failed")
	}
	if res.DeletedCount == 0 {
		return appErr.Newf(appErr.CodeNotFound, "member %d/%d not found", artifactID, memberID)
	}
	return nil
}

func (s *memberStore) DeleteByArtifact(ctx context.Context, artifactID int64) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"artifactId": artifactID})
	if err != nil {
		return 0, writeErr(err, "delete members failed")
	}
	return res.DeletedCount, nil
}

func writeErr(err error, msg string) error {
	if mongo.IsDuplicateKeyError(err) {
		return appErr.Wrap(err, appErr.CodeAlreadyExists, msg)
	}
	return appErr.Wrap(err, appErr.CodeStoreWrite, msg)
}

func readErr(err error, kind string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return appErr.New(appErr.CodeNotFound, kind+" not found")
	}
	return appErr.Wrap(err, appErr.CodeInternal, "get "+kind+" failed")
}
