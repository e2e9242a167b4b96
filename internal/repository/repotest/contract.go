// Package repotest holds the behaviour every store backend must share.
package repotest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	apperrors "github.com/plotviz/engine/pkg/errors"
)

func artifact(id int64, group, createdAt string) *models.Artifact {
	return &models.Artifact{
		ID:         id,
		Name:       "a",
		UploaderID: 1,
		CreatedAt:  createdAt,
		Status:     models.StatusPending,
		Group:      group,
		Type:       models.TypeTimeSeries,
		Version:    1,
		Manifest:   []models.MemberDescriptor{},
	}
}

func member(artifactID int64, id int) *models.Member {
	return &models.Member{
		ID:               id,
		Name:             "timeseries_a.xml_0",
		CreatedAt:        "2024-01-01 00:00:00",
		OriginalFileName: "a.xml",
		ArtifactID:       artifactID,
		SequenceNumber:   id,
		Clusters: []models.Cluster{{
			Key: 7, Label: "seven", Shape: "3", Visible: 1, Size: 1,
			Color: models.Color{A: 255, R: 10, G: 20, B: 30}, Points: []int{0, 1},
		}},
		Points: []models.Point{
			{Key: 0, Cluster: 7, Value: [3]float64{0.5, 1, 2}},
			{Key: 1, Cluster: 7, Value: [3]float64{3, 4, 5}},
		},
		Edges: []models.Edge{{ID: 0, Vertices: []int{0, 1}}},
	}
}

// RunContract exercises a pair of repositories against a clean store.
func RunContract(t *testing.T, arts repository.ArtifactRepository, mems repository.MemberRepository) {
	ctx := context.Background()

	t.Run("artifact lifecycle", func(t *testing.T) {
		a := artifact(1001, "g1", "2024-01-01 10:00:00")
		require.NoError(t, arts.Insert(ctx, a))

		err := arts.Insert(ctx, a)
		require.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyExists), "got %v", err)

		a.Status = models.StatusPartial
		a.Manifest = []models.MemberDescriptor{{ID: 0, Name: "m", ArtifactID: 1001}}
		a.Errors = []models.MemberError{{SequenceNumber: 1, FileName: "b.xml", Kind: "member_parse", Message: "bad"}}
		require.NoError(t, arts.Replace(ctx, a))
		require.Equal(t, 2, a.Version)

		got, err := arts.Get(ctx, 1001)
		require.NoError(t, err)
		require.Equal(t, a, got)

		// a writer holding the old version must not overwrite the newer document
		stale := *a
		stale.Version = 1
		stale.Status = models.StatusPending
		err = arts.Replace(ctx, &stale)
		require.True(t, apperrors.IsCode(err, apperrors.CodeConflict), "got %v", err)
		require.Equal(t, 1, stale.Version)

		got, err = arts.Get(ctx, 1001)
		require.NoError(t, err)
		require.Equal(t, models.StatusPartial, got.Status)

		ok, err := arts.Exists(ctx, 1001)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, arts.Delete(ctx, 1001))
		ok, err = arts.Exists(ctx, 1001)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = arts.Get(ctx, 1001)
		require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
		require.True(t, apperrors.IsCode(arts.Delete(ctx, 1001), apperrors.CodeNotFound))
		require.True(t, apperrors.IsCode(arts.Replace(ctx, a), apperrors.CodeNotFound))
	})

	t.Run("artifact listing", func(t *testing.T) {
		require.NoError(t, arts.Insert(ctx, artifact(2001, "g1", "2024-01-01 10:00:00")))
		require.NoError(t, arts.Insert(ctx, artifact(2002, "", "2024-01-02 10:00:00")))
		require.NoError(t, arts.Insert(ctx, artifact(2003, "g2", "2024-01-03 10:00:00")))

		all, err := arts.List(ctx, repository.ArtifactFilter{})
		require.NoError(t, err)
		require.Equal(t, []int64{2003, 2002, 2001}, ids(all))

		some, err := arts.List(ctx, repository.ArtifactFilter{Groups: []string{"g1", ""}})
		require.NoError(t, err)
		require.Equal(t, []int64{2002, 2001}, ids(some))

		none, err := arts.List(ctx, repository.ArtifactFilter{Groups: []string{"nope"}})
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("member lifecycle", func(t *testing.T) {
		m := member(3001, 0)
		require.NoError(t, mems.Insert(ctx, m))
		require.NoError(t, mems.Insert(ctx, member(3001, 1)))
		require.NoError(t, mems.Insert(ctx, member(3002, 0)))

		err := mems.Insert(ctx, m)
		require.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyExists), "got %v", err)

		got, err := mems.Get(ctx, 3001, 0)
		require.NoError(t, err)
		require.Equal(t, m, got)

		raw, err := mems.GetRaw(ctx, 3001, 0)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		require.Equal(t, "a.xml", doc["originalFileName"])
		require.Len(t, doc["points"], 2)

		_, err = mems.Get(ctx, 3001, 5)
		require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

		require.NoError(t, mems.DeleteOne(ctx, 3001, 1))
		require.True(t, apperrors.IsCode(mems.DeleteOne(ctx, 3001, 1), apperrors.CodeNotFound))

		n, err := mems.DeleteByArtifact(ctx, 3001)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		_, err = mems.Get(ctx, 3002, 0)
		require.NoError(t, err)
	})
}

func ids(as []models.Artifact) []int64 {
	out := make([]int64, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}
