package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	appErr "github.com/plotviz/engine/pkg/errors"
)

func seedArtifact(t *testing.T, f *fixture, id int64, group string, created time.Time, members int) {
	t.Helper()
	a := &models.Artifact{
		ID:        id,
		Name:      "a",
		CreatedAt: models.FormatTimestamp(created),
		Status:    models.StatusActive,
		Group:     group,
		Type:      models.TypeTimeSeries,
		Version:   1,
		Manifest:  []models.MemberDescriptor{},
	}
	for i := 0; i < members; i++ {
		a.Manifest = append(a.Manifest, models.MemberDescriptor{
			ID:               i,
			Name:             memberName("f.xml", i),
			CreatedAt:        a.CreatedAt,
			ArtifactID:       id,
			SequenceNumber:   i,
			OriginalFileName: "f.xml",
		})
	}
	require.NoError(t, f.store.Artifacts().Insert(context.Background(), a))
}

func TestListArtifacts(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	q := NewQueryService(f.store.Artifacts(), f.store.Members(), "default")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	seedArtifact(t, f, 1, "", base, 1)
	seedArtifact(t, f, 2, "default", base.Add(time.Minute), 3)
	seedArtifact(t, f, 3, "lab", base.Add(2*time.Minute), 2)

	all, err := q.ListArtifacts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []int64{3, 2, 1}, []int64{all[0].ID, all[1].ID, all[2].ID})
	require.Equal(t, TypeStringSeries, all[0].TypeString)
	require.Equal(t, 3, all[1].MemberCount)
	require.Equal(t, TypeStringSnapshot, all[2].TypeString)
	require.Equal(t, "default", all[2].Group)
	require.True(t, base.Equal(all[2].CreatedAt))

	for _, g := range []string{"default", ""} {
		got, err := q.ListArtifacts(context.Background(), &g)
		require.NoError(t, err)
		require.Len(t, got, 2, "group %q", g)
	}

	lab := "lab"
	got, err := q.ListArtifacts(context.Background(), &lab)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(3), got[0].ID)

	none := "missing"
	got, err = q.ListArtifacts(context.Background(), &none)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestListArtifactsStoreError(t *testing.T) {
	arts := new(mockArtifactRepo)
	arts.On("List", mock.Anything, repository.ArtifactFilter{}).Return(nil, appErr.New(appErr.CodeUnavailable, "db down"))
	q := NewQueryService(arts, nil, "default")

	_, err := q.ListArtifacts(context.Background(), nil)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	arts.AssertExpectations(t)
}

func TestMemberQueries(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	q := NewQueryService(f.store.Artifacts(), f.store.Members(), "default")
	ctx := context.Background()

	a := f.ingestBundle(t, indexed(t,
		zipEntry{"a.xml", graphDoc("a")},
		zipEntry{"b.xml", sevenAndNine},
	))

	members, err := q.ListMembers(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "b.xml", members[1].OriginalFileName)
	require.Equal(t, int64(3), members[1].UploaderID)

	first, err := q.GetFirstMember(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 0, first.SequenceNumber)

	m, err := q.GetMember(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "timeseries_b.xml_1", m.Name)

	_, err = q.GetMember(ctx, a.ID, 5)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
	_, err = q.ListMembers(ctx, 404)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	clusters, err := q.GetClusters(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Equal(t, []ClusterView{{
		Key:        7,
		Label:      "seven",
		Shape:      "3",
		Visible:    1,
		Size:       1,
		Color:      models.Color{A: 255, R: 255},
		MemberID:   1,
		PointCount: 3,
	}}, clusters)

	raw, err := q.GetRawDocument(ctx, a.ID, 1)
	require.NoError(t, err)
	var doc models.Member
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Points, 3)
	for _, c := range doc.Clusters {
		require.NotEmpty(t, c.Points)
	}

	_, err = q.GetRawDocument(ctx, a.ID, 9)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestGetFirstMemberEmptyArtifact(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	q := NewQueryService(f.store.Artifacts(), f.store.Members(), "default")
	seedArtifact(t, f, 8, "", time.Now(), 0)

	_, err := q.GetFirstMember(context.Background(), 8)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestGetArtifactAndDocument(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	q := NewQueryService(f.store.Artifacts(), f.store.Members(), "default")
	seedArtifact(t, f, 4, "", time.Now(), 1)

	a, err := q.GetArtifact(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, "default", a.Group)

	b, err := q.GetArtifactDocument(context.Background(), 4)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, float64(4), got["id"])
	require.Contains(t, got, "manifest")

	_, err = q.GetArtifactDocument(context.Background(), 40)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}
