package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/plotviz/engine/internal/blobstore"
	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	"github.com/plotviz/engine/internal/repository/repotest"
	appErr "github.com/plotviz/engine/pkg/errors"
	"github.com/plotviz/engine/pkg/utils"
)

func fileNames(manifest []models.MemberDescriptor) []string {
	out := make([]string, 0, len(manifest))
	for _, d := range manifest {
		out = append(out, d.OriginalFileName)
	}
	return out
}

func TestIngestBundleManifestOrder(t *testing.T) {
	f := newFixture(t, IngestOptions{Workers: 2, Policy: PolicyStrict})
	data := bundle(t,
		zipEntry{"b.xml", graphDoc("b")},
		zipEntry{"a.xml", graphDoc("a")},
		zipEntry{"series.index", "a.xml\nb.xml"},
	)

	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", UploaderID: 3, Data: data})
	require.NoError(t, err)

	pending := f.artifact(t, id)
	require.Equal(t, models.StatusPending, pending.Status)
	require.Empty(t, pending.Manifest)
	require.Equal(t, models.TypeTimeSeries, pending.Type)
	require.Equal(t, utils.Checksum(data), pending.Checksum)

	job := f.dispatcher.last(t)
	require.Equal(t, id, job.ArtifactID)
	require.NoError(t, f.svc.ProcessBundle(context.Background(), job))

	a := f.artifact(t, id)
	require.Equal(t, models.StatusActive, a.Status)
	require.Empty(t, a.Errors)
	require.Len(t, a.Manifest, 2)
	require.Equal(t, 0, a.Manifest[0].SequenceNumber)
	require.Equal(t, "a.xml", a.Manifest[0].OriginalFileName)
	require.Equal(t, "timeseries_a.xml_0", a.Manifest[0].Name)
	require.Equal(t, 1, a.Manifest[1].SequenceNumber)
	require.Equal(t, "b.xml", a.Manifest[1].OriginalFileName)

	_, err = f.blobs.Get(context.Background(), job.BlobKey)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound), "staged bundle should be removed")
}

func TestIngestBundleManyMembersSequenced(t *testing.T) {
	f := newFixture(t, IngestOptions{Workers: 3})
	var files []zipEntry
	for i := 0; i < 12; i++ {
		files = append(files, zipEntry{fmt.Sprintf("f%02d.xml", i), graphDoc(fmt.Sprint(i))})
	}

	a := f.ingestBundle(t, indexed(t, files...))

	require.Equal(t, models.StatusActive, a.Status)
	require.Len(t, a.Manifest, 12)
	for i, d := range a.Manifest {
		require.Equal(t, i, d.SequenceNumber)
		require.Equal(t, i, d.ID)
		require.Equal(t, files[i].name, d.OriginalFileName)
		require.Equal(t, a.ID, d.ArtifactID)
	}
	require.Equal(t, 12, f.store.MemberCount(a.ID))
}

func TestIngestBundleMissingManifest(t *testing.T) {
	data := bundle(t, zipEntry{"a.xml", graphDoc("a")})

	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, IngestOptions{Policy: PolicyStrict})
		a := f.ingestBundle(t, data)
		require.Equal(t, models.StatusFailed, a.Status)
		require.Empty(t, a.Manifest)
		require.Len(t, a.Errors, 1)
		require.Equal(t, kindMissingManifest, a.Errors[0].Kind)
		require.Equal(t, models.BundleSequence, a.Errors[0].SequenceNumber)
	})

	t.Run("legacy", func(t *testing.T) {
		f := newFixture(t, IngestOptions{Policy: PolicyLegacy})
		a := f.ingestBundle(t, data)
		require.Equal(t, models.StatusActive, a.Status)
		require.Empty(t, a.Manifest)
		require.Len(t, a.Errors, 1)
	})
}

func TestIngestBundlePartialFailure(t *testing.T) {
	data := indexed(t,
		zipEntry{"a.xml", graphDoc("a")},
		zipEntry{"broken.xml", "<plotviz><clusters>"},
		zipEntry{"c.xml", graphDoc("c")},
	)

	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, IngestOptions{Workers: 2, Policy: PolicyStrict})
		a := f.ingestBundle(t, data)
		require.Equal(t, models.StatusPartial, a.Status)
		require.Equal(t, []string{"a.xml", "c.xml"}, fileNames(a.Manifest))
		require.Equal(t, 2, a.Manifest[1].SequenceNumber)
		require.Equal(t, []models.MemberError{{
			SequenceNumber: 1,
			FileName:       "broken.xml",
			Kind:           string(appErr.CodeMemberParse),
			Message:        a.Errors[0].Message,
		}}, a.Errors)
	})

	t.Run("legacy", func(t *testing.T) {
		f := newFixture(t, IngestOptions{Policy: PolicyLegacy})
		a := f.ingestBundle(t, data)
		require.Equal(t, models.StatusActive, a.Status)
		require.Len(t, a.Manifest, 2)
		require.Len(t, a.Errors, 1)
	})
}

func TestIngestBundleCorruptArchive(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	a := f.ingestBundle(t, []byte("this is not a zip archive"))

	require.Equal(t, models.StatusFailed, a.Status)
	require.Empty(t, a.Manifest)
	require.Len(t, a.Errors, 1)
	require.Equal(t, string(appErr.CodeArchiveCorrupt), a.Errors[0].Kind)
}

func TestIngestBundleStoreFailureIsRecorded(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	f.store.FailMemberInsert = func(m *models.Member) error {
		if m.OriginalFileName == "b.xml" {
			return errors.New("disk full")
		}
		return nil
	}
	a := f.ingestBundle(t, indexed(t, zipEntry{"a.xml", graphDoc("a")}, zipEntry{"b.xml", graphDoc("b")}))

	require.Equal(t, models.StatusPartial, a.Status)
	require.Equal(t, []string{"a.xml"}, fileNames(a.Manifest))
	require.Equal(t, string(appErr.CodeStoreWrite), a.Errors[0].Kind)
}

func TestProcessBundleCanceledStillTerminates(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{
		Name: "series",
		Data: indexed(t, zipEntry{"a.xml", graphDoc("a")}, zipEntry{"b.xml", graphDoc("b")}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.svc.ProcessBundle(ctx, f.dispatcher.last(t)))

	a := f.artifact(t, id)
	require.True(t, a.Status.Terminal())
	require.Equal(t, models.StatusFailed, a.Status)
	require.NotEmpty(t, a.Errors)
	for _, e := range a.Errors {
		require.Equal(t, string(appErr.CodeCanceled), e.Kind)
	}
}

func TestProcessBundleIsIdempotent(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	a := f.ingestBundle(t, indexed(t, zipEntry{"a.xml", graphDoc("a")}))
	require.Equal(t, models.StatusActive, a.Status)

	// a redelivered job for a finished artifact changes nothing
	require.NoError(t, f.svc.ProcessBundle(context.Background(), f.dispatcher.last(t)))
	require.Equal(t, a, f.artifact(t, a.ID))
}

func TestProcessBundleRetryReusesWrittenMembers(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	data := indexed(t, zipEntry{"a.xml", graphDoc("a")}, zipEntry{"b.xml", graphDoc("b")})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: data})
	require.NoError(t, err)
	job := f.dispatcher.last(t)

	// an earlier attempt wrote member 0 and then died
	earlier := &models.Member{
		ID: 0, Name: memberName("a.xml", 0), ArtifactID: id, SequenceNumber: 0,
		OriginalFileName: "a.xml", CreatedAt: "2020-01-01 00:00:00",
	}
	require.NoError(t, f.store.Members().Insert(context.Background(), earlier))

	require.NoError(t, f.svc.ProcessBundle(context.Background(), job))
	a := f.artifact(t, id)
	require.Equal(t, models.StatusActive, a.Status)
	require.Len(t, a.Manifest, 2)
	require.Equal(t, earlier.Descriptor(), a.Manifest[0])
}

func TestProcessBundleRejectsForeignMember(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	data := indexed(t, zipEntry{"a.xml", graphDoc("a")}, zipEntry{"b.xml", graphDoc("b")})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: data})
	require.NoError(t, err)

	// slot 0 is held by a member that did not come from a.xml
	require.NoError(t, f.store.Members().Insert(context.Background(), &models.Member{
		ID: 0, ArtifactID: id, SequenceNumber: 0, OriginalFileName: "other.xml",
	}))

	require.NoError(t, f.svc.ProcessBundle(context.Background(), f.dispatcher.last(t)))
	a := f.artifact(t, id)
	require.Equal(t, models.StatusPartial, a.Status)
	require.Equal(t, []string{"b.xml"}, fileNames(a.Manifest))
	require.Len(t, a.Errors, 1)
	require.Equal(t, string(appErr.CodeConflict), a.Errors[0].Kind)
	require.Equal(t, 0, a.Errors[0].SequenceNumber)
}

func TestProcessBundleKeepsConcurrentEdits(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Group: "old", Data: indexed(t, zipEntry{"a.xml", graphDoc("a")})})
	require.NoError(t, err)

	edited := f.artifact(t, id)
	edited.Group = "new"
	require.NoError(t, f.store.Artifacts().Replace(context.Background(), edited))

	require.NoError(t, f.svc.ProcessBundle(context.Background(), f.dispatcher.last(t)))
	require.Equal(t, "new", f.artifact(t, id).Group)
}

func TestProcessBundleArtifactDeleted(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: indexed(t, zipEntry{"a.xml", graphDoc("a")})})
	require.NoError(t, err)
	require.NoError(t, f.store.Artifacts().Delete(context.Background(), id))

	require.NoError(t, f.svc.ProcessBundle(context.Background(), f.dispatcher.last(t)))
	require.Zero(t, f.store.MemberCount(id))
}

func TestIngestBundleDispatchFailure(t *testing.T) {
	blobs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	store := repotest.NewMemory()
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, mock.AnythingOfType("services.BundleJob")).
		Return(appErr.New(appErr.CodeUnavailable, "queue full"))
	svc := NewIngestService(store.Artifacts(), store.Members(), blobs, d, utils.NewIDGenerator(), nil, IngestOptions{})

	_, err = svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: []byte("zip")})
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	d.AssertExpectations(t)

	as, err := store.Artifacts().List(context.Background(), repository.ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, as, 1)
	require.Equal(t, models.StatusFailed, as[0].Status)
	require.Equal(t, string(appErr.CodeUnavailable), as[0].Errors[0].Kind)

	job := d.Calls[0].Arguments.Get(1).(BundleJob)
	_, err = blobs.Get(context.Background(), job.BlobKey)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestIngestSingleSevenAndNine(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	ctx := context.Background()

	id, err := f.svc.IngestSingle(ctx, UploadInput{
		Name: "snapshot", Description: "d", UploaderID: 5, Group: "g", FileName: "plot.xml", Data: []byte(sevenAndNine),
	})
	require.NoError(t, err)

	a := f.artifact(t, id)
	require.Equal(t, models.StatusActive, a.Status)
	require.Equal(t, models.TypePlotviz, a.Type)
	require.Equal(t, 1, a.Version)
	require.Len(t, a.Manifest, 1)
	require.Equal(t, "timeseries_plot.xml_0", a.Manifest[0].Name)

	m, err := f.store.Members().Get(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, m.Clusters, 1)
	require.Equal(t, 7, m.Clusters[0].Key)
	require.Equal(t, []int{0, 1, 2}, m.Clusters[0].Points)
	require.Len(t, m.Points, 3)
	require.Equal(t, []models.Edge{{ID: 0, Vertices: []int{0, 1}}}, m.Edges)
}

func TestIngestSingleParseFailureWritesNothing(t *testing.T) {
	f := newFixture(t, IngestOptions{})

	_, err := f.svc.IngestSingle(context.Background(), UploadInput{Name: "bad", Data: []byte("<plotviz><points>")})
	require.True(t, appErr.IsCode(err, appErr.CodeMemberParse))

	as, err := f.store.Artifacts().List(context.Background(), repository.ArtifactFilter{})
	require.NoError(t, err)
	require.Empty(t, as)
}

func TestIngestSingleRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, IngestOptions{})

	_, err := f.svc.IngestSingle(context.Background(), UploadInput{Name: " ", Data: []byte(sevenAndNine)})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	_, err = f.svc.IngestBundle(context.Background(), UploadInput{Name: "x"})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestIngestSingleArtifactInsertFailureRemovesMember(t *testing.T) {
	blobs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	store := repotest.NewMemory()
	arts := new(mockArtifactRepo)
	arts.On("Insert", mock.Anything, mock.AnythingOfType("*models.Artifact")).Return(errors.New("connection reset"))
	svc := NewIngestService(arts, store.Members(), blobs, &recordingDispatcher{}, utils.NewIDGenerator(), nil, IngestOptions{})

	_, err = svc.IngestSingle(context.Background(), UploadInput{Name: "snapshot", Data: []byte(sevenAndNine)})
	require.True(t, appErr.IsCode(err, appErr.CodeStoreWrite))
	arts.AssertExpectations(t)

	inserted := arts.Calls[0].Arguments.Get(1).(*models.Artifact)
	require.Zero(t, store.MemberCount(inserted.ID))
}

func TestTerminalStatus(t *testing.T) {
	require.Equal(t, models.StatusActive, terminalStatus(PolicyStrict, 3, 0))
	require.Equal(t, models.StatusActive, terminalStatus(PolicyStrict, 0, 0))
	require.Equal(t, models.StatusPartial, terminalStatus(PolicyStrict, 2, 1))
	require.Equal(t, models.StatusFailed, terminalStatus(PolicyStrict, 0, 1))
	require.Equal(t, models.StatusActive, terminalStatus(PolicyLegacy, 0, 4))
}

// hookedArtifacts runs onGet after the n-th Get, counting from 1.
type hookedArtifacts struct {
	repository.ArtifactRepository
	mu    sync.Mutex
	gets  int
	onGet func(n int)
}

func (h *hookedArtifacts) Get(ctx context.Context, id int64) (*models.Artifact, error) {
	a, err := h.ArtifactRepository.Get(ctx, id)
	h.mu.Lock()
	h.gets++
	n := h.gets
	h.mu.Unlock()
	if h.onGet != nil {
		h.onGet(n)
	}
	return a, err
}

func TestFinalizeRetriesAfterConcurrentUpdate(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	arts := &hookedArtifacts{ArtifactRepository: f.store.Artifacts()}
	f.svc.artifacts = arts
	edits := NewArtifactService(f.store.Artifacts(), f.store.Members())

	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Group: "old", Data: indexed(t, zipEntry{"a.xml", graphDoc("a")})})
	require.NoError(t, err)

	// the second Get is the one finalize builds its write on
	arts.onGet = func(n int) {
		if n == 2 {
			group := "new"
			_, err := edits.UpdateArtifact(context.Background(), id, UpdateArtifactInput{Group: &group})
			require.NoError(t, err)
		}
	}
	require.NoError(t, f.svc.ProcessBundle(context.Background(), f.dispatcher.last(t)))

	a := f.artifact(t, id)
	require.Equal(t, models.StatusActive, a.Status)
	require.Equal(t, "new", a.Group)
	require.Len(t, a.Manifest, 1)
	require.Equal(t, 3, a.Version)
}

// flakyBlobs fails Get with a transient error.
type flakyBlobs struct {
	blobstore.Store
}

func (b flakyBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, appErr.New(appErr.CodeUnavailable, "connection reset")
}

func TestProcessBundleLeavesTransientBlobErrorsForRetry(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: indexed(t, zipEntry{"a.xml", graphDoc("a")})})
	require.NoError(t, err)
	job := f.dispatcher.last(t)
	f.svc.blobs = flakyBlobs{f.blobs}

	err = f.svc.ProcessBundle(context.Background(), job)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	require.Equal(t, models.StatusPending, f.artifact(t, id).Status)
	_, err = f.blobs.Get(context.Background(), job.BlobKey)
	require.NoError(t, err, "staged bundle kept for the next attempt")

	// the last attempt records the error and finishes the artifact
	job.FinalAttempt = true
	require.NoError(t, f.svc.ProcessBundle(context.Background(), job))
	a := f.artifact(t, id)
	require.Equal(t, models.StatusFailed, a.Status)
	require.Equal(t, string(appErr.CodeUnavailable), a.Errors[0].Kind)
	_, err = f.blobs.Get(context.Background(), job.BlobKey)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestProcessBundleMissingBlobFinalizes(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	id, err := f.svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: indexed(t, zipEntry{"a.xml", graphDoc("a")})})
	require.NoError(t, err)
	job := f.dispatcher.last(t)
	require.NoError(t, f.blobs.Delete(context.Background(), job.BlobKey))

	require.NoError(t, f.svc.ProcessBundle(context.Background(), job))
	a := f.artifact(t, id)
	require.Equal(t, models.StatusFailed, a.Status)
	require.Equal(t, string(appErr.CodeNotFound), a.Errors[0].Kind)
}

func TestIngestSingleRetriesTakenID(t *testing.T) {
	f := newFixture(t, IngestOptions{})
	var first atomic.Bool
	f.store.FailMemberInsert = func(m *models.Member) error {
		if first.CompareAndSwap(false, true) {
			return appErr.Newf(appErr.CodeAlreadyExists, "member %d/0 exists", m.ArtifactID)
		}
		return nil
	}

	id, err := f.svc.IngestSingle(context.Background(), UploadInput{Name: "snapshot", Data: []byte(sevenAndNine)})
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, f.artifact(t, id).Status)
	require.Equal(t, 1, f.store.MemberCount(id))
}

func TestIngestBundleRetriesTakenID(t *testing.T) {
	blobs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	store := repotest.NewMemory()
	arts := new(mockArtifactRepo)
	arts.On("Insert", mock.Anything, mock.AnythingOfType("*models.Artifact")).
		Return(appErr.New(appErr.CodeAlreadyExists, "artifact exists")).Once()
	arts.On("Insert", mock.Anything, mock.AnythingOfType("*models.Artifact")).Return(nil).Once()
	d := &recordingDispatcher{}
	svc := NewIngestService(arts, store.Members(), blobs, d, utils.NewIDGenerator(), nil, IngestOptions{})

	id, err := svc.IngestBundle(context.Background(), UploadInput{Name: "series", Data: []byte("zip")})
	require.NoError(t, err)
	arts.AssertExpectations(t)
	require.Equal(t, id, d.last(t).ArtifactID)
}

func TestIndependentServicesShareStore(t *testing.T) {
	blobs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	store := repotest.NewMemory()
	newSvc := func() IngestService {
		return NewIngestService(store.Artifacts(), store.Members(), blobs, &recordingDispatcher{}, utils.NewIDGenerator(), nil, IngestOptions{})
	}
	a, b := newSvc(), newSvc()

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, svc := range []IngestService{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = svc.IngestSingle(context.Background(), UploadInput{Name: "snapshot", Data: []byte(sevenAndNine)})
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
	}
	all, err := store.Artifacts().List(context.Background(), repository.ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, all, 400)
}
