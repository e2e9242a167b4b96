package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/plotviz/engine/internal/archive"
	"github.com/plotviz/engine/internal/assembler"
	"github.com/plotviz/engine/internal/blobstore"
	"github.com/plotviz/engine/internal/metrics"
	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/plotviz"
	"github.com/plotviz/engine/internal/repository"
	appErr "github.com/plotviz/engine/pkg/errors"
	"github.com/plotviz/engine/pkg/logger"
	"github.com/plotviz/engine/pkg/utils"
)

// Ingestion service interface and DTOs
type IngestService interface {
	// IngestSingle stores one parsed file as an active artifact.
	IngestSingle(ctx context.Context, in UploadInput) (int64, error)
	// IngestBundle stores a pending artifact and hands the archive to the
	// dispatcher. The id is returned before any member is processed.
	IngestBundle(ctx context.Context, in UploadInput) (int64, error)
	// ProcessBundle runs the background phase for one staged bundle.
	ProcessBundle(ctx context.Context, job BundleJob) error
}

type UploadInput struct {
	Name        string
	Description string
	UploaderID  int64
	Group       string
	FileName    string
	Data        []byte
}

// BundleJob is the unit of background work. It is serialized into queue
// payloads.
type BundleJob struct {
	ArtifactID int64  `json:"artifact_id"`
	BlobKey    string `json:"blob_key"`

	// FinalAttempt is set by the runner when a returned error will not be
	// retried. Transient failures then finalize the artifact instead of
	// leaving it pending.
	FinalAttempt bool `json:"-"`
}

// BundleDispatcher schedules ProcessBundle for a job.
type BundleDispatcher interface {
	Dispatch(ctx context.Context, job BundleJob) error
}

// StatusPolicy decides the terminal status of a bundle.
type StatusPolicy string

const (
	// PolicyStrict reports partial and failed bundles as such.
	PolicyStrict StatusPolicy = "strict"
	// PolicyLegacy marks every finished bundle active and only records errors.
	PolicyLegacy StatusPolicy = "legacy"
)

// kindMissingManifest is recorded when a bundle has no index entry.
const kindMissingManifest = "missing_manifest"

const finalizeTimeout = 30 * time.Second

// maxIDAttempts bounds how many fresh ids an upload tries when the store
// already holds the generated one.
const maxIDAttempts = 3

type IngestOptions struct {
	Workers       int
	BundleTimeout time.Duration
	Policy        StatusPolicy
	MaxPoints     int
}

type ingestService struct {
	artifacts  repository.ArtifactRepository
	members    repository.MemberRepository
	blobs      blobstore.Store
	dispatcher BundleDispatcher
	ids        *utils.IDGenerator
	metrics    *metrics.Metrics
	opts       IngestOptions
	now        func() time.Time
}

func NewIngestService(
	artifacts repository.ArtifactRepository,
	members repository.MemberRepository,
	blobs blobstore.Store,
	dispatcher BundleDispatcher,
	ids *utils.IDGenerator,
	m *metrics.Metrics,
	opts IngestOptions,
) IngestService {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyStrict
	}
	return &ingestService{
		artifacts:  artifacts,
		members:    members,
		blobs:      blobs,
		dispatcher: dispatcher,
		ids:        ids,
		metrics:    m,
		opts:       opts,
		now:        time.Now,
	}
}

var _ IngestService = (*ingestService)(nil)

func memberName(fileName string, seq int) string {
	return fmt.Sprintf("timeseries_%s_%d", fileName, seq)
}

func validateUpload(in UploadInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return appErr.New(appErr.CodeInvalid, "name is required")
	}
	if len(in.Data) == 0 {
		return appErr.New(appErr.CodeInvalid, "upload is empty")
	}
	return nil
}

func (s *ingestService) IngestSingle(ctx context.Context, in UploadInput) (int64, error) {
	if err := validateUpload(in); err != nil {
		return 0, err
	}
	log := logger.L().With(zap.String("name", in.Name), zap.Int64("uploader_id", in.UploaderID))

	g, err := plotviz.Parse(bytes.NewReader(in.Data), plotviz.WithMaxPoints(s.opts.MaxPoints))
	if err != nil {
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		log.Warn("single upload rejected", zap.Error(err))
		return 0, err
	}

	fileName := in.FileName
	if fileName == "" {
		fileName = in.Name
	}

	var (
		a   *models.Artifact
		res assembler.Result
	)
	for attempt := 1; ; attempt++ {
		a, res, err = s.storeSingle(ctx, in, g, fileName)
		if err == nil {
			break
		}
		if !appErr.IsCode(err, appErr.CodeAlreadyExists) || attempt == maxIDAttempts {
			return 0, err
		}
		log.Warn("artifact id taken, retrying with a new one", zap.Error(err))
	}
	id := a.ID

	s.metrics.ArtifactCompleted("single", string(a.Status))
	log.Info("single upload ingested",
		zap.Int64("artifact_id", id),
		zap.Int("clusters", res.Stats.Clusters),
		zap.Int("points", res.Stats.Points),
		zap.Int("edges", res.Stats.Edges),
		zap.Int("pruned_clusters", res.Stats.PrunedClusters),
	)
	return id, nil
}

// storeSingle writes the member and then the artifact under a fresh id. A
// failed artifact insert removes the member again.
func (s *ingestService) storeSingle(ctx context.Context, in UploadInput, g *plotviz.Graph, fileName string) (*models.Artifact, assembler.Result, error) {
	id := s.ids.Next()
	now := s.now()
	res := assembler.Assemble(g, assembler.MemberMeta{
		ID:               0,
		Name:             memberName(fileName, 0),
		Description:      in.Description,
		UploaderID:       in.UploaderID,
		CreatedAt:        now,
		ArtifactID:       id,
		SequenceNumber:   0,
		OriginalFileName: fileName,
	})

	if err := s.members.Insert(ctx, res.Member); err != nil {
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		return nil, res, storeWriteErr(err, "insert member failed")
	}

	a := &models.Artifact{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		UploaderID:  in.UploaderID,
		CreatedAt:   models.FormatTimestamp(now),
		Status:      models.StatusActive,
		Group:       in.Group,
		Type:        models.TypePlotviz,
		Version:     1,
		Checksum:    utils.Checksum(in.Data),
		Manifest:    []models.MemberDescriptor{res.Descriptor},
	}
	if err := s.artifacts.Insert(ctx, a); err != nil {
		if derr := s.members.DeleteOne(context.WithoutCancel(ctx), id, 0); derr != nil {
			logger.L().Error("cleanup orphan member failed", zap.Int64("artifact_id", id), zap.Error(derr))
		}
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		return nil, res, storeWriteErr(err, "insert artifact failed")
	}
	s.metrics.Discarded(res.Stats.PrunedClusters, res.Stats.DroppedPoints, res.Stats.DroppedEdges)
	s.metrics.MemberProcessed("ok")
	return a, res, nil
}

func (s *ingestService) IngestBundle(ctx context.Context, in UploadInput) (int64, error) {
	if err := validateUpload(in); err != nil {
		return 0, err
	}

	a := &models.Artifact{
		Name:        in.Name,
		Description: in.Description,
		UploaderID:  in.UploaderID,
		CreatedAt:   models.FormatTimestamp(s.now()),
		Status:      models.StatusPending,
		Group:       in.Group,
		Type:        models.TypeTimeSeries,
		Version:     1,
		Checksum:    utils.Checksum(in.Data),
		Manifest:    []models.MemberDescriptor{},
	}
	for attempt := 1; ; attempt++ {
		a.ID = s.ids.Next()
		err := s.artifacts.Insert(ctx, a)
		if err == nil {
			break
		}
		if !appErr.IsCode(err, appErr.CodeAlreadyExists) || attempt == maxIDAttempts {
			return 0, storeWriteErr(err, "insert artifact failed")
		}
		logger.L().Warn("artifact id taken, retrying with a new one", zap.Int64("artifact_id", a.ID))
	}
	id := a.ID
	log := logger.L().With(zap.Int64("artifact_id", id))

	key := blobstore.BundleKey(id)
	if err := s.blobs.Put(ctx, key, in.Data); err != nil {
		s.failArtifact(ctx, a, err)
		return 0, err
	}
	if err := s.dispatcher.Dispatch(ctx, BundleJob{ArtifactID: id, BlobKey: key}); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn("remove staged bundle failed", zap.Error(derr))
		}
		s.failArtifact(ctx, a, err)
		return 0, err
	}

	log.Info("bundle accepted", zap.String("blob_key", key), zap.Int("bytes", len(in.Data)))
	return id, nil
}

// failArtifact marks a bundle that never reached the background phase.
func (s *ingestService) failArtifact(ctx context.Context, a *models.Artifact, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	updated, err := mutateArtifact(ctx, s.artifacts, a.ID, func(cur *models.Artifact) {
		cur.Status = models.StatusFailed
		cur.Errors = append(cur.Errors, bundleError(cause))
	})
	if err != nil {
		logger.L().Error("mark artifact failed", zap.Int64("artifact_id", a.ID), zap.Error(err))
		return
	}
	*a = *updated
	s.metrics.ArtifactCompleted("bundle", string(a.Status))
}

type memberOutcome struct {
	descriptor *models.MemberDescriptor
	fileName   string
	err        error
}

func (s *ingestService) ProcessBundle(ctx context.Context, job BundleJob) error {
	start := s.now()
	log := logger.L().With(zap.Int64("artifact_id", job.ArtifactID), zap.String("blob_key", job.BlobKey))

	if s.opts.BundleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BundleTimeout)
		defer cancel()
	}

	a, err := s.artifacts.Get(ctx, job.ArtifactID)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		log.Warn("artifact vanished before processing")
		s.removeBlob(ctx, job.BlobKey)
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		log.Info("artifact already finished, skipping", zap.String("status", string(a.Status)))
		s.removeBlob(ctx, job.BlobKey)
		return nil
	}

	var (
		outcomes   []memberOutcome
		bundleErrs []models.MemberError
	)
	data, err := s.blobs.Get(ctx, job.BlobKey)
	if err != nil && !appErr.IsCode(err, appErr.CodeNotFound) && !job.FinalAttempt {
		// Leave the artifact pending and the blob staged for the next attempt.
		log.Warn("fetch staged bundle failed, will retry", zap.Error(err))
		return err
	}
	if err != nil {
		bundleErrs = append(bundleErrs, bundleError(err))
	} else {
		entries, err := archive.Extract(bytes.NewReader(data), int64(len(data)))
		switch {
		case errors.Is(err, archive.ErrNoManifest):
			bundleErrs = append(bundleErrs, models.MemberError{
				SequenceNumber: models.BundleSequence,
				Kind:           kindMissingManifest,
				Message:        err.Error(),
			})
		case err != nil:
			bundleErrs = append(bundleErrs, bundleError(err))
		default:
			outcomes = s.processMembers(ctx, a, entries)
		}
	}

	if err := s.finalize(ctx, a, outcomes, bundleErrs); err != nil {
		log.Error("finalize bundle failed", zap.Error(err))
		return err
	}
	s.removeBlob(ctx, job.BlobKey)

	s.metrics.BundleDuration(s.now().Sub(start))
	log.Info("bundle ingested",
		zap.String("status", string(a.Status)),
		zap.Int("members", len(a.Manifest)),
		zap.Int("errors", len(a.Errors)),
		zap.Duration("took", s.now().Sub(start)),
	)
	return nil
}

// processMembers runs every entry through parse, assemble and insert on a
// bounded pool. Outcomes are indexed by sequence number.
func (s *ingestService) processMembers(ctx context.Context, a *models.Artifact, entries []archive.Entry) []memberOutcome {
	outcomes := make([]memberOutcome, len(entries))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, e := range entries {
		outcomes[i].fileName = e.Name
		if err := ctx.Err(); err != nil {
			outcomes[i].err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].err = err
				return nil
			}
			d, err := s.processMember(ctx, a, e)
			outcomes[i].descriptor, outcomes[i].err = d, err
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *ingestService) processMember(ctx context.Context, a *models.Artifact, e archive.Entry) (*models.MemberDescriptor, error) {
	rc, err := e.Open()
	if err != nil {
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		return nil, err
	}
	g, err := plotviz.Parse(rc, plotviz.WithMaxPoints(s.opts.MaxPoints))
	_ = rc.Close()
	if err != nil {
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		return nil, err
	}

	res := assembler.Assemble(g, assembler.MemberMeta{
		ID:               e.Sequence,
		Name:             memberName(e.Name, e.Sequence),
		Description:      a.Description,
		UploaderID:       a.UploaderID,
		CreatedAt:        s.now(),
		ArtifactID:       a.ID,
		SequenceNumber:   e.Sequence,
		OriginalFileName: e.Name,
	})
	s.metrics.Discarded(res.Stats.PrunedClusters, res.Stats.DroppedPoints, res.Stats.DroppedEdges)

	err = s.members.Insert(ctx, res.Member)
	if appErr.IsCode(err, appErr.CodeAlreadyExists) {
		return s.reuseMember(ctx, res.Member)
	}
	if err != nil {
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		return nil, storeWriteErr(err, "insert member failed")
	}
	s.metrics.MemberProcessed("ok")
	return &res.Descriptor, nil
}

// reuseMember accepts a member written by an earlier attempt of the same job.
// The stored copy must come from the same archive entry; its descriptor is
// returned so the manifest matches what readers will load.
func (s *ingestService) reuseMember(ctx context.Context, m *models.Member) (*models.MemberDescriptor, error) {
	stored, err := s.members.Get(ctx, m.ArtifactID, m.ID)
	if err != nil {
		s.metrics.MemberProcessed(string(appErr.CodeOf(err)))
		return nil, storeWriteErr(err, "read existing member failed")
	}
	if stored.OriginalFileName != m.OriginalFileName || stored.SequenceNumber != m.SequenceNumber {
		s.metrics.MemberProcessed(string(appErr.CodeConflict))
		return nil, appErr.Newf(appErr.CodeConflict, "member %d/%d holds %q, not %q",
			m.ArtifactID, m.ID, stored.OriginalFileName, m.OriginalFileName)
	}
	s.metrics.MemberProcessed("ok")
	d := stored.Descriptor()
	return &d, nil
}

// finalize replaces the artifact once with its manifest and terminal status.
// It runs on a fresh context so a canceled or timed out bundle still ends in
// a terminal status.
func (s *ingestService) finalize(ctx context.Context, a *models.Artifact, outcomes []memberOutcome, bundleErrs []models.MemberError) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	manifest := make([]models.MemberDescriptor, 0, len(outcomes))
	memberErrs := append([]models.MemberError(nil), bundleErrs...)
	for i, o := range outcomes {
		if o.err != nil {
			memberErrs = append(memberErrs, models.MemberError{
				SequenceNumber: i,
				FileName:       o.fileName,
				Kind:           string(appErr.CodeOf(o.err)),
				Message:        o.err.Error(),
			})
			continue
		}
		manifest = append(manifest, *o.descriptor)
	}
	slices.SortFunc(manifest, func(x, y models.MemberDescriptor) int {
		return x.SequenceNumber - y.SequenceNumber
	})

	status := terminalStatus(s.opts.Policy, len(manifest), len(memberErrs))

	// Only the ingest outcome is written; edits made meanwhile stay.
	updated, err := mutateArtifact(fctx, s.artifacts, a.ID, func(cur *models.Artifact) {
		cur.Manifest = manifest
		cur.Errors = memberErrs
		cur.Status = status
	})
	if appErr.IsCode(err, appErr.CodeNotFound) {
		n, derr := s.members.DeleteByArtifact(fctx, a.ID)
		logger.L().Warn("artifact deleted during processing, dropped members",
			zap.Int64("artifact_id", a.ID), zap.Int64("members", n), zap.Error(derr))
		a.Manifest, a.Errors = nil, memberErrs
		return nil
	}
	if err != nil {
		return storeWriteErr(err, "replace artifact failed")
	}
	*a = *updated
	s.metrics.ArtifactCompleted("bundle", string(a.Status))
	return nil
}

func terminalStatus(policy StatusPolicy, ok, failed int) models.Status {
	switch {
	case policy == PolicyLegacy, failed == 0:
		return models.StatusActive
	case ok > 0:
		return models.StatusPartial
	default:
		return models.StatusFailed
	}
}

func (s *ingestService) removeBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.L().Warn("remove staged bundle failed", zap.String("blob_key", key), zap.Error(err))
	}
}

func bundleError(err error) models.MemberError {
	return models.MemberError{
		SequenceNumber: models.BundleSequence,
		Kind:           string(appErr.CodeOf(err)),
		Message:        err.Error(),
	}
}

// storeWriteErr keeps conflict and not-found codes and tags everything else
// as a store write failure.
func storeWriteErr(err error, msg string) error {
	switch appErr.CodeOf(err) {
	case appErr.CodeStoreWrite, appErr.CodeAlreadyExists, appErr.CodeNotFound:
		return err
	}
	return appErr.Wrap(err, appErr.CodeStoreWrite, msg)
}
