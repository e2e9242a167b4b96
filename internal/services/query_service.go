package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	appErr "github.com/plotviz/engine/pkg/errors"
)

// Query service interface and view models
type QueryService interface {
	// ListArtifacts returns every artifact, or those of one group when group
	// is non-nil, newest first.
	ListArtifacts(ctx context.Context, group *string) ([]ArtifactSummary, error)
	GetArtifact(ctx context.Context, artifactID int64) (*models.Artifact, error)
	GetMember(ctx context.Context, artifactID int64, memberID int) (*MemberView, error)
	GetFirstMember(ctx context.Context, artifactID int64) (*MemberView, error)
	ListMembers(ctx context.Context, artifactID int64) ([]MemberView, error)
	GetClusters(ctx context.Context, artifactID int64, memberID int) ([]ClusterView, error)
	GetRawDocument(ctx context.Context, artifactID int64, memberID int) ([]byte, error)
	GetArtifactDocument(ctx context.Context, artifactID int64) ([]byte, error)
}

// Type strings reported by ListArtifacts.
const (
	TypeStringSeries   = "T"
	TypeStringSnapshot = "S"
)

type ArtifactSummary struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	UploaderID  int64                `json:"uploaderId"`
	CreatedAt   time.Time            `json:"createdAt"`
	Status      models.Status        `json:"status"`
	Group       string               `json:"group"`
	Type        string               `json:"type"`
	TypeString  string               `json:"typeString"`
	MemberCount int                  `json:"memberCount"`
	Errors      []models.MemberError `json:"errors,omitempty"`
}

type MemberView struct {
	ID               int       `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	UploaderID       int64     `json:"uploaderId"`
	CreatedAt        time.Time `json:"createdAt"`
	ArtifactID       int64     `json:"artifactId"`
	SequenceNumber   int       `json:"sequenceNumber"`
	OriginalFileName string    `json:"originalFileName"`
}

type ClusterView struct {
	Key        int          `json:"key"`
	Label      string       `json:"label"`
	Shape      string       `json:"shape"`
	Visible    int          `json:"visible"`
	Size       int          `json:"size"`
	Color      models.Color `json:"color"`
	MemberID   int          `json:"memberId"`
	PointCount int          `json:"pointCount"`
}

type queryService struct {
	artifacts    repository.ArtifactRepository
	members      repository.MemberRepository
	defaultGroup string
}

func NewQueryService(artifacts repository.ArtifactRepository, members repository.MemberRepository, defaultGroup string) QueryService {
	return &queryService{artifacts: artifacts, members: members, defaultGroup: defaultGroup}
}

var _ QueryService = (*queryService)(nil)

func (s *queryService) ListArtifacts(ctx context.Context, group *string) ([]ArtifactSummary, error) {
	var f repository.ArtifactFilter
	if group != nil {
		g := *group
		if g == "" || g == s.defaultGroup {
			f.Groups = []string{s.defaultGroup, ""}
		} else {
			f.Groups = []string{g}
		}
	}
	as, err := s.artifacts.List(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]ArtifactSummary, 0, len(as))
	for _, a := range as {
		created, err := models.ParseTimestamp(a.CreatedAt)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "parse artifact timestamp").WithMeta("artifact_id", a.ID)
		}
		sum := ArtifactSummary{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			UploaderID:  a.UploaderID,
			CreatedAt:   created,
			Status:      a.Status,
			Group:       a.Group,
			Type:        a.Type,
			TypeString:  TypeStringSnapshot,
			MemberCount: len(a.Manifest),
			Errors:      a.Errors,
		}
		if sum.Group == "" {
			sum.Group = s.defaultGroup
		}
		if len(a.Manifest) > 1 {
			sum.TypeString = TypeStringSeries
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *queryService) GetArtifact(ctx context.Context, artifactID int64) (*models.Artifact, error) {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Group == "" {
		a.Group = s.defaultGroup
	}
	return a, nil
}

func (s *queryService) GetMember(ctx context.Context, artifactID int64, memberID int) (*MemberView, error) {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	for _, d := range a.Manifest {
		if d.ID == memberID {
			return memberView(d)
		}
	}
	return nil, appErr.Newf(appErr.CodeNotFound, "member %d of artifact %d not found", memberID, artifactID)
}

func (s *queryService) GetFirstMember(ctx context.Context, artifactID int64) (*MemberView, error) {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if len(a.Manifest) == 0 {
		return nil, appErr.Newf(appErr.CodeNotFound, "artifact %d has no members", artifactID)
	}
	return memberView(a.Manifest[0])
}

func (s *queryService) ListMembers(ctx context.Context, artifactID int64) ([]MemberView, error) {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	out := make([]MemberView, 0, len(a.Manifest))
	for _, d := range a.Manifest {
		v, err := memberView(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *queryService) GetClusters(ctx context.Context, artifactID int64, memberID int) ([]ClusterView, error) {
	m, err := s.members.Get(ctx, artifactID, memberID)
	if err != nil {
		return nil, err
	}
	out := make([]ClusterView, 0, len(m.Clusters))
	for _, c := range m.Clusters {
		out = append(out, ClusterView{
			Key:        c.Key,
			Label:      c.Label,
			Shape:      c.Shape,
			Visible:    c.Visible,
			Size:       c.Size,
			Color:      c.Color,
			MemberID:   m.ID,
			PointCount: len(c.Points),
		})
	}
	return out, nil
}

func (s *queryService) GetRawDocument(ctx context.Context, artifactID int64, memberID int) ([]byte, error) {
	return s.members.GetRaw(ctx, artifactID, memberID)
}

func (s *queryService) GetArtifactDocument(ctx context.Context, artifactID int64) ([]byte, error) {
	a, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode artifact failed")
	}
	return b, nil
}

func memberView(d models.MemberDescriptor) (*MemberView, error) {
	created, err := models.ParseTimestamp(d.CreatedAt)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "parse member timestamp").WithMeta("member_id", d.ID)
	}
	return &MemberView{
		ID:               d.ID,
		Name:             d.Name,
		Description:      d.Description,
		UploaderID:       d.UploaderID,
		CreatedAt:        created,
		ArtifactID:       d.ArtifactID,
		SequenceNumber:   d.SequenceNumber,
		OriginalFileName: d.OriginalFileName,
	}, nil
}
