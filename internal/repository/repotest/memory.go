package repotest

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	apperrors "github.com/plotviz/engine/pkg/errors"
)

type memberKey struct {
	artifactID int64
	memberID   int
}

// Memory is an in-process store satisfying both repository contracts.
// Documents are kept JSON encoded so callers never share values with it.
type Memory struct {
	mu        sync.Mutex
	artifacts map[int64][]byte
	members   map[memberKey][]byte

	// FailMemberInsert, when set, is consulted before every member insert.
	FailMemberInsert func(m *models.Member) error
}

func NewMemory() *Memory {
	return &Memory{artifacts: map[int64][]byte{}, members: map[memberKey][]byte{}}
}

func (s *Memory) Artifacts() repository.ArtifactRepository { return memArtifacts{s} }
func (s *Memory) Members() repository.MemberRepository { return memMembers{s} }

// MemberCount returns the number of stored members of an artifact.
func (s *Memory) MemberCount(artifactID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.members {
		if k.artifactID == artifactID {
			n++
		}
	}
	return n
}

type memArtifacts struct{ s *Memory }

func (r memArtifacts) Insert(ctx context.Context, a *models.Artifact) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.artifacts[a.ID]; ok {
		return apperrors.Newf(apperrors.CodeAlreadyExists, "artifact %d exists", a.ID)
	}
	r.s.artifacts[a.ID] = b
	return nil
}

func (r memArtifacts) Replace(ctx context.Context, a *models.Artifact) error {
	next := *a
	next.Version = a.Version + 1
	b, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.artifacts[a.ID]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "artifact %d not found", a.ID)
	}
	var stored struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(old, &stored); err != nil {
		return err
	}
	if stored.Version != a.Version {
		return apperrors.Newf(apperrors.CodeConflict, "artifact %d changed since version %d", a.ID, a.Version)
	}
	r.s.artifacts[a.ID] = b
	a.Version = next.Version
	return nil
}

func (r memArtifacts) Get(ctx context.Context, id int64) (*models.Artifact, error) {
	r.s.mu.Lock()
	b, ok := r.s.artifacts[id]
	r.s.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "artifact not found")
	}
	var a models.Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r memArtifacts) List(ctx context.Context, f repository.ArtifactFilter) ([]models.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.Artifact{}
	for _, b := range r.s.artifacts {
		var a models.Artifact
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, err
		}
		if f.Groups != nil && !slices.Contains(f.Groups, a.Group) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y models.Artifact) int {
		if x.CreatedAt != y.CreatedAt {
			if x.CreatedAt > y.CreatedAt {
				return -1
			}
			return 1
		}
		switch {
		case x.ID > y.ID:
			return -1
		case x.ID < y.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r memArtifacts) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.artifacts[id]; !ok {
		return apperrors.New(apperrors.CodeNotFound, "artifact not found")
	}
	delete(r.s.artifacts, id)
	return nil
}

func (r memArtifacts) Exists(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.artifacts[id]
	return ok, nil
}

type memMembers struct{ s *Memory }

func (r memMembers) Insert(ctx context.Context, m *models.Member) error {
	if r.s.FailMemberInsert != nil {
		if err := r.s.FailMemberInsert(m); err != nil {
			return err
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	k := memberKey{m.ArtifactID, m.ID}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.members[k]; ok {
		return apperrors.Newf(apperrors.CodeAlreadyExists, "member %d/%d exists", m.ArtifactID, m.ID)
	}
	r.s.members[k] = b
	return nil
}

func (r memMembers) GetRaw(ctx context.Context, artifactID int64, memberID int) ([]byte, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.members[memberKey{artifactID, memberID}]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "member not found")
	}
	return slices.Clone(b), nil
}

func (r memMembers) Get(ctx context.Context, artifactID int64, memberID int) (*models.Member, error) {
	b, err := r.GetRaw(ctx, artifactID, memberID)
	if err != nil {
		return nil, err
	}
	var m models.Member
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r memMembers) DeleteOne(ctx context.Context, artifactID int64, memberID int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := memberKey{artifactID, memberID}
	if _, ok := r.s.members[k]; !ok {
		return apperrors.New(apperrors.CodeNotFound, "member not found")
	}
	delete(r.s.members, k)
	return nil
}

func (r memMembers) DeleteByArtifact(ctx context.Context, artifactID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k := range r.s.members {
		if k.artifactID == artifactID {
			delete(r.s.members, k)
			n++
		}
	}
	return n, nil
}
