package storage

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
)

const defaultSearchLimit = 10

// CreateAssistant inserts a new assistant with version 1. With
// if_exists=do_nothing an existing assistant is returned unmodified; the
// default raises ErrConflict.
func (s *Store) CreateAssistant(_ context.Context, req model.AssistantCreateRequest) (*model.Assistant, error) {
	s.aMu.Lock()
	defer s.aMu.Unlock()

	id := uuid.New()
	if req.AssistantID != nil {
		id = *req.AssistantID
	}
	if existing, ok := s.doc.Assistants[id]; ok {
		if req.IfExists == model.IfExistsDoNothing {
			return cloneAssistant(existing), nil
		}
		return nil, fmt.Errorf("assistant %s: %w", id, ErrConflict)
	}

	name := req.Name
	if name == "" {
		name = req.GraphID
	}
	now := time.Now().UTC()
	a := &model.Assistant{
		AssistantID: id,
		GraphID:     req.GraphID,
		Version:     1,
		Config:      req.Config.Clone(),
		Metadata:    cloneMap(req.Metadata),
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	s.doc.Assistants[id] = a
	s.doc.AssistantVersions[id] = []model.AssistantVersion{assistantSnapshot(a, now)}
	s.markDirty()
	return cloneAssistant(a), nil
}

// GetAssistant returns the assistant or ErrNotFound.
func (s *Store) GetAssistant(_ context.Context, id uuid.UUID) (*model.Assistant, error) {
	s.aMu.RLock()
	defer s.aMu.RUnlock()
	a, ok := s.doc.Assistants[id]
	if !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	return cloneAssistant(a), nil
}

// SearchAssistants returns assistants newest first, filtered by graph id
// and metadata containment.
func (s *Store) SearchAssistants(_ context.Context, req model.AssistantSearchRequest) ([]model.Assistant, error) {
	s.aMu.RLock()
	defer s.aMu.RUnlock()

	var matched []*model.Assistant
	for _, a := range s.doc.Assistants {
		if req.GraphID != "" && a.GraphID != req.GraphID {
			continue
		}
		if !containsSubset(a.Metadata, req.Metadata) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].AssistantID.String() < matched[j].AssistantID.String()
	})
	return page(matched, req.Limit, req.Offset, cloneAssistantValue), nil
}

// PatchAssistant applies a partial update and records it as a new version.
func (s *Store) PatchAssistant(_ context.Context, id uuid.UUID, req model.AssistantPatchRequest) (*model.Assistant, error) {
	s.aMu.Lock()
	defer s.aMu.Unlock()

	a, ok := s.doc.Assistants[id]
	if !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	if req.GraphID != nil {
		a.GraphID = *req.GraphID
	}
	if req.Config != nil {
		a.Config = req.Config.Clone()
	}
	if req.Metadata != nil {
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		for k, v := range req.Metadata {
			a.Metadata[k] = v
		}
	}
	if req.Name != nil {
		a.Name = *req.Name
	}

	versions := s.doc.AssistantVersions[id]
	maxVersion := 0
	for _, v := range versions {
		if v.Version > maxVersion {
			maxVersion = v.Version
		}
	}
	now := time.Now().UTC()
	a.Version = maxVersion + 1
	a.UpdatedAt = now
	s.doc.AssistantVersions[id] = append(versions, assistantSnapshot(a, now))
	s.markDirty()
	return cloneAssistant(a), nil
}

// DeleteAssistant removes the assistant, its versions, and every run that
// references it.
func (s *Store) DeleteAssistant(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	s.aMu.Lock()
	defer s.aMu.Unlock()

	if _, ok := s.doc.Assistants[id]; !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	delete(s.doc.Assistants, id)
	delete(s.doc.AssistantVersions, id)

	s.rMu.Lock()
	var removed []uuid.UUID
	for runID, run := range s.doc.Runs {
		if run.AssistantID == id {
			delete(s.doc.Runs, runID)
			delete(s.doc.Attempts, runID)
			removed = append(removed, runID)
		}
	}
	s.rMu.Unlock()

	s.markDirty()
	return removed, nil
}

// SetLatestVersion copies a named version into the live assistant record.
func (s *Store) SetLatestVersion(_ context.Context, id uuid.UUID, version int) (*model.Assistant, error) {
	s.aMu.Lock()
	defer s.aMu.Unlock()

	a, ok := s.doc.Assistants[id]
	if !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	for _, v := range s.doc.AssistantVersions[id] {
		if v.Version == version {
			a.GraphID = v.GraphID
			a.Config = v.Config.Clone()
			a.Metadata = cloneMap(v.Metadata)
			a.Name = v.Name
			a.Version = v.Version
			a.UpdatedAt = time.Now().UTC()
			s.markDirty()
			return cloneAssistant(a), nil
		}
	}
	return nil, fmt.Errorf("assistant %s version %d: %w", id, version, ErrNotFound)
}

// GetAssistantVersions returns version snapshots, newest first.
func (s *Store) GetAssistantVersions(_ context.Context, id uuid.UUID) ([]model.AssistantVersion, error) {
	s.aMu.RLock()
	defer s.aMu.RUnlock()

	if _, ok := s.doc.Assistants[id]; !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	versions := append([]model.AssistantVersion(nil), s.doc.AssistantVersions[id]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
	for i := range versions {
		versions[i].Config = versions[i].Config.Clone()
		versions[i].Metadata = cloneMap(versions[i].Metadata)
	}
	return versions, nil
}

func assistantSnapshot(a *model.Assistant, at time.Time) model.AssistantVersion {
	return model.AssistantVersion{
		AssistantID: a.AssistantID,
		Version:     a.Version,
		GraphID:     a.GraphID,
		Config:      a.Config.Clone(),
		Metadata:    cloneMap(a.Metadata),
		Name:        a.Name,
		CreatedAt:   at,
	}
}

func cloneAssistant(a *model.Assistant) *model.Assistant {
	c := *a
	c.Config = a.Config.Clone()
	c.Metadata = cloneMap(a.Metadata)
	return &c
}

func cloneAssistantValue(a *model.Assistant) model.Assistant {
	return *cloneAssistant(a)
}

// page applies limit/offset and converts pointers to values.
func page[T any, P any](items []P, limit, offset int, conv func(P) T) []T {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, 0, end-offset)
	for _, it := range items[offset:end] {
		out = append(out, conv(it))
	}
	return out
}

// containsSubset reports whether super contains every key of sub with a
// deeply equal value. Nested maps match recursively.
func containsSubset(super, sub map[string]any) bool {
	for k, want := range sub {
		got, ok := super[k]
		if !ok {
			return false
		}
		wantMap, wOK := want.(map[string]any)
		gotMap, gOK := got.(map[string]any)
		if wOK && gOK {
			if !containsSubset(gotMap, wantMap) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
