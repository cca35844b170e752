package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"eidos/api/internal/changes"
	"eidos/api/internal/mergerequest"
	"eidos/api/internal/permission"
	"eidos/api/internal/util"
)

type entityKey struct {
	resourceID string
	entityType string
	entityID   string
}

type memResourceGrant struct {
	resourceID string
}

type memGroupGrant struct {
	memResourceGrant
	grant permission.GroupGrant
}

type memDirectGrant struct {
	memResourceGrant
	grant permission.DirectGrant
}

type memShareGrant struct {
	memResourceGrant
	grant permission.ShareLinkGrant
}

type memState struct {
	resources     map[string]permission.Resource
	members       map[string]map[string]bool
	groupGrants   map[string]memGroupGrant
	directGrants  map[string]memDirectGrant
	shareLinks    map[string]ShareLink
	shareGrants   map[string]memShareGrant
	entities      map[entityKey]changes.Snapshot
	mergeRequests map[string]mergerequest.MergeRequest
	audit         []AuditEvent
}

func newMemState() *memState {
	return &memState{
		resources:     map[string]permission.Resource{},
		members:       map[string]map[string]bool{},
		groupGrants:   map[string]memGroupGrant{},
		directGrants:  map[string]memDirectGrant{},
		shareLinks:    map[string]ShareLink{},
		shareGrants:   map[string]memShareGrant{},
		entities:      map[entityKey]changes.Snapshot{},
		mergeRequests: map[string]mergerequest.MergeRequest{},
	}
}

// clone copies everything a transaction may write.
func (m *memState) clone() *memState {
	out := newMemState()
	for k, v := range m.resources {
		out.resources[k] = v
	}
	for k, v := range m.members {
		set := make(map[string]bool, len(v))
		for subject := range v {
			set[subject] = true
		}
		out.members[k] = set
	}
	for k, v := range m.groupGrants {
		out.groupGrants[k] = v
	}
	for k, v := range m.directGrants {
		out.directGrants[k] = v
	}
	for k, v := range m.shareLinks {
		out.shareLinks[k] = v
	}
	for k, v := range m.shareGrants {
		out.shareGrants[k] = v
	}
	for k, v := range m.entities {
		out.entities[k] = v.Clone()
	}
	for k, v := range m.mergeRequests {
		out.mergeRequests[k] = copyMergeRequest(v)
	}
	out.audit = append([]AuditEvent(nil), m.audit...)
	return out
}

// MemoryStore is an in-process implementation of the store contract.
// Transactions are serialized and run against a private copy that replaces
// the shared state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState

	// FailApply, when set, is consulted before each change is applied and
	// its error aborts the transaction.
	FailApply func(entry changes.ChangeEntry) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memTx{state: working, failApply: s.FailApply}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.state = working
	return nil
}

func (s *MemoryStore) InsertResource(_ context.Context, resource permission.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.resources[resource.ID]; ok {
		return fmt.Errorf("insert resource: %w", ErrDuplicate)
	}
	if resource.Visibility == "" {
		resource.Visibility = permission.VisibilityPrivate
	}
	s.state.resources[resource.ID] = resource
	return nil
}

func (s *MemoryStore) GetResource(_ context.Context, id string) (permission.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resource, ok := s.state.resources[id]
	if !ok {
		return permission.Resource{}, fmt.Errorf("get resource %s: %w", id, ErrNotFound)
	}
	return resource, nil
}

func (s *MemoryStore) AddGroupMember(_ context.Context, groupID, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.members[groupID] == nil {
		s.state.members[groupID] = map[string]bool{}
	}
	s.state.members[groupID][subjectID] = true
	return nil
}

// PutEntity seeds live entity state outside any merge request.
func (s *MemoryStore) PutEntity(resourceID, entityType, entityID string, state changes.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.entities[entityKey{resourceID, entityType, entityID}] = state.Clone()
}

// RemoveEntity deletes live entity state outside any merge request.
func (s *MemoryStore) RemoveEntity(resourceID, entityType, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.entities, entityKey{resourceID, entityType, entityID})
}

// SetResourceVersion advances a resource as an out-of-band edit would.
func (s *MemoryStore) SetResourceVersion(resourceID string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource := s.state.resources[resourceID]
	resource.CurrentVersion = version
	s.state.resources[resourceID] = resource
}

func (s *MemoryStore) LoadGrants(_ context.Context, subjectID, resourceID string) (permission.Grants, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := permission.Grants{MemberOf: map[string]bool{}}
	for _, id := range sortedKeys(s.state.groupGrants) {
		g := s.state.groupGrants[id]
		if g.resourceID != resourceID {
			continue
		}
		grants.Groups = append(grants.Groups, g.grant)
		if s.state.members[g.grant.GroupID][subjectID] {
			grants.MemberOf[g.grant.GroupID] = true
		}
	}
	for _, id := range sortedKeys(s.state.directGrants) {
		g := s.state.directGrants[id]
		if g.resourceID == resourceID && g.grant.SubjectID == subjectID {
			grants.Direct = append(grants.Direct, g.grant)
		}
	}
	for _, id := range sortedKeys(s.state.shareGrants) {
		g := s.state.shareGrants[id]
		if g.resourceID != resourceID || g.grant.SubjectID != subjectID {
			continue
		}
		grant := g.grant
		grant.Active = grant.Active && s.state.shareLinks[grant.ShareLinkID].Active
		grants.ShareLinks = append(grants.ShareLinks, grant)
	}
	return grants, nil
}

func (s *MemoryStore) InsertDirectGrant(_ context.Context, resourceID string, grant permission.DirectGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.resources[resourceID]; !ok {
		return fmt.Errorf("insert direct grant: %w", ErrNotFound)
	}
	for _, existing := range s.state.directGrants {
		if existing.resourceID == resourceID && existing.grant.SubjectID == grant.SubjectID {
			return fmt.Errorf("insert direct grant: %w", ErrDuplicate)
		}
	}
	s.state.directGrants[grant.ID] = memDirectGrant{memResourceGrant{resourceID}, grant}
	return nil
}

func (s *MemoryStore) InsertGroupGrant(_ context.Context, resourceID string, grant permission.GroupGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.resources[resourceID]; !ok {
		return fmt.Errorf("insert group grant: %w", ErrNotFound)
	}
	for _, existing := range s.state.groupGrants {
		if existing.resourceID == resourceID && existing.grant.GroupID == grant.GroupID {
			return fmt.Errorf("insert group grant: %w", ErrDuplicate)
		}
	}
	s.state.groupGrants[grant.ID] = memGroupGrant{memResourceGrant{resourceID}, grant}
	return nil
}

func (s *MemoryStore) DeleteGrant(_ context.Context, resourceID, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.state.directGrants[grantID]; ok && g.resourceID == resourceID {
		delete(s.state.directGrants, grantID)
		return nil
	}
	if g, ok := s.state.groupGrants[grantID]; ok && g.resourceID == resourceID {
		delete(s.state.groupGrants, grantID)
		return nil
	}
	return fmt.Errorf("delete grant %s: %w", grantID, ErrNotFound)
}

func (s *MemoryStore) InsertShareLink(_ context.Context, link ShareLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.resources[link.ResourceID]; !ok {
		return fmt.Errorf("insert share link: %w", ErrNotFound)
	}
	for _, existing := range s.state.shareLinks {
		if existing.TokenHash == link.TokenHash {
			return fmt.Errorf("insert share link: %w", ErrDuplicate)
		}
	}
	s.state.shareLinks[link.ID] = link
	return nil
}

func (s *MemoryStore) GetShareLinkByTokenHash(_ context.Context, tokenHash string) (ShareLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, link := range s.state.shareLinks {
		if link.TokenHash == tokenHash {
			return link, nil
		}
	}
	return ShareLink{}, fmt.Errorf("get share link: %w", ErrNotFound)
}

func (s *MemoryStore) InsertShareLinkGrant(_ context.Context, resourceID string, grant permission.ShareLinkGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.shareGrants {
		if existing.resourceID == resourceID && existing.grant.SubjectID == grant.SubjectID && existing.grant.ShareLinkID == grant.ShareLinkID {
			return fmt.Errorf("insert share link grant: %w", ErrDuplicate)
		}
	}
	s.state.shareGrants[grant.ID] = memShareGrant{memResourceGrant{resourceID}, grant}
	return nil
}

func (s *MemoryStore) DeactivateShareLink(_ context.Context, resourceID, linkID string) (ShareLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.state.shareLinks[linkID]
	if !ok || link.ResourceID != resourceID {
		return ShareLink{}, fmt.Errorf("get share link: %w", ErrNotFound)
	}
	link.Active = false
	s.state.shareLinks[linkID] = link
	for id, g := range s.state.shareGrants {
		if g.grant.ShareLinkID == linkID {
			g.grant.Active = false
			s.state.shareGrants[id] = g
		}
	}
	return link, nil
}

func (s *MemoryStore) GetMergeRequest(_ context.Context, id string) (mergerequest.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mr, ok := s.state.mergeRequests[id]
	if !ok {
		return mergerequest.MergeRequest{}, fmt.Errorf("get merge request %s: %w", id, ErrNotFound)
	}
	return copyMergeRequest(mr), nil
}

func (s *MemoryStore) ListMergeRequests(_ context.Context, resourceID string, status mergerequest.Status) ([]mergerequest.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status == "" {
		return s.state.list(resourceID, nil), nil
	}
	return s.state.list(resourceID, []mergerequest.Status{status}), nil
}

func (s *MemoryStore) GetCurrentState(_ context.Context, resourceID, entityType, entityID string) (changes.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.state.entities[entityKey{resourceID, entityType, entityID}]
	return state.Clone(), ok, nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, resourceID string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]AuditEvent, 0)
	for _, event := range s.state.audit {
		if event.ResourceID == resourceID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (m *memState) list(resourceID string, statuses []mergerequest.Status) []mergerequest.MergeRequest {
	wanted := make(map[mergerequest.Status]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	items := make([]mergerequest.MergeRequest, 0)
	for _, mr := range m.mergeRequests {
		if mr.ResourceID != resourceID {
			continue
		}
		if len(wanted) > 0 && !wanted[mr.Status] {
			continue
		}
		items = append(items, copyMergeRequest(mr))
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

type memTx struct {
	state     *memState
	failApply func(changes.ChangeEntry) error
}

func (t *memTx) LockMergeRequest(_ context.Context, id string) (mergerequest.MergeRequest, error) {
	mr, ok := t.state.mergeRequests[id]
	if !ok {
		return mergerequest.MergeRequest{}, fmt.Errorf("get merge request %s: %w", id, ErrNotFound)
	}
	return copyMergeRequest(mr), nil
}

func (t *memTx) InsertMergeRequest(_ context.Context, mr mergerequest.MergeRequest) error {
	if _, ok := t.state.mergeRequests[mr.ID]; ok {
		return fmt.Errorf("insert merge request: %w", ErrDuplicate)
	}
	if _, ok := t.state.resources[mr.ResourceID]; !ok {
		return fmt.Errorf("insert merge request: resource %s: %w", mr.ResourceID, ErrNotFound)
	}
	t.state.mergeRequests[mr.ID] = copyMergeRequest(mr)
	return nil
}

func (t *memTx) SaveMergeRequest(_ context.Context, mr mergerequest.MergeRequest) error {
	if _, ok := t.state.mergeRequests[mr.ID]; !ok {
		return fmt.Errorf("update merge request %s: %w", mr.ID, ErrNotFound)
	}
	t.state.mergeRequests[mr.ID] = copyMergeRequest(mr)
	return nil
}

func (t *memTx) LockResource(_ context.Context, id string) (permission.Resource, error) {
	resource, ok := t.state.resources[id]
	if !ok {
		return permission.Resource{}, fmt.Errorf("get resource %s: %w", id, ErrNotFound)
	}
	return resource, nil
}

func (t *memTx) GetResource(ctx context.Context, id string) (permission.Resource, error) {
	return t.LockResource(ctx, id)
}

func (t *memTx) BumpResourceVersion(_ context.Context, id string) (int64, error) {
	resource, ok := t.state.resources[id]
	if !ok {
		return 0, fmt.Errorf("bump resource version: %w", ErrNotFound)
	}
	resource.CurrentVersion++
	t.state.resources[id] = resource
	return resource.CurrentVersion, nil
}

func (t *memTx) GetCurrentState(_ context.Context, resourceID, entityType, entityID string) (changes.Snapshot, bool, error) {
	state, ok := t.state.entities[entityKey{resourceID, entityType, entityID}]
	return state.Clone(), ok, nil
}

func (t *memTx) FindByName(_ context.Context, resourceID, entityType, name string) (string, bool, error) {
	var matches []string
	for key, state := range t.state.entities {
		if key.resourceID != resourceID || key.entityType != entityType {
			continue
		}
		if n, ok := state.Name(); ok && n == name {
			matches = append(matches, key.entityID)
		}
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)
	return matches[0], true, nil
}

func (t *memTx) ApplyChange(_ context.Context, resourceID string, entry changes.ChangeEntry) (AppliedChange, error) {
	applied := AppliedChange{
		SequenceNumber: entry.SequenceNumber,
		ChangeType:     entry.ChangeType,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
	}
	if t.failApply != nil {
		if err := t.failApply(entry); err != nil {
			return applied, err
		}
	}

	switch entry.ChangeType {
	case changes.ChangeCreate:
		if applied.EntityID == "" {
			applied.EntityID = util.NewID(entry.EntityType)
		}
		key := entityKey{resourceID, entry.EntityType, applied.EntityID}
		if _, exists := t.state.entities[key]; exists {
			return applied, fmt.Errorf("insert entity: %w", ErrDuplicate)
		}
		state, err := changes.ApplyTo(nil, entry)
		if err != nil {
			return applied, err
		}
		t.state.entities[key] = state
		applied.State = state.Clone()
	case changes.ChangeUpdate:
		key := entityKey{resourceID, entry.EntityType, entry.EntityID}
		live, ok := t.state.entities[key]
		if !ok {
			return applied, fmt.Errorf("update %s %s: %w", entry.EntityType, entry.EntityID, ErrNotFound)
		}
		state, err := changes.ApplyTo(live, entry)
		if err != nil {
			return applied, err
		}
		t.state.entities[key] = state
		applied.State = state.Clone()
	case changes.ChangeDelete:
		key := entityKey{resourceID, entry.EntityType, entry.EntityID}
		if _, ok := t.state.entities[key]; !ok {
			return applied, fmt.Errorf("delete %s %s: %w", entry.EntityType, entry.EntityID, ErrNotFound)
		}
		delete(t.state.entities, key)
	default:
		return applied, fmt.Errorf("%w: unknown change type %q", changes.ErrInvalidMutation, entry.ChangeType)
	}
	return applied, nil
}

func (t *memTx) ListMergeRequestsByStatus(_ context.Context, resourceID string, statuses ...mergerequest.Status) ([]mergerequest.MergeRequest, error) {
	return t.state.list(resourceID, statuses), nil
}

func (t *memTx) InsertAuditEvent(_ context.Context, event AuditEvent) error {
	t.state.audit = append(t.state.audit, event)
	return nil
}

func copyMergeRequest(mr mergerequest.MergeRequest) mergerequest.MergeRequest {
	mr.Changes = append([]changes.ChangeEntry(nil), mr.Changes...)
	if mr.CurrentVersion != nil {
		version := *mr.CurrentVersion
		mr.CurrentVersion = &version
	}
	return mr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
