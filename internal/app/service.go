package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"eidos/api/internal/archive"
	"eidos/api/internal/auth"
	"eidos/api/internal/changes"
	"eidos/api/internal/config"
	"eidos/api/internal/conflict"
	"eidos/api/internal/export"
	"eidos/api/internal/journal"
	"eidos/api/internal/mergerequest"
	"eidos/api/internal/notify"
	"eidos/api/internal/permcache"
	"eidos/api/internal/permission"
	"eidos/api/internal/search"
	"eidos/api/internal/store"
	"eidos/api/internal/util"
)

// Audit actions recorded for lifecycle transitions.
const (
	auditCreated   = "merge_request.created"
	auditSubmitted = "merge_request.submitted"
	auditStale     = "merge_request.stale"
	auditRebased   = "merge_request.rebased"
	auditApproved  = "merge_request.approved"
	auditRejected  = "merge_request.rejected"
	auditCancelled = "merge_request.cancelled"
)

// DataStore is the persistence the service needs outside transactions.
type DataStore interface {
	Ping(context.Context) error
	WithTx(context.Context, func(store.Tx) error) error
	InsertResource(context.Context, permission.Resource) error
	GetResource(context.Context, string) (permission.Resource, error)
	LoadGrants(context.Context, string, string) (permission.Grants, error)
	InsertDirectGrant(context.Context, string, permission.DirectGrant) error
	InsertGroupGrant(context.Context, string, permission.GroupGrant) error
	DeleteGrant(context.Context, string, string) error
	InsertShareLink(context.Context, store.ShareLink) error
	GetShareLinkByTokenHash(context.Context, string) (store.ShareLink, error)
	InsertShareLinkGrant(context.Context, string, permission.ShareLinkGrant) error
	DeactivateShareLink(context.Context, string, string) (store.ShareLink, error)
	GetMergeRequest(context.Context, string) (mergerequest.MergeRequest, error)
	ListMergeRequests(context.Context, string, mergerequest.Status) ([]mergerequest.MergeRequest, error)
	ListAuditEvents(context.Context, string) ([]store.AuditEvent, error)
}

type journalService interface {
	Commit(resourceID string, entry journal.Entry) (journal.CommitInfo, error)
	History(resourceID string, limit int) ([]journal.CommitInfo, error)
}

// Dependencies are the optional collaborators of Service. Nil fields fall
// back to no-op implementations.
type Dependencies struct {
	Cache    permcache.Cache
	Notifier notify.Notifier
	Search   *search.Service
	Journal  journalService
	Exporter *export.Service
	Archive  archive.Store
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

type Service struct {
	cfg        config.Config
	store      DataStore
	cache      permcache.Cache
	dispatcher *notify.Dispatcher
	search     *search.Service
	journal    journalService
	exporter   *export.Service
	archive    archive.Store
	log        logrus.FieldLogger
	now        func() time.Time
}

func New(cfg config.Config, dataStore DataStore, deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache := deps.Cache
	if cache == nil {
		cache = permcache.Nop{}
	}
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, nil, log)
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.NewService()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		cache:      cache,
		dispatcher: notify.NewDispatcher(deps.Notifier, cfg.NotifyTimeout, log),
		search:     searchSvc,
		journal:    deps.Journal,
		exporter:   exporter,
		archive:    deps.Archive,
		log:        log,
		now:        now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until background notifications and index writes finish.
func (s *Service) Wait() {
	s.dispatcher.Wait()
	s.search.Wait()
}

// SubjectFromToken validates a bearer token and returns its subject.
func (s *Service) SubjectFromToken(token string) (auth.Subject, error) {
	return auth.ParseSubject([]byte(s.cfg.JWTSecret), token)
}

// ---- Permission resolution ----

// ResolvePermission returns the level subjectID holds on resourceID, using
// the permission cache when possible.
func (s *Service) ResolvePermission(ctx context.Context, subjectID, resourceID string) (permission.Level, error) {
	resource, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return permission.LevelNone, notFound("resource")
		}
		return permission.LevelNone, err
	}
	return s.resolve(ctx, subjectID, resource)
}

func (s *Service) resolve(ctx context.Context, subjectID string, resource permission.Resource) (permission.Level, error) {
	if subjectID == resource.OwnerID && subjectID != "" {
		return permission.LevelFull, nil
	}

	level, ok, err := s.cache.Get(ctx, subjectID, resource.ID)
	if err != nil {
		s.log.WithError(err).WithField("resource_id", resource.ID).Warn("permission cache read failed")
	} else if ok {
		return level, nil
	}

	grants, err := s.store.LoadGrants(ctx, subjectID, resource.ID)
	if err != nil {
		return permission.LevelNone, fmt.Errorf("load grants: %w", err)
	}
	now := s.now()
	level = permission.Resolve(subjectID, resource, grants, now)

	ttl := permcache.TTLFor(s.cfg.PermissionCacheTTL, now, permission.NextExpiry(subjectID, grants, now))
	if err := s.cache.Set(ctx, subjectID, resource.ID, level, ttl); err != nil {
		s.log.WithError(err).WithField("resource_id", resource.ID).Warn("permission cache write failed")
	}
	return level, nil
}

// authorize loads the resource and checks that subjectID may perform action.
func (s *Service) authorize(ctx context.Context, subjectID, resourceID string, action permission.Action) (permission.Resource, permission.Level, error) {
	resource, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return permission.Resource{}, permission.LevelNone, notFound("resource")
		}
		return permission.Resource{}, permission.LevelNone, err
	}
	level, err := s.resolve(ctx, subjectID, resource)
	if err != nil {
		return permission.Resource{}, permission.LevelNone, err
	}
	if !permission.Can(level, action) {
		return permission.Resource{}, level, forbidden()
	}
	return resource, level, nil
}

func (s *Service) invalidateResource(ctx context.Context, resourceID string) {
	if err := s.cache.InvalidateResource(ctx, resourceID); err != nil {
		s.log.WithError(err).WithField("resource_id", resourceID).Warn("permission cache invalidation failed")
	}
}

// ---- Resources ----

type CreateResourceInput struct {
	ID              string                `json:"id"`
	Visibility      permission.Visibility `json:"visibility"`
	AllowPublicEdit bool                  `json:"allowPublicEdit"`
}

// CreateResource registers a resource owned by subjectID.
func (s *Service) CreateResource(ctx context.Context, subjectID string, input CreateResourceInput) (permission.Resource, error) {
	if subjectID == "" {
		return permission.Resource{}, forbidden()
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = permission.VisibilityPrivate
	}
	if visibility != permission.VisibilityPrivate && visibility != permission.VisibilityPublic {
		return permission.Resource{}, domainError(KindValidationFailed, "INVALID_VISIBILITY", "visibility must be private or public", nil)
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("res")
	}
	resource := permission.Resource{
		ID:              id,
		OwnerID:         subjectID,
		Visibility:      visibility,
		AllowPublicEdit: input.AllowPublicEdit,
	}
	if err := s.store.InsertResource(ctx, resource); err != nil {
		return permission.Resource{}, classify(err)
	}
	return resource, nil
}

type ResourceView struct {
	Resource permission.Resource `json:"resource"`
	Level    permission.Level    `json:"level"`
}

func (s *Service) GetResource(ctx context.Context, subjectID, resourceID string) (ResourceView, error) {
	resource, level, err := s.authorize(ctx, subjectID, resourceID, permission.ActionRead)
	if err != nil {
		return ResourceView{}, err
	}
	return ResourceView{Resource: resource, Level: level}, nil
}

// ---- Merge request lifecycle ----

type CreateMergeRequestInput struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	BaseVersion *int64             `json:"baseVersion"`
	Mutations   []changes.Mutation `json:"mutations"`
	Submit      bool               `json:"submit"`
}

// CreateMergeRequest captures the mutation log into a new merge request. With
// Submit set the request goes straight to Pending (or Stale when the base
// version is already behind).
func (s *Service) CreateMergeRequest(ctx context.Context, subjectID, resourceID string, input CreateMergeRequestInput) (mergerequest.MergeRequest, error) {
	resource, _, err := s.authorize(ctx, subjectID, resourceID, permission.ActionAdd)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}
	entries, err := changes.Capture(input.Mutations)
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}
	base := resource.CurrentVersion
	if input.BaseVersion != nil {
		if *input.BaseVersion < 0 || *input.BaseVersion > resource.CurrentVersion {
			return mergerequest.MergeRequest{}, domainError(KindValidationFailed, "INVALID_BASE_VERSION",
				fmt.Sprintf("baseVersion must be between 0 and %d", resource.CurrentVersion), nil)
		}
		base = *input.BaseVersion
	}

	now := s.now()
	mr, err := mergerequest.New(util.NewID("mr"), resourceID, subjectID, input.Title, input.Description, base, entries, now)
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertMergeRequest(ctx, mr); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, mr, subjectID, auditCreated, ""); err != nil {
			return err
		}
		if !input.Submit {
			return nil
		}
		return s.submitLocked(ctx, tx, &mr, subjectID, now)
	})
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}

	s.afterTransition(mr, notify.EventCreated)
	return mr, nil
}

// SubmitForReview moves a Draft to Pending. Only the submitter may submit.
func (s *Service) SubmitForReview(ctx context.Context, subjectID, mergeRequestID string) (mergerequest.MergeRequest, error) {
	current, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}
	if _, _, err := s.authorize(ctx, subjectID, current.ResourceID, permission.ActionAdd); err != nil {
		return mergerequest.MergeRequest{}, err
	}

	var mr mergerequest.MergeRequest
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		_, locked, err := lockTransition(ctx, tx, current)
		if err != nil {
			return err
		}
		if err := s.submitLocked(ctx, tx, &locked, subjectID, s.now()); err != nil {
			return err
		}
		mr = locked
		return nil
	})
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}
	s.afterTransition(mr, "")
	return mr, nil
}

// submitLocked runs the Draft -> Pending transition inside tx and marks the
// request stale straight away when the resource is already ahead.
func (s *Service) submitLocked(ctx context.Context, tx store.Tx, mr *mergerequest.MergeRequest, subjectID string, now time.Time) error {
	if err := mergerequest.Submit(mr, subjectID, now); err != nil {
		return err
	}
	resource, err := tx.LockResource(ctx, mr.ResourceID)
	if err != nil {
		return err
	}
	if mr.IsStale(resource.CurrentVersion) {
		if err := mergerequest.MarkStale(mr, resource.CurrentVersion, now); err != nil {
			return err
		}
	}
	if err := tx.SaveMergeRequest(ctx, *mr); err != nil {
		return err
	}
	return s.audit(ctx, tx, *mr, subjectID, auditSubmitted, "")
}

// Cancel withdraws a Draft, Pending or Stale request. Only the submitter may
// cancel; a request finalized concurrently fails with ALREADY_FINALIZED.
func (s *Service) Cancel(ctx context.Context, subjectID, mergeRequestID string) (mergerequest.MergeRequest, error) {
	current, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}

	var mr mergerequest.MergeRequest
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		_, locked, err := lockTransition(ctx, tx, current)
		if err != nil {
			return err
		}
		if err := mergerequest.Cancel(&locked, subjectID, s.now()); err != nil {
			return err
		}
		if err := tx.SaveMergeRequest(ctx, locked); err != nil {
			return err
		}
		mr = locked
		return s.audit(ctx, tx, locked, subjectID, auditCancelled, "")
	})
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}
	s.afterTransition(mr, notify.EventCancelled)
	return mr, nil
}

type ApproveInput struct {
	Comment string `json:"comment"`
	// ExpectedVersion, when set, aborts the approval if the resource has moved
	// past the version the reviewer looked at.
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type ApprovalResult struct {
	MergeRequest    mergerequest.MergeRequest `json:"mergeRequest"`
	ResourceVersion int64                     `json:"resourceVersion"`
	Applied         []store.AppliedChange     `json:"-"`
	MarkedStale     []string                  `json:"markedStale"`
}

// Approve applies every change entry in sequence order and moves the request
// to Approved, all inside one transaction. Conflicts or apply failures leave
// the request and the resource untouched.
func (s *Service) Approve(ctx context.Context, reviewerID, mergeRequestID string, input ApproveInput) (ApprovalResult, error) {
	current, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if reviewerID == current.SubmitterID {
		return ApprovalResult{}, classify(mergerequest.ErrSelfReview)
	}
	if _, _, err := s.authorize(ctx, reviewerID, current.ResourceID, permission.ActionReview); err != nil {
		return ApprovalResult{}, err
	}

	var result ApprovalResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		resource, mr, err := lockTransition(ctx, tx, current)
		if err != nil {
			return err
		}
		if err := mergerequest.CheckReviewer(mr, reviewerID); err != nil {
			return err
		}
		if input.ExpectedVersion != nil && resource.CurrentVersion != *input.ExpectedVersion {
			return domainError(KindConflictDetected, "RESOURCE_ADVANCED",
				fmt.Sprintf("resource is at version %d, expected %d", resource.CurrentVersion, *input.ExpectedVersion),
				map[string]any{"resourceVersion": resource.CurrentVersion})
		}

		conflicts, err := detectConflicts(ctx, tx, mr)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return conflictDetected(conflicts)
		}

		applied := make([]store.AppliedChange, 0, len(mr.Changes))
		for _, entry := range mr.Changes {
			change, err := tx.ApplyChange(ctx, mr.ResourceID, entry)
			if err != nil {
				e := domainError(KindApplyFailed, "APPLY_FAILED",
					fmt.Sprintf("change %d (%s %s) could not be applied", entry.SequenceNumber, entry.ChangeType, entry.EntityType),
					map[string]any{"sequenceNumber": entry.SequenceNumber})
				e.Err = err
				return e
			}
			applied = append(applied, change)
		}

		version, err := tx.BumpResourceVersion(ctx, mr.ResourceID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := mergerequest.Approve(&mr, reviewerID, input.Comment, now); err != nil {
			return err
		}
		if err := tx.SaveMergeRequest(ctx, mr); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, mr, reviewerID, auditApproved, mr.ReviewComment); err != nil {
			return err
		}
		marked, err := s.markStaleLocked(ctx, tx, mr.ResourceID, version, reviewerID, now)
		if err != nil {
			return err
		}

		result = ApprovalResult{MergeRequest: mr, ResourceVersion: version, Applied: applied, MarkedStale: marked}
		return nil
	})
	if err != nil {
		if KindOf(err) == KindApplyFailed {
			s.log.WithError(err).WithField("merge_request_id", mergeRequestID).Error("approval rolled back")
		}
		return ApprovalResult{}, classify(err)
	}

	s.afterTransition(result.MergeRequest, notify.EventApproved)
	s.journalApproval(result)
	return result, nil
}

// Reject closes a reviewable request with a mandatory reason.
func (s *Service) Reject(ctx context.Context, reviewerID, mergeRequestID, reason string) (mergerequest.MergeRequest, error) {
	current, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}
	if reviewerID == current.SubmitterID {
		return mergerequest.MergeRequest{}, classify(mergerequest.ErrSelfReview)
	}
	if _, _, err := s.authorize(ctx, reviewerID, current.ResourceID, permission.ActionReview); err != nil {
		return mergerequest.MergeRequest{}, err
	}

	var mr mergerequest.MergeRequest
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		_, locked, err := lockTransition(ctx, tx, current)
		if err != nil {
			return err
		}
		if err := mergerequest.Reject(&locked, reviewerID, reason, s.now()); err != nil {
			return err
		}
		if err := tx.SaveMergeRequest(ctx, locked); err != nil {
			return err
		}
		mr = locked
		return s.audit(ctx, tx, locked, reviewerID, auditRejected, locked.ReviewComment)
	})
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}
	s.afterTransition(mr, notify.EventRejected)
	return mr, nil
}

// Rebase moves a Stale request back to Pending on the current resource
// version, provided its changes still apply cleanly.
func (s *Service) Rebase(ctx context.Context, subjectID, mergeRequestID string) (mergerequest.MergeRequest, error) {
	current, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}

	var mr mergerequest.MergeRequest
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		resource, locked, err := lockTransition(ctx, tx, current)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			return mergerequest.ErrTerminal
		}
		if locked.Status != mergerequest.StatusStale {
			return mergerequest.ErrNotStale
		}
		if locked.SubmitterID != subjectID {
			return mergerequest.ErrNotSubmitter
		}
		conflicts, err := detectConflicts(ctx, tx, locked)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return conflictDetected(conflicts)
		}
		if err := mergerequest.Rebase(&locked, subjectID, resource.CurrentVersion, s.now()); err != nil {
			return err
		}
		if err := tx.SaveMergeRequest(ctx, locked); err != nil {
			return err
		}
		mr = locked
		return s.audit(ctx, tx, locked, subjectID, auditRebased, "")
	})
	if err != nil {
		return mergerequest.MergeRequest{}, classify(err)
	}
	s.afterTransition(mr, "")
	return mr, nil
}

type VersionChange struct {
	ResourceVersion int64    `json:"resourceVersion"`
	MarkedStale     []string `json:"markedStale"`
}

// NotifyVersionChanged handles a structural mutation made outside the merge
// request flow. With bump set the resource version is advanced first. Every
// Pending request behind the current version becomes Stale.
func (s *Service) NotifyVersionChanged(ctx context.Context, subjectID, resourceID string, bump bool) (VersionChange, error) {
	if _, _, err := s.authorize(ctx, subjectID, resourceID, permission.ActionEdit); err != nil {
		return VersionChange{}, err
	}

	var result VersionChange
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		resource, err := tx.LockResource(ctx, resourceID)
		if err != nil {
			return err
		}
		version := resource.CurrentVersion
		if bump {
			if version, err = tx.BumpResourceVersion(ctx, resourceID); err != nil {
				return err
			}
		}
		marked, err := s.markStaleLocked(ctx, tx, resourceID, version, subjectID, s.now())
		if err != nil {
			return err
		}
		result = VersionChange{ResourceVersion: version, MarkedStale: marked}
		return nil
	})
	if err != nil {
		return VersionChange{}, classify(err)
	}
	return result, nil
}

// markStaleLocked moves every Pending request of the resource that is behind
// version to Stale and returns their IDs. Requests already Stale get their
// CurrentVersion refreshed without a new audit entry. The caller holds the
// resource row lock.
func (s *Service) markStaleLocked(ctx context.Context, tx store.Tx, resourceID string, version int64, actorID string, now time.Time) ([]string, error) {
	open, err := tx.ListMergeRequestsByStatus(ctx, resourceID, mergerequest.StatusPending, mergerequest.StatusStale)
	if err != nil {
		return nil, err
	}
	marked := make([]string, 0)
	for _, mr := range open {
		if !mr.IsStale(version) {
			continue
		}
		wasStale := mr.Status == mergerequest.StatusStale
		if wasStale && mr.CurrentVersion != nil && *mr.CurrentVersion == version {
			continue
		}
		if err := mergerequest.MarkStale(&mr, version, now); err != nil {
			return nil, err
		}
		if err := tx.SaveMergeRequest(ctx, mr); err != nil {
			return nil, err
		}
		if wasStale {
			continue
		}
		if err := s.audit(ctx, tx, mr, actorID, auditStale, fmt.Sprintf("resource advanced to version %d", version)); err != nil {
			return nil, err
		}
		marked = append(marked, mr.ID)
	}
	return marked, nil
}

// ---- Queries ----

func (s *Service) GetMergeRequest(ctx context.Context, subjectID, mergeRequestID string) (mergerequest.MergeRequest, error) {
	mr, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return mergerequest.MergeRequest{}, err
	}
	if _, _, err := s.authorize(ctx, subjectID, mr.ResourceID, permission.ActionRead); err != nil {
		return mergerequest.MergeRequest{}, err
	}
	return mr, nil
}

func (s *Service) ListMergeRequests(ctx context.Context, subjectID, resourceID, status string) ([]mergerequest.MergeRequest, error) {
	if _, _, err := s.authorize(ctx, subjectID, resourceID, permission.ActionRead); err != nil {
		return nil, err
	}
	var filter mergerequest.Status
	if strings.TrimSpace(status) != "" {
		parsed, err := mergerequest.ParseStatus(status)
		if err != nil {
			return nil, domainError(KindValidationFailed, "INVALID_STATUS", err.Error(), nil)
		}
		filter = parsed
	}
	items, err := s.store.ListMergeRequests(ctx, resourceID, filter)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

type ConflictReport struct {
	MergeRequestID  string                `json:"mergeRequestId"`
	Stale           bool                  `json:"stale"`
	BaseVersion     int64                 `json:"baseVersion"`
	ResourceVersion int64                 `json:"resourceVersion"`
	Conflicts       []conflict.Conflict   `json:"conflicts"`
	Changes         []changes.ChangeEntry `json:"changes"`
}

// GetConflicts runs conflict detection for the request against live state.
// Change entries come back with HasConflict set.
func (s *Service) GetConflicts(ctx context.Context, subjectID, mergeRequestID string) (ConflictReport, error) {
	mr, err := s.GetMergeRequest(ctx, subjectID, mergeRequestID)
	if err != nil {
		return ConflictReport{}, err
	}

	var report ConflictReport
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		resource, err := tx.GetResource(ctx, mr.ResourceID)
		if err != nil {
			return err
		}
		conflicts, err := detectConflicts(ctx, tx, mr)
		if err != nil {
			return err
		}
		entries := append([]changes.ChangeEntry(nil), mr.Changes...)
		conflict.MarkConflicts(entries, conflicts)
		report = ConflictReport{
			MergeRequestID:  mr.ID,
			Stale:           IsStale(mr, resource),
			BaseVersion:     mr.BaseVersion,
			ResourceVersion: resource.CurrentVersion,
			Conflicts:       conflicts,
			Changes:         entries,
		}
		return nil
	})
	if err != nil {
		return ConflictReport{}, classify(err)
	}
	return report, nil
}

type StalenessReport struct {
	MergeRequestID  string `json:"mergeRequestId"`
	Stale           bool   `json:"stale"`
	BaseVersion     int64  `json:"baseVersion"`
	ResourceVersion int64  `json:"resourceVersion"`
}

// CheckStaleness compares version counters only; it never scans fields.
func (s *Service) CheckStaleness(ctx context.Context, subjectID, mergeRequestID string) (StalenessReport, error) {
	mr, err := s.loadMergeRequest(ctx, mergeRequestID)
	if err != nil {
		return StalenessReport{}, err
	}
	resource, _, err := s.authorize(ctx, subjectID, mr.ResourceID, permission.ActionRead)
	if err != nil {
		return StalenessReport{}, err
	}
	return StalenessReport{
		MergeRequestID:  mr.ID,
		Stale:           IsStale(mr, resource),
		BaseVersion:     mr.BaseVersion,
		ResourceVersion: resource.CurrentVersion,
	}, nil
}

// IsStale is a pure function of the two version counters.
func IsStale(mr mergerequest.MergeRequest, resource permission.Resource) bool {
	return conflict.IsStale(resource.CurrentVersion, mr.BaseVersion)
}

func (s *Service) SearchMergeRequests(ctx context.Context, subjectID string, q search.Query) (search.Response, error) {
	if q.FilterResourceID != "" {
		if _, _, err := s.authorize(ctx, subjectID, q.FilterResourceID, permission.ActionRead); err != nil {
			return search.Response{}, err
		}
		return s.search.Search(ctx, q), nil
	}

	resp := s.search.Search(ctx, q)
	visible := make(map[string]bool)
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		allowed, seen := visible[result.ResourceID]
		if !seen {
			level, err := s.ResolvePermission(ctx, subjectID, result.ResourceID)
			allowed = err == nil && permission.Can(level, permission.ActionRead)
			visible[result.ResourceID] = allowed
		}
		if allowed {
			filtered = append(filtered, result)
		}
	}
	if len(filtered) != len(resp.Results) {
		resp.Total = len(filtered)
	}
	resp.Results = filtered
	return resp, nil
}

func (s *Service) History(ctx context.Context, subjectID, resourceID string, limit int) ([]journal.CommitInfo, error) {
	if _, _, err := s.authorize(ctx, subjectID, resourceID, permission.ActionRead); err != nil {
		return nil, err
	}
	if s.journal == nil {
		return []journal.CommitInfo{}, nil
	}
	items, err := s.journal.History(resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return items, nil
}

func (s *Service) ListAuditEvents(ctx context.Context, subjectID, resourceID string) ([]store.AuditEvent, error) {
	if _, _, err := s.authorize(ctx, subjectID, resourceID, permission.ActionAdminister); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, resourceID)
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}

type ExportResult struct {
	*export.Result
	ArchiveKey string
}

// ExportMergeRequest renders the review report. Reports for open requests
// include the current conflict list. With archive set the report is also
// stored in the report bucket.
func (s *Service) ExportMergeRequest(ctx context.Context, subjectID, mergeRequestID string, format export.Format, archiveReport bool) (ExportResult, error) {
	mr, err := s.GetMergeRequest(ctx, subjectID, mergeRequestID)
	if err != nil {
		return ExportResult{}, err
	}
	report := export.Report{MergeRequest: mr, GeneratedAt: s.now()}
	if !mr.Status.Terminal() {
		conflicts, err := s.GetConflicts(ctx, subjectID, mergeRequestID)
		if err != nil {
			return ExportResult{}, err
		}
		report.Conflicts = conflicts.Conflicts
		report.MergeRequest.Changes = conflicts.Changes
	}

	rendered, err := s.exporter.Render(ctx, report, format)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrPDFDependencyMissing):
			e := domainError(KindInternal, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
			e.Status = 503
			e.Err = err
			return ExportResult{}, e
		case errors.Is(err, export.ErrUnsupportedFormat):
			return ExportResult{}, domainError(KindValidationFailed, "INVALID_FORMAT", "format must be 'html' or 'pdf'", nil)
		default:
			return ExportResult{}, fmt.Errorf("render report: %w", err)
		}
	}

	result := ExportResult{Result: rendered}
	if archiveReport {
		if s.archive == nil {
			e := domainError(KindInternal, "ARCHIVE_UNAVAILABLE", "report archive is not configured", nil)
			e.Status = 503
			return ExportResult{}, e
		}
		key := archive.ReportKey(mr.ResourceID, mr.ID, format.Extension())
		if err := s.archive.Put(ctx, key, rendered.Data, rendered.MimeType); err != nil {
			return ExportResult{}, fmt.Errorf("archive report: %w", err)
		}
		result.ArchiveKey = key
	}
	return result, nil
}

// ---- helpers ----

// lockTransition locks the resource row and then the merge request row. Every
// transition takes them in this order so that concurrent approvals and
// version bumps on one resource queue behind each other.
func lockTransition(ctx context.Context, tx store.Tx, mr mergerequest.MergeRequest) (permission.Resource, mergerequest.MergeRequest, error) {
	resource, err := tx.LockResource(ctx, mr.ResourceID)
	if err != nil {
		return permission.Resource{}, mergerequest.MergeRequest{}, err
	}
	locked, err := tx.LockMergeRequest(ctx, mr.ID)
	if err != nil {
		return permission.Resource{}, mergerequest.MergeRequest{}, err
	}
	return resource, locked, nil
}

func (s *Service) loadMergeRequest(ctx context.Context, id string) (mergerequest.MergeRequest, error) {
	mr, err := s.store.GetMergeRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mergerequest.MergeRequest{}, notFound("merge request")
		}
		return mergerequest.MergeRequest{}, err
	}
	return mr, nil
}

func (s *Service) audit(ctx context.Context, tx store.Tx, mr mergerequest.MergeRequest, subjectID, action, comment string) error {
	return tx.InsertAuditEvent(ctx, store.AuditEvent{
		ID:         util.NewID("evt"),
		ResourceID: mr.ResourceID,
		SubjectID:  subjectID,
		Action:     action,
		EntityID:   mr.ID,
		Comment:    comment,
		OccurredAt: s.now(),
	})
}

// afterTransition runs the post-commit side effects. An empty event skips
// the notification.
func (s *Service) afterTransition(mr mergerequest.MergeRequest, event notify.EventType) {
	if event != "" {
		s.dispatcher.Dispatch(notify.Event{
			Event:          event,
			MergeRequestID: mr.ID,
			ResourceID:     mr.ResourceID,
			OccurredAt:     s.now(),
		})
	}
	s.search.IndexMergeRequest(search.MergeRequestRecord{
		ID:          mr.ID,
		ResourceID:  mr.ResourceID,
		Title:       mr.Title,
		Description: mr.Description,
		Status:      string(mr.Status),
		SubmitterID: mr.SubmitterID,
	})
}

func (s *Service) journalApproval(result ApprovalResult) {
	if s.journal == nil {
		return
	}
	mr := result.MergeRequest
	entry := journal.Entry{
		MergeRequestID: mr.ID,
		Title:          mr.Title,
		ReviewerID:     mr.ReviewerID,
		Changes:        result.Applied,
		At:             s.now(),
	}
	if _, err := s.journal.Commit(mr.ResourceID, entry); err != nil {
		s.log.WithError(err).WithField("merge_request_id", mr.ID).Warn("journal commit failed")
	}
}

// resourceState scopes a transaction to one resource for conflict detection.
type resourceState struct {
	tx         store.Tx
	resourceID string
}

func (r resourceState) GetCurrentState(ctx context.Context, entityType, entityID string) (changes.Snapshot, bool, error) {
	return r.tx.GetCurrentState(ctx, r.resourceID, entityType, entityID)
}

func (r resourceState) FindByName(ctx context.Context, entityType, name string) (string, bool, error) {
	return r.tx.FindByName(ctx, r.resourceID, entityType, name)
}

// detectConflicts runs field-level detection first, then the duplicate-name
// layer for creates and renames.
func detectConflicts(ctx context.Context, tx store.Tx, mr mergerequest.MergeRequest) ([]conflict.Conflict, error) {
	view := resourceState{tx: tx, resourceID: mr.ResourceID}
	conflicts, err := conflict.Detect(ctx, mr.Changes, view)
	if err != nil {
		return nil, fmt.Errorf("detect conflicts: %w", err)
	}
	duplicates, err := conflict.DetectDuplicateNames(ctx, mr.Changes, view)
	if err != nil {
		return nil, fmt.Errorf("detect duplicate names: %w", err)
	}
	return append(conflicts, duplicates...), nil
}
