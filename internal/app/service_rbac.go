package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"eidos/api/internal/auth"
	"eidos/api/internal/permission"
	"eidos/api/internal/store"
	"eidos/api/internal/util"
)

// parseRFC3339 parses a time string in RFC3339 format, tolerating milliseconds
// from JavaScript's Date.toISOString() (e.g. "2026-03-12T16:10:00.000Z").
func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// ExplainPermission resolves the caller's level on a resource together with
// the source that granted it. It always reads grants fresh.
func (s *Service) ExplainPermission(ctx context.Context, subjectID, resourceID string) (permission.Decision, error) {
	resource, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return permission.Decision{}, notFound("resource")
		}
		return permission.Decision{}, err
	}
	grants, err := s.store.LoadGrants(ctx, subjectID, resourceID)
	if err != nil {
		return permission.Decision{}, err
	}
	decision := permission.Evaluate(subjectID, resource, grants, s.now())
	if decision.Level == permission.LevelNone {
		return permission.Decision{}, forbidden()
	}
	return decision, nil
}

type GrantInput struct {
	SubjectID string           `json:"subjectId"`
	GroupID   string           `json:"groupId"`
	Level     permission.Level `json:"level"`
}

func validateGrantLevel(level permission.Level) error {
	if level <= permission.LevelNone || level > permission.LevelFull {
		return domainError(KindValidationFailed, "INVALID_LEVEL", "level must be one of view, add, edit, full", nil)
	}
	return nil
}

// GrantDirect gives one subject a level on the resource. Requires Full.
func (s *Service) GrantDirect(ctx context.Context, actorID, resourceID string, input GrantInput) (permission.DirectGrant, error) {
	if _, _, err := s.authorize(ctx, actorID, resourceID, permission.ActionAdminister); err != nil {
		return permission.DirectGrant{}, err
	}
	subjectID := strings.TrimSpace(input.SubjectID)
	if subjectID == "" {
		return permission.DirectGrant{}, domainError(KindValidationFailed, "SUBJECT_REQUIRED", "subjectId is required", nil)
	}
	if err := validateGrantLevel(input.Level); err != nil {
		return permission.DirectGrant{}, err
	}

	grant := permission.DirectGrant{ID: util.NewID("grt"), SubjectID: subjectID, Level: input.Level}
	if err := s.store.InsertDirectGrant(ctx, resourceID, grant); err != nil {
		return permission.DirectGrant{}, classify(err)
	}
	if err := s.cache.Invalidate(ctx, subjectID, resourceID); err != nil {
		s.log.WithError(err).WithField("resource_id", resourceID).Warn("permission cache invalidation failed")
	}
	return grant, nil
}

// GrantGroup gives every member of a group a level on the resource.
// Requires Full.
func (s *Service) GrantGroup(ctx context.Context, actorID, resourceID string, input GrantInput) (permission.GroupGrant, error) {
	if _, _, err := s.authorize(ctx, actorID, resourceID, permission.ActionAdminister); err != nil {
		return permission.GroupGrant{}, err
	}
	groupID := strings.TrimSpace(input.GroupID)
	if groupID == "" {
		return permission.GroupGrant{}, domainError(KindValidationFailed, "GROUP_REQUIRED", "groupId is required", nil)
	}
	if err := validateGrantLevel(input.Level); err != nil {
		return permission.GroupGrant{}, err
	}

	grant := permission.GroupGrant{ID: util.NewID("grt"), GroupID: groupID, Level: input.Level}
	if err := s.store.InsertGroupGrant(ctx, resourceID, grant); err != nil {
		return permission.GroupGrant{}, classify(err)
	}
	s.invalidateResource(ctx, resourceID)
	return grant, nil
}

// RevokeGrant removes a direct or group grant. Every cached level for the
// resource is dropped since group membership is not tracked per entry.
func (s *Service) RevokeGrant(ctx context.Context, actorID, resourceID, grantID string) error {
	if _, _, err := s.authorize(ctx, actorID, resourceID, permission.ActionAdminister); err != nil {
		return err
	}
	if err := s.store.DeleteGrant(ctx, resourceID, grantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("grant")
		}
		return classify(err)
	}
	s.invalidateResource(ctx, resourceID)
	return nil
}

type ShareLinkInput struct {
	Level     permission.Level `json:"level"`
	Password  string           `json:"password"`
	ExpiresAt *string          `json:"expiresAt"`
}

type CreatedShareLink struct {
	store.ShareLink
	// Token is returned once; only its hash is stored.
	Token string `json:"token"`
}

// CreateShareLink mints a redeemable link granting level on the resource.
// Requires Full.
func (s *Service) CreateShareLink(ctx context.Context, actorID, resourceID string, input ShareLinkInput) (CreatedShareLink, error) {
	if _, _, err := s.authorize(ctx, actorID, resourceID, permission.ActionAdminister); err != nil {
		return CreatedShareLink{}, err
	}
	if err := validateGrantLevel(input.Level); err != nil {
		return CreatedShareLink{}, err
	}

	now := s.now()
	var expiresAt *time.Time
	if input.ExpiresAt != nil && strings.TrimSpace(*input.ExpiresAt) != "" {
		t, err := parseRFC3339(*input.ExpiresAt)
		if err != nil {
			return CreatedShareLink{}, domainError(KindValidationFailed, "INVALID_EXPIRY", "expiresAt must be an RFC3339 timestamp", nil)
		}
		if !t.After(now) {
			return CreatedShareLink{}, domainError(KindValidationFailed, "INVALID_EXPIRY", "expiresAt must be in the future", nil)
		}
		t = t.UTC()
		expiresAt = &t
	}

	var passwordHash string
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return CreatedShareLink{}, err
		}
		passwordHash = string(hash)
	}

	token := util.NewToken()
	link := store.ShareLink{
		ID:           util.NewID("lnk"),
		ResourceID:   resourceID,
		TokenHash:    auth.HashToken(token),
		PasswordHash: passwordHash,
		Level:        input.Level,
		ExpiresAt:    expiresAt,
		Active:       true,
		CreatedBy:    actorID,
		CreatedAt:    now,
	}
	if err := s.store.InsertShareLink(ctx, link); err != nil {
		return CreatedShareLink{}, classify(err)
	}
	return CreatedShareLink{ShareLink: link, Token: token}, nil
}

// RedeemShareLink turns a share link token into a grant for subjectID.
// Redeeming the same link twice is a no-op.
func (s *Service) RedeemShareLink(ctx context.Context, subjectID, token, password string) (permission.ShareLinkGrant, error) {
	link, err := s.store.GetShareLinkByTokenHash(ctx, auth.HashToken(strings.TrimSpace(token)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return permission.ShareLinkGrant{}, notFound("share link")
		}
		return permission.ShareLinkGrant{}, err
	}
	now := s.now()
	if !link.Active {
		return permission.ShareLinkGrant{}, domainError(KindInvalidTransition, "LINK_REVOKED", "share link has been revoked", nil)
	}
	if link.ExpiresAt != nil && !now.Before(*link.ExpiresAt) {
		return permission.ShareLinkGrant{}, domainError(KindInvalidTransition, "LINK_EXPIRED", "share link has expired", nil)
	}
	if link.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return permission.ShareLinkGrant{}, domainError(KindUnauthorized, "INVALID_PASSWORD", "share link password is incorrect", nil)
		}
	}

	grant := permission.ShareLinkGrant{
		ID:          util.NewID("slg"),
		ShareLinkID: link.ID,
		SubjectID:   subjectID,
		Level:       link.Level,
		ExpiresAt:   link.ExpiresAt,
		Active:      true,
	}
	if err := s.store.InsertShareLinkGrant(ctx, link.ResourceID, grant); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return permission.ShareLinkGrant{}, classify(err)
	}
	if err := s.cache.Invalidate(ctx, subjectID, link.ResourceID); err != nil {
		s.log.WithError(err).WithField("resource_id", link.ResourceID).Warn("permission cache invalidation failed")
	}
	return grant, nil
}

// RevokeShareLink deactivates a link and every grant redeemed from it.
func (s *Service) RevokeShareLink(ctx context.Context, actorID, resourceID, linkID string) (store.ShareLink, error) {
	if _, _, err := s.authorize(ctx, actorID, resourceID, permission.ActionAdminister); err != nil {
		return store.ShareLink{}, err
	}
	link, err := s.store.DeactivateShareLink(ctx, resourceID, linkID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ShareLink{}, notFound("share link")
		}
		return store.ShareLink{}, classify(err)
	}
	s.invalidateResource(ctx, resourceID)
	return link, nil
}
