// Package permission resolves the effective permission level a subject holds
// on a resource from every independent grant source.
package permission

import "time"

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Resource is the protected aggregate (an ontology). CurrentVersion is
// incremented on every structural mutation.
type Resource struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	Visibility      Visibility `json:"visibility"`
	AllowPublicEdit bool       `json:"allowPublicEdit"`
	CurrentVersion  int64      `json:"currentVersion"`
}

type GroupGrant struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Level   Level  `json:"level"`
}

type DirectGrant struct {
	ID        string `json:"id"`
	SubjectID string `json:"subjectId"`
	Level     Level  `json:"level"`
}

// ShareLinkGrant is created when a subject redeems a share link. A nil
// ExpiresAt never expires.
type ShareLinkGrant struct {
	ID          string     `json:"id"`
	ShareLinkID string     `json:"shareLinkId"`
	SubjectID   string     `json:"subjectId"`
	Level       Level      `json:"level"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// Usable reports whether the grant may contribute a candidate level at now.
func (g ShareLinkGrant) Usable(now time.Time) bool {
	if !g.Active {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// Grants is the materialized grant set for one (subject, resource) pair.
// MemberOf holds the IDs of groups the subject belongs to; group grants for
// other groups are ignored.
type Grants struct {
	Groups     []GroupGrant
	MemberOf   map[string]bool
	Direct     []DirectGrant
	ShareLinks []ShareLinkGrant
}

type Source string

const (
	SourceNone      Source = ""
	SourceOwner     Source = "owner"
	SourcePublic    Source = "public"
	SourceGroup     Source = "group"
	SourceDirect    Source = "direct"
	SourceShareLink Source = "share_link"
)

// Decision is a resolved level together with the first source that granted it.
type Decision struct {
	Level  Level  `json:"level"`
	Source Source `json:"source,omitempty"`
}

// Resolve returns the highest level subjectID holds on resource.
func Resolve(subjectID string, resource Resource, grants Grants, now time.Time) Level {
	return Evaluate(subjectID, resource, grants, now).Level
}

// Evaluate is Resolve with attribution. It performs no I/O.
func Evaluate(subjectID string, resource Resource, grants Grants, now time.Time) Decision {
	if subjectID != "" && subjectID == resource.OwnerID {
		return Decision{Level: LevelFull, Source: SourceOwner}
	}

	best := Decision{Level: LevelNone}
	consider := func(level Level, source Source) {
		if level > best.Level {
			best = Decision{Level: level, Source: source}
		}
	}

	if resource.Visibility == VisibilityPublic {
		if resource.AllowPublicEdit {
			consider(LevelEdit, SourcePublic)
		} else {
			consider(LevelView, SourcePublic)
		}
	}
	if subjectID == "" {
		return best
	}

	for _, grant := range grants.Groups {
		if grants.MemberOf[grant.GroupID] {
			consider(grant.Level, SourceGroup)
		}
	}
	for _, grant := range grants.Direct {
		if grant.SubjectID == subjectID {
			consider(grant.Level, SourceDirect)
		}
	}
	for _, grant := range grants.ShareLinks {
		if grant.SubjectID == subjectID && grant.Usable(now) {
			consider(grant.Level, SourceShareLink)
		}
	}
	return best
}

// NextExpiry returns the earliest expiry among the subject's usable share-link
// grants, or nil. Cached decisions must not outlive it.
func NextExpiry(subjectID string, grants Grants, now time.Time) *time.Time {
	var earliest *time.Time
	for _, grant := range grants.ShareLinks {
		if grant.SubjectID != subjectID || !grant.Usable(now) || grant.ExpiresAt == nil {
			continue
		}
		if earliest == nil || grant.ExpiresAt.Before(*earliest) {
			expiry := *grant.ExpiresAt
			earliest = &expiry
		}
	}
	return earliest
}
