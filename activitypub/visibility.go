package activitypub

import (
	"github.com/google/uuid"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

// PublicMarker is the well-known audience URI that marks a note public.
const PublicMarker = "https://www.w3.org/ns/activitystreams#Public"

// ViewerContext collects everything the visibility rules need to know
// about the viewer, precomputed so the rules themselves stay pure.
type ViewerContext struct {
	// AccountId is nil for an anonymous viewer.
	AccountId *uuid.UUID
	// FollowsAuthor is true when the viewer has an accepted follow
	// on the note author.
	FollowsAuthor bool
	// Mentioned is true when the note explicitly mentions the viewer.
	Mentioned bool
}

// CanView decides whether the viewer may see the note. Deleted notes
// are invisible to everyone; pass includeDeleted for moderation views.
func CanView(note *domain.Note, viewer ViewerContext, includeDeleted bool) bool {
	if note.IsDeleted() && !includeDeleted {
		return false
	}
	if viewer.AccountId != nil && *viewer.AccountId == note.AccountId {
		return true
	}
	switch note.Visibility {
	case domain.VisibilityPublic, domain.VisibilityUnlisted:
		return true
	case domain.VisibilityFollower:
		return viewer.FollowsAuthor || viewer.Mentioned
	case domain.VisibilityPrivate:
		return viewer.Mentioned
	default:
		return false
	}
}

// CanViewStored looks up the follow edge and answers CanView for a
// stored viewer account. Mentions are resolved by the caller since
// only it knows the note's recipient list.
func CanViewStored(d *db.DB, note *domain.Note, viewerId *uuid.UUID, mentioned bool) (error, bool) {
	viewer := ViewerContext{AccountId: viewerId, Mentioned: mentioned}
	if viewerId != nil && *viewerId != note.AccountId {
		err, follow := d.ReadFollowByPair(*viewerId, note.AccountId)
		if err != nil {
			return err, false
		}
		viewer.FollowsAuthor = follow != nil && follow.Accepted
	}
	return nil, CanView(note, viewer, false)
}

// VisibilityFromAudience maps an inbound activity's to/cc audience to
// a local visibility. Public marker in to means public, in cc means
// unlisted; a followers collection URI means follower-only; otherwise
// the note is private to whoever was addressed directly.
func VisibilityFromAudience(to, cc []string, followersURI string) domain.Visibility {
	for _, uri := range to {
		if uri == PublicMarker {
			return domain.VisibilityPublic
		}
	}
	for _, uri := range cc {
		if uri == PublicMarker {
			return domain.VisibilityUnlisted
		}
	}
	if followersURI != "" {
		for _, uri := range append(append([]string{}, to...), cc...) {
			if uri == followersURI {
				return domain.VisibilityFollower
			}
		}
	}
	return domain.VisibilityPrivate
}
