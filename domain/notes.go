package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Visibility is the access-control level of a note. It is fixed at
// creation time and never changes afterwards.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityFollower Visibility = "follower"
	VisibilityPrivate  Visibility = "private"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityFollower, VisibilityPrivate:
		return true
	}
	return false
}

// Renotable reports whether a note of this visibility may be boosted.
// Follower and private notes never leave their original audience.
func (v Visibility) Renotable() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted
}

// ReplyCompatible reports whether a reply of visibility v may target a
// note of visibility target. Private notes only thread with private
// notes; everything else may reply to anything.
func (v Visibility) ReplyCompatible(target Visibility) bool {
	if v == VisibilityPrivate {
		return target == VisibilityPrivate
	}
	return true
}

var (
	ErrNoteReplyAndRenote    = errors.New("note cannot be both reply and renote")
	ErrNoteInvalidVisibility = errors.New("invalid note visibility")
	ErrNoteReplyIncompatible = errors.New("reply visibility incompatible with target")
	ErrNoteNotRenotable      = errors.New("renote target is not renotable")
)

// Note is a post, local or federated. URI is empty for local notes.
// A set RenoteOfId with empty Content is a pure renote (boost).
type Note struct {
	Id         uuid.UUID
	AccountId  uuid.UUID
	URI        string
	Content    string
	Visibility Visibility
	ReplyToId  *uuid.UUID
	RenoteOfId *uuid.UUID
	CreatedAt  time.Time
	EditedAt   *time.Time
	DeletedAt  *time.Time
}

func (n *Note) IsRemote() bool {
	return n.URI != ""
}

func (n *Note) IsDeleted() bool {
	return n.DeletedAt != nil
}

// IsPureRenote reports whether the note is a content-less boost.
func (n *Note) IsPureRenote() bool {
	return n.RenoteOfId != nil && n.Content == ""
}

// NewNote validates and builds a note. replyTarget and renoteTarget are
// the referenced notes, nil when the respective id is unset; validation
// happens here so local posts and inbound Creates go through the same
// checks.
func NewNote(accountId uuid.UUID, content string, vis Visibility, replyTarget, renoteTarget *Note) (*Note, error) {
	if !vis.Valid() {
		return nil, ErrNoteInvalidVisibility
	}
	if replyTarget != nil && renoteTarget != nil {
		return nil, ErrNoteReplyAndRenote
	}

	note := &Note{
		Id:         uuid.New(),
		AccountId:  accountId,
		Content:    content,
		Visibility: vis,
		CreatedAt:  time.Now(),
	}

	if replyTarget != nil {
		if !vis.ReplyCompatible(replyTarget.Visibility) {
			return nil, ErrNoteReplyIncompatible
		}
		note.ReplyToId = &replyTarget.Id
	}

	if renoteTarget != nil {
		if !renoteTarget.Visibility.Renotable() {
			return nil, ErrNoteNotRenotable
		}
		note.RenoteOfId = &renoteTarget.Id
	}

	return note, nil
}
