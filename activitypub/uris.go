package activitypub

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/domain"
)

// The canonical URI layout of this server. Every identifier handed to
// the outside world is built here and nowhere else.

func ActorURI(host, username string) string {
	return fmt.Sprintf("https://%s/users/%s", host, username)
}

func KeyID(host, username string) string {
	return ActorURI(host, username) + "#main-key"
}

func InboxURI(host, username string) string {
	return ActorURI(host, username) + "/inbox"
}

func OutboxURI(host, username string) string {
	return ActorURI(host, username) + "/outbox"
}

func FollowersURI(host, username string) string {
	return ActorURI(host, username) + "/followers"
}

func SharedInboxURI(host string) string {
	return fmt.Sprintf("https://%s/inbox", host)
}

func NoteURI(host string, noteId uuid.UUID) string {
	return fmt.Sprintf("https://%s/notes/%s", host, noteId)
}

// CanonicalNoteURI returns the note's federated identifier: its origin
// URI for remote notes, the local /notes/ URI otherwise.
func CanonicalNoteURI(host string, note *domain.Note) string {
	if note.IsRemote() {
		return note.URI
	}
	return NoteURI(host, note.Id)
}

// NewActivityID mints a fresh URI for a locally created activity.
func NewActivityID(host string) string {
	return fmt.Sprintf("https://%s/activities/%s", host, uuid.New())
}
