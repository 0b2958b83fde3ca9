package web

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

// GetActor renders a local user's actor document.
func GetActor(d *db.DB, username, host string, autoAccept bool) (error, map[string]interface{}) {
	err, acc := d.ReadAccByUsername(username)
	if err != nil {
		return err, nil
	}
	if acc == nil {
		return fmt.Errorf("no such user %q", username), nil
	}

	actorURI := activitypub.ActorURI(host, acc.Username)
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"url":                       actorURI,
		"inbox":                     activitypub.InboxURI(host, acc.Username),
		"outbox":                    activitypub.OutboxURI(host, acc.Username),
		"followers":                 activitypub.FollowersURI(host, acc.Username),
		"following":                 actorURI + "/following",
		"manuallyApprovesFollowers": !autoAccept,
		"discoverable":              true,
		"endpoints": map[string]interface{}{
			"sharedInbox": activitypub.SharedInboxURI(host),
		},
		"publicKey": map[string]interface{}{
			"id":           activitypub.KeyID(host, acc.Username),
			"owner":        actorURI,
			"publicKeyPem": acc.WebPublicKey,
		},
	}
	if acc.AvatarURL != "" {
		doc["icon"] = map[string]interface{}{
			"type":      "Image",
			"mediaType": "image/png",
			"url":       acc.AvatarURL,
		}
	}
	return nil, doc
}

// GetNoteObject renders a note as an ActivityPub object, provided the
// viewer may see it. Anonymous viewers only reach public and unlisted
// notes.
func GetNoteObject(d *db.DB, noteId uuid.UUID, host string) (error, map[string]interface{}) {
	err, note := d.ReadNoteById(noteId)
	if err != nil {
		return err, nil
	}
	if note == nil {
		return fmt.Errorf("note %s not found", noteId), nil
	}
	if !activitypub.CanView(note, activitypub.ViewerContext{}, false) {
		return fmt.Errorf("note %s not visible", noteId), nil
	}

	err, account := d.ReadAccById(note.AccountId)
	if err != nil {
		return err, nil
	}
	if account == nil {
		return fmt.Errorf("note %s has no local author", noteId), nil
	}

	actorURI := activitypub.ActorURI(host, account.Username)
	obj := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           activitypub.NoteURI(host, note.Id),
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      note.Content,
		"published":    note.CreatedAt.Format(time.RFC3339),
	}

	followersURI := activitypub.FollowersURI(host, account.Username)
	switch note.Visibility {
	case domain.VisibilityPublic:
		obj["to"] = []string{activitypub.PublicMarker}
		obj["cc"] = []string{followersURI}
	case domain.VisibilityUnlisted:
		obj["cc"] = []string{activitypub.PublicMarker, followersURI}
	}

	if note.ReplyToId != nil {
		err, parent := d.ReadNoteById(*note.ReplyToId)
		if err == nil && parent != nil {
			obj["inReplyTo"] = activitypub.CanonicalNoteURI(host, parent)
		}
	}
	if note.EditedAt != nil {
		obj["updated"] = note.EditedAt.Format(time.RFC3339)
	}
	return nil, obj
}
