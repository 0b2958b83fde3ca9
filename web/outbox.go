package web

import (
	"fmt"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
)

const outboxPageSize = 50

// GetOutboxCollection renders a user's outbox as an OrderedCollection
// of their public and unlisted notes, newest first.
func GetOutboxCollection(d *db.DB, username, host string) (error, map[string]interface{}) {
	err, acc := d.ReadAccByUsername(username)
	if err != nil {
		return err, nil
	}
	if acc == nil {
		return fmt.Errorf("no such user %q", username), nil
	}

	err, notes := d.ReadPublicNotesByAccountId(acc.Id, outboxPageSize)
	if err != nil {
		return err, nil
	}

	items := make([]interface{}, 0, len(*notes))
	for i := range *notes {
		err, obj := GetNoteObject(d, (*notes)[i].Id, host)
		if err != nil {
			continue
		}
		delete(obj, "@context")
		items = append(items, map[string]interface{}{
			"id":     activitypub.NoteURI(host, (*notes)[i].Id) + "/activity",
			"type":   "Create",
			"actor":  activitypub.ActorURI(host, acc.Username),
			"object": obj,
		})
	}

	return nil, map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           activitypub.OutboxURI(host, acc.Username),
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}
}

// GetFollowersCollection renders the follower count without exposing
// the member list.
func GetFollowersCollection(d *db.DB, username, host string) (error, map[string]interface{}) {
	err, acc := d.ReadAccByUsername(username)
	if err != nil {
		return err, nil
	}
	if acc == nil {
		return fmt.Errorf("no such user %q", username), nil
	}

	err, follows := d.ReadFollowersByTargetId(acc.Id)
	if err != nil {
		return err, nil
	}

	return nil, map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         activitypub.FollowersURI(host, acc.Username),
		"type":       "OrderedCollection",
		"totalItems": len(*follows),
	}
}
