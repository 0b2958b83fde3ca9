package activitypub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Outbox builds outbound activities for local actions and pairs each
// domain write with the delivery-queue inserts in one transaction.
type Outbox struct {
	DB   *db.DB
	Host string
}

func NewOutbox(d *db.DB, host string) *Outbox {
	return &Outbox{DB: d, Host: host}
}

// --- activity builders ---

func (o *Outbox) noteObject(account *domain.Account, note *domain.Note, rec Recipients) map[string]interface{} {
	obj := map[string]interface{}{
		"id":           NoteURI(o.Host, note.Id),
		"type":         "Note",
		"attributedTo": ActorURI(o.Host, account.Username),
		"content":      note.Content,
		"published":    note.CreatedAt.Format(time.RFC3339),
		"to":           rec.To,
		"cc":           rec.CC,
	}
	if note.ReplyToId != nil {
		err, parent := o.DB.ReadNoteById(*note.ReplyToId)
		if err == nil && parent != nil {
			obj["inReplyTo"] = CanonicalNoteURI(o.Host, parent)
		}
	}
	if note.EditedAt != nil {
		obj["updated"] = note.EditedAt.Format(time.RFC3339)
	}
	return obj
}

func (o *Outbox) envelope(kind Kind, account *domain.Account, rec Recipients, object interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       NewActivityID(o.Host),
		"type":     string(kind),
		"actor":    ActorURI(o.Host, account.Username),
		"to":       rec.To,
		"cc":       rec.CC,
		"object":   object,
	}
}

// BuildCreate wraps a note object in a Create envelope sharing its
// audience.
func (o *Outbox) BuildCreate(account *domain.Account, note *domain.Note, rec Recipients) map[string]interface{} {
	activity := o.envelope(KindCreate, account, rec, o.noteObject(account, note, rec))
	activity["published"] = note.CreatedAt.Format(time.RFC3339)
	return activity
}

func (o *Outbox) BuildUpdateNote(account *domain.Account, note *domain.Note, rec Recipients) map[string]interface{} {
	return o.envelope(KindUpdate, account, rec, o.noteObject(account, note, rec))
}

func (o *Outbox) BuildDeleteNote(account *domain.Account, noteURI string, rec Recipients) map[string]interface{} {
	return o.envelope(KindDelete, account, rec, map[string]interface{}{
		"id":   noteURI,
		"type": "Tombstone",
	})
}

func (o *Outbox) BuildLike(account *domain.Account, likeURI, noteURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       likeURI,
		"type":     "Like",
		"actor":    ActorURI(o.Host, account.Username),
		"object":   noteURI,
	}
}

func (o *Outbox) BuildAnnounce(account *domain.Account, announceURI, noteURI string, rec Recipients) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       announceURI,
		"type":     "Announce",
		"actor":    ActorURI(o.Host, account.Username),
		"to":       rec.To,
		"cc":       rec.CC,
		"object":   noteURI,
	}
}

// BuildUndo wraps a previously sent activity. The inner activity keeps
// its original id so the receiver can locate what to revert.
func (o *Outbox) BuildUndo(account *domain.Account, inner map[string]interface{}) map[string]interface{} {
	delete(inner, "@context")
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       NewActivityID(o.Host),
		"type":     "Undo",
		"actor":    ActorURI(o.Host, account.Username),
		"object":   inner,
	}
}

func (o *Outbox) BuildFollow(account *domain.Account, followURI, targetActorURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       followURI,
		"type":     "Follow",
		"actor":    ActorURI(o.Host, account.Username),
		"object":   targetActorURI,
	}
}

// BuildAccept and BuildReject answer an inbound Follow; the embedded
// object echoes the original Follow so the sender can match it.
func (o *Outbox) BuildAccept(account *domain.Account, followURI, followerURI string) map[string]interface{} {
	return o.followResponse(KindAccept, account, followURI, followerURI)
}

func (o *Outbox) BuildReject(account *domain.Account, followURI, followerURI string) map[string]interface{} {
	return o.followResponse(KindReject, account, followURI, followerURI)
}

func (o *Outbox) followResponse(kind Kind, account *domain.Account, followURI, followerURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       NewActivityID(o.Host),
		"type":     string(kind),
		"actor":    ActorURI(o.Host, account.Username),
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  followerURI,
			"object": ActorURI(o.Host, account.Username),
		},
	}
}

func (o *Outbox) BuildUpdatePerson(account *domain.Account, rec Recipients) map[string]interface{} {
	actorURI := ActorURI(o.Host, account.Username)
	return o.envelope(KindUpdate, account, rec, map[string]interface{}{
		"id":                actorURI,
		"type":              "Person",
		"preferredUsername": account.Username,
		"name":              account.DisplayName,
		"summary":           account.Summary,
	})
}

// --- producers ---

// PublishNote validates, stores and federates a new note in one step.
// The note row and its delivery jobs commit together.
func (o *Outbox) PublishNote(account *domain.Account, content string, vis domain.Visibility, replyTarget, renoteTarget *domain.Note) (*domain.Note, error) {
	note, err := domain.NewNote(account.Id, content, vis, replyTarget, renoteTarget)
	if err != nil {
		return nil, err
	}

	err, rec := o.recipients(account, note)
	if err != nil {
		return nil, err
	}

	var activity map[string]interface{}
	if note.IsPureRenote() {
		// the boosted note's author is addressed directly
		err, author := o.DB.ReadRemoteAccountById(renoteTarget.AccountId)
		if err != nil {
			return nil, err
		}
		if author != nil {
			rec.AddDirect(author)
		}
		activity = o.BuildAnnounce(account, NewActivityID(o.Host), CanonicalNoteURI(o.Host, renoteTarget), rec)
	} else {
		activity = o.BuildCreate(account, note, rec)
	}

	if err := o.DB.CreateNoteWithDeliveries(note, o.deliveryItems(account.Id, activity, rec)); err != nil {
		return nil, err
	}
	o.logActivity(activity)

	if replyTarget != nil {
		o.notifyNoteAuthor(replyTarget, domain.NotificationReplied, ActorURI(o.Host, account.Username), &note.Id)
	}
	if renoteTarget != nil {
		o.notifyNoteAuthor(renoteTarget, domain.NotificationRenoted, ActorURI(o.Host, account.Username), &renoteTarget.Id)
	}
	return note, nil
}

// EditNote updates a local note's content and federates an Update to
// the note's original audience.
func (o *Outbox) EditNote(account *domain.Account, note *domain.Note, content string) error {
	if note.AccountId != account.Id {
		return fmt.Errorf("note %s does not belong to %s", note.Id, account.Username)
	}
	now := time.Now()
	note.Content = content
	note.EditedAt = &now

	err, rec := o.recipients(account, note)
	if err != nil {
		return err
	}
	activity := o.BuildUpdateNote(account, note, rec)
	if err := o.DB.UpdateNoteWithDeliveries(note.Id, content, now, o.deliveryItems(account.Id, activity, rec)); err != nil {
		return err
	}
	o.logActivity(activity)
	return nil
}

// DeleteNote tombstones a local note and federates the Delete.
func (o *Outbox) DeleteNote(account *domain.Account, note *domain.Note) error {
	if note.AccountId != account.Id {
		return fmt.Errorf("note %s does not belong to %s", note.Id, account.Username)
	}
	err, rec := o.recipients(account, note)
	if err != nil {
		return err
	}
	activity := o.BuildDeleteNote(account, NoteURI(o.Host, note.Id), rec)
	if err := o.DB.SoftDeleteNoteWithDeliveries(note.Id, time.Now(), o.deliveryItems(account.Id, activity, rec)); err != nil {
		return err
	}
	o.logActivity(activity)
	return nil
}

// LikeNote records a like and delivers it to the note author's server.
// Liking twice is a no-op.
func (o *Outbox) LikeNote(account *domain.Account, note *domain.Note) error {
	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: account.Id,
		NoteId:    note.Id,
		URI:       NewActivityID(o.Host),
		CreatedAt: time.Now(),
	}
	activity := o.BuildLike(account, like.URI, CanonicalNoteURI(o.Host, note))

	err, items := o.authorDeliveryItems(account.Id, note, activity)
	if err != nil {
		return err
	}
	if err := o.DB.CreateLikeWithDeliveries(like, items); err != nil {
		return err
	}
	o.logActivity(activity)
	return nil
}

// UnlikeNote removes a like and federates the Undo. Unliking a note
// that was never liked is a no-op.
func (o *Outbox) UnlikeNote(account *domain.Account, note *domain.Note) error {
	err, like := o.DB.ReadLikeByPair(account.Id, note.Id)
	if err != nil {
		return err
	}
	if like == nil {
		return nil
	}

	inner := o.BuildLike(account, like.URI, CanonicalNoteURI(o.Host, note))
	activity := o.BuildUndo(account, inner)

	err, items := o.authorDeliveryItems(account.Id, note, activity)
	if err != nil {
		return err
	}
	if err := o.DB.DeleteLikeWithDeliveries(account.Id, note.Id, items); err != nil {
		return err
	}
	o.logActivity(activity)
	return nil
}

// UnrenoteNote retracts a boost: the pure renote row is removed and an
// Undo Announce goes out to the original audience.
func (o *Outbox) UnrenoteNote(account *domain.Account, target *domain.Note) error {
	err, renote := o.DB.ReadRenoteByPair(account.Id, target.Id)
	if err != nil {
		return err
	}
	if renote == nil {
		return nil
	}

	err, rec := o.recipients(account, renote)
	if err != nil {
		return err
	}
	inner := o.BuildAnnounce(account, NoteURI(o.Host, renote.Id), CanonicalNoteURI(o.Host, target), rec)
	activity := o.BuildUndo(account, inner)

	if err := o.DB.HardDeleteNoteWithDeliveries(renote.Id, o.deliveryItems(account.Id, activity, rec)); err != nil {
		return err
	}
	o.logActivity(activity)
	return nil
}

// UpdateProfile persists profile changes and pushes an Update Person
// to all followers.
func (o *Outbox) UpdateProfile(account *domain.Account) error {
	if err := o.DB.UpdateAccountProfile(account); err != nil {
		return err
	}

	err, followers := remoteFollowers(o.DB, account.Id)
	if err != nil {
		return err
	}
	rec := BuildRecipients(domain.VisibilityPublic, FollowersURI(o.Host, account.Username), followers, nil)
	activity := o.BuildUpdatePerson(account, rec)
	if err := o.DB.EnqueueDeliveries(o.deliveryItems(account.Id, activity, rec)); err != nil {
		return err
	}
	o.logActivity(activity)
	return nil
}

// --- helpers ---

func (o *Outbox) recipients(account *domain.Account, note *domain.Note) (error, Recipients) {
	return ComputeRecipients(o.DB, account.Id, FollowersURI(o.Host, account.Username), note)
}

func (o *Outbox) deliveryItems(signerId uuid.UUID, activity map[string]interface{}, rec Recipients) []domain.DeliveryQueueItem {
	payload := mustMarshal(activity)
	now := time.Now()
	items := make([]domain.DeliveryQueueItem, 0, len(rec.Inboxes))
	for _, addr := range rec.Inboxes {
		items = append(items, domain.DeliveryQueueItem{
			Id:               uuid.New(),
			InboxURI:         addr.InboxURI,
			SigningAccountId: signerId,
			ActivityJSON:     payload,
			Attempts:         0,
			NextRetryAt:      now,
			CreatedAt:        now,
		})
	}
	return items
}

// authorDeliveryItems targets just the note author's inbox; nothing to
// deliver when the author is local.
func (o *Outbox) authorDeliveryItems(signerId uuid.UUID, note *domain.Note, activity map[string]interface{}) (error, []domain.DeliveryQueueItem) {
	err, author := o.DB.ReadRemoteAccountById(note.AccountId)
	if err != nil {
		return err, nil
	}
	if author == nil {
		return nil, nil
	}
	rec := Recipients{Inboxes: []Addressee{{ActorURI: author.ActorURI, InboxURI: author.BestInbox()}}}
	return nil, o.deliveryItems(signerId, activity, rec)
}

// notifyNoteAuthor records a notification when the note's author is a
// local account.
func (o *Outbox) notifyNoteAuthor(note *domain.Note, kind domain.NotificationKind, actorURI string, noteId *uuid.UUID) {
	err, author := o.DB.ReadAccById(note.AccountId)
	if err != nil || author == nil {
		return
	}
	n := &domain.Notification{
		Id:        uuid.New(),
		AccountId: author.Id,
		Kind:      kind,
		ActorURI:  actorURI,
		NoteId:    noteId,
		CreatedAt: time.Now(),
	}
	if err := o.DB.CreateNotification(n); err != nil {
		slog.Warn("failed to record notification", "kind", kind, "err", err)
	}
}

// logActivity records an outbound activity in the activity log. Log
// trouble never fails the user-facing operation.
func (o *Outbox) logActivity(activity map[string]interface{}) {
	id, _ := activity["id"].(string)
	kind, _ := activity["type"].(string)
	actor, _ := activity["actor"].(string)
	objectURI := ""
	switch obj := activity["object"].(type) {
	case string:
		objectURI = obj
	case map[string]interface{}:
		objectURI, _ = obj["id"].(string)
	}

	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  id,
		ActivityType: kind,
		ActorURI:     actor,
		ObjectURI:    objectURI,
		RawJSON:      mustMarshal(activity),
		Processed:    true,
		CreatedAt:    time.Now(),
		Local:        true,
	}
	if err := o.DB.CreateActivity(record); err != nil {
		slog.Warn("failed to log outbound activity", "uri", id, "err", err)
	}
}

func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}
