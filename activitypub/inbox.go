package activitypub

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
)

// Processor handles inbound activities: decode, resolve the sender,
// verify the HTTP signature, then apply the effect. Verification is
// pure; every handler's effect phase is idempotent so redelivery of
// the same activity is harmless.
type Processor struct {
	DB       *db.DB
	Resolver *Resolver
	Follows  *Follows
	Outbox   *Outbox

	sanitizer *bluemonday.Policy
}

func NewProcessor(d *db.DB, resolver *Resolver, follows *Follows, outbox *Outbox) *Processor {
	return &Processor{
		DB:        d,
		Resolver:  resolver,
		Follows:   follows,
		Outbox:    outbox,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// ProcessInbox runs one inbound request through the full pipeline.
// target is the addressed local account, nil for the shared inbox.
// The returned error's type tells the transport layer what status to
// answer: VerifyError and ResolutionError are the sender's problem,
// ReceiveError is ours.
func (p *Processor) ProcessInbox(req *http.Request, body []byte, target *domain.Account) error {
	act, err := ParseActivity(body)
	if err != nil {
		metrics.InboxActivities.WithLabelValues("unknown", "rejected").Inc()
		return err
	}

	remote, err := p.verifySender(req, act)
	if err != nil {
		metrics.InboxActivities.WithLabelValues(string(act.Kind), "rejected").Inc()
		return err
	}

	// Redelivery of an already processed activity is acknowledged
	// without effect. Checked only after the signature holds, so an
	// unsigned replay cannot learn which URIs we have seen.
	dberr, seen := p.DB.ReadActivityByURI(act.ID)
	if dberr != nil {
		return receiveError("dedup", dberr)
	}
	if seen != nil && seen.Processed {
		metrics.InboxActivities.WithLabelValues(string(act.Kind), "duplicate").Inc()
		return nil
	}

	if seen == nil {
		p.logInbound(act)
	}

	if err := p.dispatch(act, remote, target); err != nil {
		metrics.InboxActivities.WithLabelValues(string(act.Kind), "failed").Inc()
		return err
	}

	p.markProcessed(act.ID)
	metrics.InboxActivities.WithLabelValues(string(act.Kind), "accepted").Inc()
	return nil
}

// verifySender resolves the claimed actor and checks the request
// signature against its published key. A signature that fails against
// a cached key is retried once against a fresh fetch, since the remote
// may have rotated keys.
func (p *Processor) verifySender(req *http.Request, act *Activity) (*domain.RemoteAccount, error) {
	resolved, err := p.Resolver.ResolveActor(act.Actor)
	if err != nil {
		return nil, err
	}
	if resolved.Remote == nil {
		return nil, verifyErrorf("inbound activity claims local actor %s", act.Actor)
	}
	remote := resolved.Remote

	keyOwner, verr := VerifyRequest(req, remote.PublicKeyPem)
	if verr != nil {
		fresh, ferr := p.Resolver.FetchRemoteActor(act.Actor)
		if ferr != nil {
			return nil, verr
		}
		remote = fresh
		keyOwner, verr = VerifyRequest(req, remote.PublicKeyPem)
		if verr != nil {
			return nil, verr
		}
	}
	if keyOwner != remote.ActorURI {
		return nil, verifyErrorf("signature key owner %s does not match actor %s", keyOwner, remote.ActorURI)
	}
	return remote, nil
}

// dispatch is exhaustive over the activity kinds ParseActivity admits.
func (p *Processor) dispatch(act *Activity, remote *domain.RemoteAccount, target *domain.Account) error {
	switch act.Kind {
	case KindCreate:
		return p.receiveCreate(act, remote)
	case KindUpdate:
		return p.receiveUpdate(act, remote)
	case KindDelete:
		return p.receiveDelete(act, remote)
	case KindFollow:
		return p.receiveFollow(act, remote, target)
	case KindAccept:
		return p.receiveFollowResponse(act, remote, true)
	case KindReject:
		return p.receiveFollowResponse(act, remote, false)
	case KindLike:
		return p.receiveLike(act, remote)
	case KindAnnounce:
		return p.receiveAnnounce(act, remote)
	case KindUndo:
		return p.receiveUndo(act, remote)
	}
	return verifyErrorf("unreachable activity kind %q", act.Kind)
}

// receiveCreate stores an inbound note. The note is keyed by its
// origin URI, so a replayed Create upserts into the same row.
func (p *Processor) receiveCreate(act *Activity, remote *domain.RemoteAccount) error {
	if act.Object.Kind != ObjectNote {
		return verifyErrorf("Create carries %s, want embedded note", &act.Object)
	}
	obj := act.Object.Note
	if obj.AttributedTo != "" && obj.AttributedTo != remote.ActorURI {
		return verifyErrorf("note attributed to %s but sent by %s", obj.AttributedTo, remote.ActorURI)
	}

	err, existing := p.DB.ReadNoteByURI(obj.ID)
	if err != nil {
		return receiveError("create", err)
	}
	if existing != nil {
		return nil
	}

	note := &domain.Note{
		Id:         uuid.New(),
		AccountId:  remote.Id,
		URI:        obj.ID,
		Content:    p.sanitizer.Sanitize(obj.Content),
		Visibility: p.inboundVisibility(act, obj, remote),
		CreatedAt:  time.Now(),
	}
	if t, perr := time.Parse(time.RFC3339, obj.Published); perr == nil {
		note.CreatedAt = t
	}

	var parent *domain.Note
	if obj.InReplyTo != "" {
		resolved, rerr := p.Resolver.ResolveNote(obj.InReplyTo)
		var recvErr *ReceiveError
		if errors.As(rerr, &recvErr) {
			return rerr
		}
		// unknown or incompatible parent: keep the note, drop the
		// thread link
		if rerr == nil && note.Visibility.ReplyCompatible(resolved.Visibility) {
			note.ReplyToId = &resolved.Id
			parent = resolved
		}
	}

	if err := p.DB.CreateNote(note); err != nil {
		return receiveError("create", err)
	}

	if parent != nil {
		p.Outbox.notifyNoteAuthor(parent, domain.NotificationReplied, remote.ActorURI, &note.Id)
	}
	p.notifyMentioned(act, remote, &note.Id)
	return nil
}

// receiveUpdate edits a known note or refreshes the sender's cached
// profile. Updates for objects we never stored are dropped.
func (p *Processor) receiveUpdate(act *Activity, remote *domain.RemoteAccount) error {
	switch act.Object.Kind {
	case ObjectNote:
		obj := act.Object.Note
		err, note := p.DB.ReadNoteByURI(obj.ID)
		if err != nil {
			return receiveError("update", err)
		}
		if note == nil {
			return nil
		}
		if note.AccountId != remote.Id {
			return verifyErrorf("update of %s by non-author %s", obj.ID, remote.ActorURI)
		}
		if err := p.DB.UpdateNoteContent(note.Id, p.sanitizer.Sanitize(obj.Content), time.Now()); err != nil {
			return receiveError("update", err)
		}
		return nil

	case ObjectPerson:
		person := act.Object.Person
		if person.ID != remote.ActorURI {
			return verifyErrorf("profile update for %s sent by %s", person.ID, remote.ActorURI)
		}
		remote.DisplayName = person.Name
		remote.Summary = person.Summary
		remote.AvatarURL = person.Icon.URL
		if person.Endpoints.SharedInbox != "" {
			remote.SharedInboxURI = person.Endpoints.SharedInbox
		}
		remote.LastFetchedAt = time.Now()
		if err := p.DB.UpsertRemoteAccount(remote); err != nil {
			return receiveError("update", err)
		}
		return nil

	default:
		return verifyErrorf("Update carries %s, want note or person", &act.Object)
	}
}

// receiveDelete tombstones a known note, or, when the object is the
// actor itself, tombstones the cached account and drops its follow
// edges. The account row is kept so its notes and likes stay owned.
// Deletes of unknown objects succeed silently.
func (p *Processor) receiveDelete(act *Activity, remote *domain.RemoteAccount) error {
	objectURI := act.Object.Ref

	if objectURI == remote.ActorURI {
		if err := p.DB.DeleteFollowsByAccountId(remote.Id); err != nil {
			return receiveError("delete actor", err)
		}
		if err := p.DB.SoftDeleteRemoteAccount(remote.Id, time.Now()); err != nil {
			return receiveError("delete actor", err)
		}
		return nil
	}

	err, note := p.DB.ReadNoteByURI(objectURI)
	if err != nil {
		return receiveError("delete", err)
	}
	if note == nil {
		return nil
	}
	if note.AccountId != remote.Id {
		return verifyErrorf("delete of %s by non-author %s", objectURI, remote.ActorURI)
	}
	if err := p.DB.SoftDeleteNote(note.Id, time.Now()); err != nil {
		return receiveError("delete", err)
	}
	return nil
}

// receiveFollow routes an inbound follow request to the addressed
// local account.
func (p *Processor) receiveFollow(act *Activity, remote *domain.RemoteAccount, target *domain.Account) error {
	if act.Object.Kind != ObjectRef {
		return verifyErrorf("Follow carries %s, want actor URI", &act.Object)
	}

	username, ok := p.Resolver.localUsername(act.Object.Ref)
	if !ok {
		return verifyErrorf("Follow targets non-local actor %s", act.Object.Ref)
	}
	err, local := p.DB.ReadAccByUsername(username)
	if err != nil {
		return receiveError("follow", err)
	}
	if local == nil {
		return resolutionErrorf(act.Object.Ref, "no such local user %q", username)
	}
	if target != nil && target.Id != local.Id {
		return verifyErrorf("Follow for %s delivered to %s's inbox", act.Object.Ref, target.Username)
	}
	return p.Follows.ReceiveFollow(remote, local, act.ID)
}

// receiveFollowResponse applies an Accept or Reject of a Follow we
// sent earlier.
func (p *Processor) receiveFollowResponse(act *Activity, remote *domain.RemoteAccount, accepted bool) error {
	followURI := p.embeddedFollowURI(act)
	if followURI == "" {
		return verifyErrorf("%s carries no follow reference", act.Kind)
	}
	if accepted {
		return p.Follows.ReceiveAccept(followURI, remote.Id)
	}
	return p.Follows.ReceiveReject(followURI, remote.Id)
}

// receiveLike records a remote like on a local-or-known note. A
// repeated Like is absorbed by the unique (account, note) pair.
func (p *Processor) receiveLike(act *Activity, remote *domain.RemoteAccount) error {
	if act.Object.Kind != ObjectRef {
		return verifyErrorf("Like carries %s, want note URI", &act.Object)
	}
	note, err := p.Resolver.ResolveNote(act.Object.Ref)
	if err != nil {
		return err
	}

	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: remote.Id,
		NoteId:    note.Id,
		URI:       act.ID,
		CreatedAt: time.Now(),
	}
	if err := p.DB.CreateLike(like); err != nil {
		return receiveError("like", err)
	}
	return nil
}

// receiveAnnounce stores a remote boost as a pure renote keyed by the
// Announce URI, so redelivery is a no-op.
func (p *Processor) receiveAnnounce(act *Activity, remote *domain.RemoteAccount) error {
	if act.Object.Kind != ObjectRef {
		return verifyErrorf("Announce carries %s, want note URI", &act.Object)
	}
	target, err := p.Resolver.ResolveNote(act.Object.Ref)
	if err != nil {
		return err
	}
	if !target.Visibility.Renotable() {
		return verifyErrorf("announce of non-renotable note %s", act.Object.Ref)
	}

	err, existing := p.DB.ReadNoteByURI(act.ID)
	if err != nil {
		return receiveError("announce", err)
	}
	if existing != nil {
		return nil
	}

	renote := &domain.Note{
		Id:         uuid.New(),
		AccountId:  remote.Id,
		URI:        act.ID,
		Visibility: domain.VisibilityPublic,
		RenoteOfId: &target.Id,
		CreatedAt:  time.Now(),
	}
	if err := p.DB.CreateNote(renote); err != nil {
		return receiveError("announce", err)
	}

	p.Outbox.notifyNoteAuthor(target, domain.NotificationRenoted, remote.ActorURI, &target.Id)
	return nil
}

// receiveUndo reverts a previously received Follow, Like or Announce.
// Undo of an edge or row we never saw is a no-op, but the referenced
// note must still resolve.
func (p *Processor) receiveUndo(act *Activity, remote *domain.RemoteAccount) error {
	if act.Object.Kind != ObjectActivity {
		return verifyErrorf("Undo carries %s, want embedded activity", &act.Object)
	}
	inner := act.Object.Activity

	switch Kind(inner.Type) {
	case KindFollow:
		return p.Follows.ReceiveUndoFollow(inner.ID, remote.Id)

	case KindLike:
		note, err := p.Resolver.ResolveNote(inner.Object)
		if err != nil {
			return err
		}
		if err := p.DB.DeleteLikeByPair(remote.Id, note.Id); err != nil {
			return receiveError("undo like", err)
		}
		return nil

	case KindAnnounce:
		err, renote := p.DB.ReadNoteByURI(inner.ID)
		if err != nil {
			return receiveError("undo announce", err)
		}
		if renote == nil || renote.AccountId != remote.Id {
			return nil
		}
		if err := p.DB.HardDeleteNote(renote.Id); err != nil {
			return receiveError("undo announce", err)
		}
		return nil

	default:
		return verifyErrorf("Undo of unsupported activity type %q", inner.Type)
	}
}

// --- helpers ---

// inboundVisibility derives the local visibility from the activity and
// object audience, whichever is wider.
func (p *Processor) inboundVisibility(act *Activity, obj *NoteObject, remote *domain.RemoteAccount) domain.Visibility {
	to := append(append([]string{}, act.To...), obj.To...)
	cc := append(append([]string{}, act.CC...), obj.CC...)
	return VisibilityFromAudience(to, cc, remote.FollowersURI)
}

// notifyMentioned records a mention notification for every local user
// named in the activity audience.
func (p *Processor) notifyMentioned(act *Activity, remote *domain.RemoteAccount, noteId *uuid.UUID) {
	audience := append(append([]string{}, act.To...), act.CC...)
	for _, uri := range audience {
		username, ok := p.Resolver.localUsername(uri)
		if !ok {
			continue
		}
		err, local := p.DB.ReadAccByUsername(username)
		if err != nil || local == nil {
			continue
		}
		n := &domain.Notification{
			Id:        uuid.New(),
			AccountId: local.Id,
			Kind:      domain.NotificationMentioned,
			ActorURI:  remote.ActorURI,
			NoteId:    noteId,
			CreatedAt: time.Now(),
		}
		if err := p.DB.CreateNotification(n); err != nil {
			slog.Warn("failed to record mention notification", "actor", remote.ActorURI, "err", err)
		}
	}
}

func (p *Processor) embeddedFollowURI(act *Activity) string {
	switch act.Object.Kind {
	case ObjectActivity:
		if act.Object.Activity.Type == string(KindFollow) {
			return act.Object.Activity.ID
		}
	case ObjectRef:
		return act.Object.Ref
	}
	return ""
}

func (p *Processor) logInbound(act *Activity) {
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  act.ID,
		ActivityType: string(act.Kind),
		ActorURI:     act.Actor,
		ObjectURI:    act.Object.Ref,
		RawJSON:      string(act.Raw),
		Processed:    false,
		CreatedAt:    time.Now(),
		Local:        false,
	}
	if err := p.DB.CreateActivity(record); err != nil {
		slog.Warn("failed to log inbound activity", "uri", act.ID, "err", err)
	}
}

func (p *Processor) markProcessed(activityURI string) {
	err, record := p.DB.ReadActivityByURI(activityURI)
	if err != nil || record == nil {
		return
	}
	record.Processed = true
	if err := p.DB.UpdateActivity(record); err != nil {
		slog.Warn("failed to mark activity processed", "uri", activityURI, "err", err)
	}
}
