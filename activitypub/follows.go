package activitypub

import (
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

// Follows drives the follow lifecycle on both sides of the wire:
// outbound requests from local users and inbound Follow / Accept /
// Reject / Undo handling. Edges are pending until accepted; only
// accepted edges feed addressing and visibility.
type Follows struct {
	DB         *db.DB
	Outbox     *Outbox
	AutoAccept bool
}

func NewFollows(d *db.DB, outbox *Outbox, autoAccept bool) *Follows {
	return &Follows{DB: d, Outbox: outbox, AutoAccept: autoAccept}
}

// RequestFollow starts a follow from a local account to a remote
// actor. Requesting an already pending or accepted follow returns the
// existing edge untouched.
func (f *Follows) RequestFollow(account *domain.Account, target *domain.RemoteAccount) (*domain.Follow, error) {
	err, existing := f.DB.ReadFollowByPair(account.Id, target.Id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       account.Id,
		TargetAccountId: target.Id,
		URI:             NewActivityID(f.Outbox.Host),
		CreatedAt:       time.Now(),
		Accepted:        false,
	}

	activity := f.Outbox.BuildFollow(account, follow.URI, target.ActorURI)
	items := f.inboxItems(account.Id, target, activity)
	if err := f.DB.CreateFollowWithDeliveries(follow, items); err != nil {
		return nil, err
	}
	f.Outbox.logActivity(activity)
	return follow, nil
}

// Unfollow removes a local account's follow edge and retracts it with
// an Undo. Unfollowing someone not followed is a no-op.
func (f *Follows) Unfollow(account *domain.Account, target *domain.RemoteAccount) error {
	err, follow := f.DB.ReadFollowByPair(account.Id, target.Id)
	if err != nil {
		return err
	}
	if follow == nil {
		return nil
	}

	inner := f.Outbox.BuildFollow(account, follow.URI, target.ActorURI)
	activity := f.Outbox.BuildUndo(account, inner)
	items := f.inboxItems(account.Id, target, activity)
	if err := f.DB.DeleteFollowWithDeliveries(follow.Id, items); err != nil {
		return err
	}
	f.Outbox.logActivity(activity)
	return nil
}

// ReceiveFollow handles an inbound Follow on a local account. The edge
// is stored pending; with auto-accept on, it is accepted in the same
// breath and the Accept is queued for delivery. Re-sent Follows reuse
// the existing edge and re-queue the Accept so a lost response heals.
func (f *Follows) ReceiveFollow(remote *domain.RemoteAccount, target *domain.Account, followURI string) error {
	err, existing := f.DB.ReadFollowByPair(remote.Id, target.Id)
	if err != nil {
		return receiveError("follow", err)
	}

	if existing == nil {
		follow := &domain.Follow{
			Id:              uuid.New(),
			AccountId:       remote.Id,
			TargetAccountId: target.Id,
			URI:             followURI,
			CreatedAt:       time.Now(),
			Accepted:        false,
		}
		if err := f.DB.CreateFollow(follow); err != nil {
			return receiveError("follow", err)
		}
		existing = follow
	}

	if !f.AutoAccept {
		if !existing.Accepted {
			f.notify(target.Id, domain.NotificationFollowRequested, remote.ActorURI)
		}
		return nil
	}

	activity := f.Outbox.BuildAccept(target, followURI, remote.ActorURI)
	items := f.inboxItems(target.Id, remote, activity)
	if err := f.DB.AcceptFollowWithDeliveries(existing.Id, items); err != nil {
		return receiveError("follow accept", err)
	}
	f.Outbox.logActivity(activity)
	f.notify(target.Id, domain.NotificationFollowed, remote.ActorURI)
	return nil
}

// AcceptFollow manually accepts a pending inbound follow request.
func (f *Follows) AcceptFollow(account *domain.Account, follow *domain.Follow) error {
	err, remote := f.DB.ReadRemoteAccountById(follow.AccountId)
	if err != nil {
		return err
	}
	if remote == nil {
		// purely local edge, nothing to federate
		return f.DB.AcceptFollowByPair(follow.AccountId, follow.TargetAccountId)
	}

	activity := f.Outbox.BuildAccept(account, follow.URI, remote.ActorURI)
	items := f.inboxItems(account.Id, remote, activity)
	if err := f.DB.AcceptFollowWithDeliveries(follow.Id, items); err != nil {
		return err
	}
	f.Outbox.logActivity(activity)
	f.notify(account.Id, domain.NotificationFollowed, remote.ActorURI)
	return nil
}

// RejectFollow declines a pending inbound follow request and removes
// the edge.
func (f *Follows) RejectFollow(account *domain.Account, follow *domain.Follow) error {
	err, remote := f.DB.ReadRemoteAccountById(follow.AccountId)
	if err != nil {
		return err
	}
	if remote == nil {
		return f.DB.DeleteFollowByPair(follow.AccountId, follow.TargetAccountId)
	}

	activity := f.Outbox.BuildReject(account, follow.URI, remote.ActorURI)
	items := f.inboxItems(account.Id, remote, activity)
	if err := f.DB.DeleteFollowWithDeliveries(follow.Id, items); err != nil {
		return err
	}
	f.Outbox.logActivity(activity)
	return nil
}

// ReceiveAccept handles an inbound Accept of a Follow we sent. An
// Accept for an unknown or already accepted follow is a no-op.
func (f *Follows) ReceiveAccept(followURI string, senderId uuid.UUID) error {
	err, follow := f.DB.ReadFollowByURI(followURI)
	if err != nil {
		return receiveError("accept", err)
	}
	if follow == nil || follow.TargetAccountId != senderId {
		return nil
	}
	if err := f.DB.AcceptFollowByURI(followURI); err != nil {
		return receiveError("accept", err)
	}

	err, follower := f.DB.ReadAccById(follow.AccountId)
	if err == nil && follower != nil {
		err, target := f.DB.ReadRemoteAccountById(senderId)
		if err == nil && target != nil {
			f.notify(follower.Id, domain.NotificationFollowAccepted, target.ActorURI)
		}
	}
	return nil
}

// ReceiveReject handles an inbound Reject of a Follow we sent: the
// pending edge is dropped.
func (f *Follows) ReceiveReject(followURI string, senderId uuid.UUID) error {
	err, follow := f.DB.ReadFollowByURI(followURI)
	if err != nil {
		return receiveError("reject", err)
	}
	if follow == nil || follow.TargetAccountId != senderId {
		return nil
	}
	if err := f.DB.DeleteFollowByURI(followURI); err != nil {
		return receiveError("reject", err)
	}
	return nil
}

// ReceiveUndoFollow handles a remote follower retracting their follow.
func (f *Follows) ReceiveUndoFollow(followURI string, senderId uuid.UUID) error {
	err, follow := f.DB.ReadFollowByURI(followURI)
	if err != nil {
		return receiveError("undo follow", err)
	}
	if follow == nil || follow.AccountId != senderId {
		return nil
	}
	if err := f.DB.DeleteFollowByURI(followURI); err != nil {
		return receiveError("undo follow", err)
	}
	return nil
}

func (f *Follows) inboxItems(signerId uuid.UUID, remote *domain.RemoteAccount, activity map[string]interface{}) []domain.DeliveryQueueItem {
	rec := Recipients{Inboxes: []Addressee{{ActorURI: remote.ActorURI, InboxURI: remote.InboxURI}}}
	return f.Outbox.deliveryItems(signerId, activity, rec)
}

func (f *Follows) notify(accountId uuid.UUID, kind domain.NotificationKind, actorURI string) {
	n := &domain.Notification{
		Id:        uuid.New(),
		AccountId: accountId,
		Kind:      kind,
		ActorURI:  actorURI,
		CreatedAt: time.Now(),
	}
	// best effort, same as the outbox side
	_ = f.DB.CreateNotification(n)
}
