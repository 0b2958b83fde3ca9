package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated user. A DeletedAt marker
// tombstones the entry when the origin sent Delete(actor); the row is
// kept so notes and likes stay attributable.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
	DeletedAt      *time.Time
}

// BestInbox prefers the shared inbox over the personal one for fanout.
func (acc *RemoteAccount) BestInbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

// Follow represents a follow relationship: AccountId follows
// TargetAccountId. Accepted=false is a pending request; only accepted
// edges feed addressing and visibility.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower, local or remote
	TargetAccountId uuid.UUID // the followee, local or remote
	URI             string    // Follow activity URI (empty for purely local edges)
	CreatedAt       time.Time
	Accepted        bool
}

// Like represents a like/favorite on a note
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string // Like activity URI
	CreatedAt time.Time
}

// Activity is the log record of an activity this server has seen, local
// or inbound. The unique ActivityURI is the dedup anchor for redelivery.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem is one (activity, signing actor, inbox) job awaiting
// outbound delivery.
type DeliveryQueueItem struct {
	Id               uuid.UUID
	InboxURI         string
	SigningAccountId uuid.UUID
	ActivityJSON     string
	Attempts         int
	NextRetryAt      time.Time
	CreatedAt        time.Time
}

// NotificationKind tags the Notification union.
type NotificationKind string

const (
	NotificationFollowed        NotificationKind = "followed"
	NotificationFollowRequested NotificationKind = "follow_requested"
	NotificationFollowAccepted  NotificationKind = "follow_accepted"
	NotificationReplied         NotificationKind = "replied"
	NotificationMentioned       NotificationKind = "mentioned"
	NotificationRenoted         NotificationKind = "renoted"
)

// Notification is a user-facing event record. Never federated.
type Notification struct {
	Id        uuid.UUID
	AccountId uuid.UUID // recipient, always local
	Kind      NotificationKind
	ActorURI  string // origin actor
	NoteId    *uuid.UUID
	CreatedAt time.Time
	ReadAt    *time.Time
}
