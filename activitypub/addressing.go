package activitypub

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_]+)@([a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})`)

// Mention is one parsed @user@domain reference.
type Mention struct {
	Username string
	Domain   string
}

// ParseMentions extracts @user@domain handles from note text, in order
// of first appearance, deduplicated case-insensitively.
func ParseMentions(content string) []Mention {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool)
	var mentions []Mention
	for _, m := range matches {
		key := strings.ToLower(m[1]) + "@" + strings.ToLower(m[2])
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, Mention{Username: m[1], Domain: m[2]})
	}
	return mentions
}

// Addressee is one remote account that should receive an activity,
// carried together with its preferred inbox.
type Addressee struct {
	ActorURI string
	InboxURI string
	// Mentioned marks addressees picked up from the note text rather
	// than the follower graph.
	Mentioned bool
}

// Recipients is the addressing result for one activity: the wire
// to/cc audience plus the concrete set of inboxes to deliver to.
type Recipients struct {
	To      []string
	CC      []string
	Inboxes []Addressee
}

// BuildRecipients maps a note's visibility onto its wire audience and
// inbox set. Mentioned actors always ride in to; followersURI is the
// author's own followers collection.
//
//	public:   to [Public + mentions], cc [followers]
//	unlisted: to [mentions], cc [Public + followers]
//	follower: to [followers + mentions], cc []
//	private:  to [mentions], cc []
//
// Followers always receive the note in their inboxes except for
// private notes, which go to mentioned accounts only. Inboxes are
// deduplicated first-seen wins, so a mentioned follower keeps its
// mention flag when the mention was seen first.
func BuildRecipients(vis domain.Visibility, followersURI string, followers []domain.RemoteAccount, mentioned []domain.RemoteAccount) Recipients {
	var r Recipients

	mentionURIs := make([]string, 0, len(mentioned))
	for _, m := range mentioned {
		mentionURIs = append(mentionURIs, m.ActorURI)
	}

	switch vis {
	case domain.VisibilityPublic:
		r.To = append([]string{PublicMarker}, mentionURIs...)
		r.CC = []string{followersURI}
	case domain.VisibilityUnlisted:
		r.To = mentionURIs
		r.CC = []string{PublicMarker, followersURI}
	case domain.VisibilityFollower:
		r.To = append([]string{followersURI}, mentionURIs...)
		r.CC = nil
	case domain.VisibilityPrivate:
		r.To = mentionURIs
		r.CC = nil
	}

	seen := make(map[string]bool)
	add := func(acc *domain.RemoteAccount, viaMention bool) {
		inbox := acc.BestInbox()
		if inbox == "" || seen[inbox] {
			return
		}
		seen[inbox] = true
		r.Inboxes = append(r.Inboxes, Addressee{
			ActorURI:  acc.ActorURI,
			InboxURI:  inbox,
			Mentioned: viaMention,
		})
	}

	for i := range mentioned {
		add(&mentioned[i], true)
	}
	if vis != domain.VisibilityPrivate {
		for i := range followers {
			add(&followers[i], false)
		}
	}

	return r
}

// AddDirect folds one remote actor into the audience as a direct
// recipient: its URI joins to and its inbox joins the delivery set,
// both deduplicated.
func (r *Recipients) AddDirect(acc *domain.RemoteAccount) {
	inTo := false
	for _, uri := range r.To {
		if uri == acc.ActorURI {
			inTo = true
			break
		}
	}
	if !inTo {
		r.To = append(r.To, acc.ActorURI)
	}

	target := acc.BestInbox()
	if target == "" {
		return
	}
	for _, a := range r.Inboxes {
		if a.InboxURI == target {
			return
		}
	}
	r.Inboxes = append(r.Inboxes, Addressee{ActorURI: acc.ActorURI, InboxURI: target})
}

// ComputeRecipients loads the author's accepted remote followers and
// resolves the note's mentions from the remote account cache, then
// addresses the note. Mentions of unknown accounts are skipped;
// resolution happens at publish time, not here.
func ComputeRecipients(d *db.DB, authorId uuid.UUID, followersURI string, note *domain.Note) (error, Recipients) {
	err, followers := remoteFollowers(d, authorId)
	if err != nil {
		return err, Recipients{}
	}

	var mentioned []domain.RemoteAccount
	for _, m := range ParseMentions(note.Content) {
		err, acc := d.ReadRemoteAccountByHandle(m.Username, m.Domain)
		if err != nil {
			return err, Recipients{}
		}
		if acc != nil {
			mentioned = append(mentioned, *acc)
		}
	}

	return nil, BuildRecipients(note.Visibility, followersURI, followers, mentioned)
}

// remoteFollowers resolves the accepted follow edges on a local account
// into their cached remote accounts. Local followers have no inbox and
// are dropped.
func remoteFollowers(d *db.DB, targetId uuid.UUID) (error, []domain.RemoteAccount) {
	err, follows := d.ReadFollowersByTargetId(targetId)
	if err != nil {
		return err, nil
	}
	var accounts []domain.RemoteAccount
	for _, f := range *follows {
		err, acc := d.ReadRemoteAccountById(f.AccountId)
		if err != nil {
			return err, nil
		}
		if acc != nil {
			accounts = append(accounts, *acc)
		}
	}
	return nil, accounts
}
