package activitypub

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
)

// actorCacheTTL controls how long a cached remote actor is trusted
// before a resolution re-fetches it.
const actorCacheTTL = 24 * time.Hour

// Resolver turns actor and object URIs into local rows, fetching and
// caching remote actors on the way. The HTTP client is injectable so
// tests can point it at a local server.
type Resolver struct {
	DB     *db.DB
	Client *http.Client
	Host   string
}

func NewResolver(d *db.DB, host string) *Resolver {
	return &Resolver{DB: d, Client: NewFederationClient(), Host: host}
}

// ResolvedActor is the outcome of actor resolution: exactly one of
// Local or Remote is set.
type ResolvedActor struct {
	Local  *domain.Account
	Remote *domain.RemoteAccount
}

// AccountId returns the resolved actor's local row id.
func (r *ResolvedActor) AccountId() uuid.UUID {
	if r.Local != nil {
		return r.Local.Id
	}
	return r.Remote.Id
}

// ActorURI returns the resolved actor's canonical URI.
func (r *ResolvedActor) ActorURI(host string) string {
	if r.Local != nil {
		return ActorURI(host, r.Local.Username)
	}
	return r.Remote.ActorURI
}

// ResolveActor resolves an actor URI to a local account or a cached
// remote account, fetching the remote actor when the cache entry is
// missing or older than actorCacheTTL. A stale entry whose re-fetch
// fails is treated as a miss, never served.
func (r *Resolver) ResolveActor(actorURI string) (*ResolvedActor, error) {
	if username, ok := r.localUsername(actorURI); ok {
		err, acc := r.DB.ReadAccByUsername(username)
		if err != nil {
			return nil, &ResolutionError{Ref: actorURI, Err: err}
		}
		if acc == nil {
			return nil, resolutionErrorf(actorURI, "no such local user %q", username)
		}
		return &ResolvedActor{Local: acc}, nil
	}

	err, cached := r.DB.ReadRemoteAccountByURI(actorURI)
	if err != nil {
		return nil, &ResolutionError{Ref: actorURI, Err: err}
	}
	// a tombstoned entry is a cache miss; only a successful refetch
	// from the origin resurrects it
	if cached != nil && cached.DeletedAt == nil && time.Since(cached.LastFetchedAt) < actorCacheTTL {
		return &ResolvedActor{Remote: cached}, nil
	}

	fetched, ferr := r.FetchRemoteActor(actorURI)
	if ferr != nil {
		return nil, ferr
	}
	return &ResolvedActor{Remote: fetched}, nil
}

// FetchRemoteActor fetches an actor document from a remote server and
// upserts it into the cache.
func (r *Resolver) FetchRemoteActor(actorURI string) (*domain.RemoteAccount, error) {
	body, err := fetchActivityJSON(r.Client, actorURI)
	if err != nil {
		metrics.ActorFetches.WithLabelValues("failed").Inc()
		return nil, &ResolutionError{Ref: actorURI, Err: err}
	}

	var actor PersonObject
	if err := json.Unmarshal(body, &actor); err != nil {
		metrics.ActorFetches.WithLabelValues("invalid").Inc()
		return nil, &ResolutionError{Ref: actorURI, Err: err}
	}
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		metrics.ActorFetches.WithLabelValues("invalid").Inc()
		return nil, resolutionErrorf(actorURI, "actor missing required fields")
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		metrics.ActorFetches.WithLabelValues("invalid").Inc()
		return nil, &ResolutionError{Ref: actorURI, Err: err}
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		FollowersURI:   actor.Followers,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		LastFetchedAt:  time.Now(),
	}

	if err := r.DB.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, &ResolutionError{Ref: actorURI, Err: err}
	}
	metrics.ActorFetches.WithLabelValues("fetched").Inc()
	return remoteAcc, nil
}

// ResolveHandle resolves a @user@domain handle via webfinger, then
// resolves the discovered actor URI.
func (r *Resolver) ResolveHandle(username, domainName string) (*domain.RemoteAccount, error) {
	handle := username + "@" + domainName

	err, cached := r.DB.ReadRemoteAccountByHandle(username, domainName)
	if err != nil {
		return nil, &ResolutionError{Ref: handle, Err: err}
	}
	if cached != nil && cached.DeletedAt == nil && time.Since(cached.LastFetchedAt) < actorCacheTTL {
		return cached, nil
	}

	finger := "https://" + domainName + "/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:"+handle)
	body, ferr := fetchActivityJSON(r.Client, finger)
	if ferr != nil {
		return nil, &ResolutionError{Ref: handle, Err: ferr}
	}

	var wf struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, &ResolutionError{Ref: handle, Err: err}
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && link.Href != "" {
			return r.FetchRemoteActor(link.Href)
		}
	}
	return nil, resolutionErrorf(handle, "webfinger response has no self link")
}

// ResolveNote resolves a note URI to a stored row. Local note URIs
// carry the row id directly and are never fetched; a remote URI we
// have not stored yet is fetched from its origin and cached. Storage
// failures surface as receive errors so callers retry instead of
// treating them as a miss.
func (r *Resolver) ResolveNote(noteURI string) (*domain.Note, error) {
	prefix := "https://" + r.Host + "/notes/"
	if strings.HasPrefix(noteURI, prefix) {
		noteId, perr := uuid.Parse(strings.TrimPrefix(noteURI, prefix))
		if perr != nil {
			return nil, &ResolutionError{Ref: noteURI, Err: perr}
		}
		err, note := r.DB.ReadNoteById(noteId)
		if err != nil {
			return nil, receiveError("resolve note", err)
		}
		if note == nil {
			return nil, resolutionErrorf(noteURI, "unknown note")
		}
		return note, nil
	}

	err, note := r.DB.ReadNoteByURI(noteURI)
	if err != nil {
		return nil, receiveError("resolve note", err)
	}
	if note != nil {
		return note, nil
	}
	return r.fetchRemoteNote(noteURI)
}

// remoteNotePolicy strips markup from fetched note content the same
// way the inbound processor does.
var remoteNotePolicy = bluemonday.UGCPolicy()

// fetchRemoteNote fetches a note object from its origin, resolves its
// author and caches it under the origin's canonical id.
func (r *Resolver) fetchRemoteNote(noteURI string) (*domain.Note, error) {
	body, err := fetchActivityJSON(r.Client, noteURI)
	if err != nil {
		return nil, &ResolutionError{Ref: noteURI, Err: err}
	}

	var obj NoteObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &ResolutionError{Ref: noteURI, Err: err}
	}
	if obj.ID == "" || obj.AttributedTo == "" {
		return nil, resolutionErrorf(noteURI, "fetched object is not a note")
	}

	resolved, err := r.ResolveActor(obj.AttributedTo)
	if err != nil {
		return nil, err
	}
	if resolved.Remote == nil {
		return nil, resolutionErrorf(noteURI, "remote note attributed to local actor %s", obj.AttributedTo)
	}
	author := resolved.Remote

	// the origin may answer under a different canonical id
	if obj.ID != noteURI {
		err, existing := r.DB.ReadNoteByURI(obj.ID)
		if err != nil {
			return nil, receiveError("resolve note", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	note := &domain.Note{
		Id:         uuid.New(),
		AccountId:  author.Id,
		URI:        obj.ID,
		Content:    remoteNotePolicy.Sanitize(obj.Content),
		Visibility: VisibilityFromAudience(obj.To, obj.CC, author.FollowersURI),
		CreatedAt:  time.Now(),
	}
	if t, perr := time.Parse(time.RFC3339, obj.Published); perr == nil {
		note.CreatedAt = t
	}
	if err := r.DB.CreateNote(note); err != nil {
		return nil, receiveError("resolve note", err)
	}
	return note, nil
}

// localUsername reports whether the URI names a user on this host and
// extracts the username.
func (r *Resolver) localUsername(actorURI string) (string, bool) {
	prefix := "https://" + r.Host + "/users/"
	if !strings.HasPrefix(actorURI, prefix) {
		return "", false
	}
	username := strings.TrimPrefix(actorURI, prefix)
	if username == "" || strings.Contains(username, "/") {
		return "", false
	}
	return strings.ToLower(username), true
}

func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", err
	}
	return parsed.Host, nil
}
