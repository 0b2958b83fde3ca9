package activitypub

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/domain"
)

func actorDocument(actorURI, username, pubPEM string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "Person",
		"preferredUsername": %q,
		"name": "Fetched Bob",
		"inbox": %q,
		"endpoints": {"sharedInbox": %q},
		"publicKey": {"id": %q, "owner": %q, "publicKeyPem": %q}
	}`, actorURI, username, actorURI+"/inbox", "https://remote.example/inbox",
		actorURI+"#main-key", actorURI, pubPEM)
}

func TestResolveActorLocal(t *testing.T) {
	env := newTestEnv(t, true)
	alice := createTestAccount(t, env.db, "alice")

	resolved, err := env.resolver.ResolveActor(ActorURI(testHost, "alice"))
	if err != nil {
		t.Fatalf("Failed to resolve local actor: %v", err)
	}
	if resolved.Local == nil || resolved.Remote != nil {
		t.Fatal("Expected local resolution")
	}
	if resolved.AccountId() != alice.Id {
		t.Error("Expected resolved id to match the account")
	}
	if resolved.ActorURI(testHost) != ActorURI(testHost, "alice") {
		t.Errorf("Unexpected canonical URI %q", resolved.ActorURI(testHost))
	}

	if _, err := env.resolver.ResolveActor(ActorURI(testHost, "nobody")); err == nil {
		t.Error("Expected resolution failure for unknown local user")
	}
}

func TestResolveActorServesFreshCache(t *testing.T) {
	env := newTestEnv(t, true)
	bob := createTestRemoteAccount(t, env.db, "bob", "")

	// no Client wired: any fetch attempt would panic, so success here
	// proves the cache alone answered
	resolved, err := env.resolver.ResolveActor(bob.ActorURI)
	if err != nil {
		t.Fatalf("Failed to resolve cached actor: %v", err)
	}
	if resolved.Remote == nil || resolved.Remote.Id != bob.Id {
		t.Error("Expected cached remote account")
	}
}

func TestResolveActorRefetchesStaleEntry(t *testing.T) {
	env := newTestEnv(t, true)
	_, pub, _ := testKeyPEMs(t)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorURI := srv.URL + "/users/bob"
		w.Header().Set("Content-Type", contentTypeActivity)
		fmt.Fprint(w, actorDocument(actorURI, "bob", pub))
	}))
	defer srv.Close()
	env.resolver.Client = srv.Client()

	actorURI := srv.URL + "/users/bob"
	stale := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "old key",
		LastFetchedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := env.db.UpsertRemoteAccount(stale); err != nil {
		t.Fatalf("Failed to seed stale cache entry: %v", err)
	}

	resolved, err := env.resolver.ResolveActor(actorURI)
	if err != nil {
		t.Fatalf("Failed to resolve stale actor: %v", err)
	}
	if resolved.Remote == nil || resolved.Remote.PublicKeyPem != pub {
		t.Error("Expected refreshed key from the origin server")
	}
	if resolved.Remote.DisplayName != "Fetched Bob" {
		t.Errorf("Expected refreshed profile, got %q", resolved.Remote.DisplayName)
	}
}

func TestResolveActorStaleRefetchFailure(t *testing.T) {
	env := newTestEnv(t, true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	env.resolver.Client = srv.Client()

	actorURI := srv.URL + "/users/bob"
	stale := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "old key",
		LastFetchedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := env.db.UpsertRemoteAccount(stale); err != nil {
		t.Fatalf("Failed to seed stale cache entry: %v", err)
	}

	// a stale entry whose origin is down is an error, never served
	if _, err := env.resolver.ResolveActor(actorURI); err == nil {
		t.Error("Expected resolution failure when refetch fails")
	}
}

func TestResolveActorSkipsTombstonedEntry(t *testing.T) {
	env := newTestEnv(t, true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()
	env.resolver.Client = srv.Client()

	actorURI := srv.URL + "/users/bob"
	deletedAt := time.Now()
	entry := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "old key",
		LastFetchedAt: time.Now(),
		DeletedAt:     &deletedAt,
	}
	if err := env.db.CreateRemoteAccount(entry); err != nil {
		t.Fatalf("Failed to seed tombstoned entry: %v", err)
	}

	// fresh but tombstoned: never served from the cache, and the origin
	// answering 410 keeps it dead
	if _, err := env.resolver.ResolveActor(actorURI); err == nil {
		t.Error("Expected tombstoned actor to fail resolution")
	}
}

func TestFetchRemoteActorRejectsIncompleteDocument(t *testing.T) {
	env := newTestEnv(t, true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeActivity)
		fmt.Fprint(w, `{"id": "https://remote.example/users/bob", "type": "Person"}`)
	}))
	defer srv.Close()
	env.resolver.Client = srv.Client()

	if _, err := env.resolver.FetchRemoteActor(srv.URL + "/users/bob"); err == nil {
		t.Error("Expected failure for actor document without inbox and key")
	}
}

func TestResolveNoteLocalAndRemote(t *testing.T) {
	env := newTestEnv(t, true)
	alice := createTestAccount(t, env.db, "alice")
	bob := createTestRemoteAccount(t, env.db, "bob", "")

	local, _ := domain.NewNote(alice.Id, "local note", domain.VisibilityPublic, nil, nil)
	if err := env.db.CreateNote(local); err != nil {
		t.Fatalf("Failed to create local note: %v", err)
	}
	remote, _ := domain.NewNote(bob.Id, "remote note", domain.VisibilityPublic, nil, nil)
	remote.URI = "https://remote.example/notes/n1"
	if err := env.db.CreateNote(remote); err != nil {
		t.Fatalf("Failed to create remote note: %v", err)
	}

	// no Client wired: both lookups must be answered from storage
	got, err := env.resolver.ResolveNote(NoteURI(testHost, local.Id))
	if err != nil || got.Id != local.Id {
		t.Errorf("Failed to resolve local note URI: %v", err)
	}
	got, err = env.resolver.ResolveNote(remote.URI)
	if err != nil || got.Id != remote.Id {
		t.Errorf("Failed to resolve remote note URI: %v", err)
	}

	if _, err := env.resolver.ResolveNote("https://" + testHost + "/notes/" + uuid.NewString()); err == nil {
		t.Error("Expected unknown local note to fail resolution")
	}
	if _, err := env.resolver.ResolveNote("https://" + testHost + "/notes/not-a-uuid"); err == nil {
		t.Error("Expected malformed local note URI to fail resolution")
	}
}

func TestResolveNoteFetchesFromOrigin(t *testing.T) {
	env := newTestEnv(t, true)
	_, pub, _ := testKeyPEMs(t)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeActivity)
		switch r.URL.Path {
		case "/users/bob":
			fmt.Fprint(w, actorDocument(srv.URL+"/users/bob", "bob", pub))
		case "/notes/n1":
			fmt.Fprintf(w, `{
				"id": %q,
				"type": "Note",
				"attributedTo": %q,
				"content": "from afar<script>alert(1)</script>",
				"published": "2026-03-01T09:00:00Z",
				"to": [%q]
			}`, srv.URL+"/notes/n1", srv.URL+"/users/bob", PublicMarker)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	env.resolver.Client = srv.Client()

	note, err := env.resolver.ResolveNote(srv.URL + "/notes/n1")
	if err != nil {
		t.Fatalf("Failed to fetch remote note: %v", err)
	}
	if note.Content != "from afar" {
		t.Errorf("Expected sanitized content, got %q", note.Content)
	}
	if note.Visibility != domain.VisibilityPublic {
		t.Errorf("Expected public visibility, got %v", note.Visibility)
	}
	if note.CreatedAt.Year() != 2026 {
		t.Errorf("Expected published timestamp kept, got %v", note.CreatedAt)
	}

	// the author was resolved and cached on the way
	err, author := env.db.ReadRemoteAccountByURI(srv.URL + "/users/bob")
	if err != nil || author == nil {
		t.Fatalf("Expected fetched author cached, err=%v", err)
	}
	if note.AccountId != author.Id {
		t.Error("Expected note attributed to the fetched author")
	}

	// second resolution answers from the cache
	again, err := env.resolver.ResolveNote(srv.URL + "/notes/n1")
	if err != nil || again.Id != note.Id {
		t.Errorf("Expected cached note on re-resolution, err=%v", err)
	}

	// an origin that answers with garbage is a resolution failure
	if _, err := env.resolver.ResolveNote(srv.URL + "/notes/gone"); err == nil {
		t.Error("Expected resolution failure for a missing remote note")
	}
}

func TestLocalUsername(t *testing.T) {
	env := newTestEnv(t, true)

	cases := []struct {
		uri  string
		want string
		ok   bool
	}{
		{ActorURI(testHost, "alice"), "alice", true},
		{ActorURI(testHost, "Alice"), "alice", true},
		{"https://other.example/users/alice", "", false},
		{"https://" + testHost + "/users/", "", false},
		{"https://" + testHost + "/users/alice/inbox", "", false},
		{PublicMarker, "", false},
	}
	for _, tc := range cases {
		got, ok := env.resolver.localUsername(tc.uri)
		if ok != tc.ok || got != tc.want {
			t.Errorf("localUsername(%q) = %q, %v; want %q, %v", tc.uri, got, ok, tc.want, tc.ok)
		}
	}
}
