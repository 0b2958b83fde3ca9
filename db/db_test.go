package db

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/domain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	return d
}

func testAccount(t *testing.T, d *DB, username string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		Id:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now(),
	}
	if err := d.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to create account %s: %v", username, err)
	}
	return acc
}

func testRemoteAccount(t *testing.T, d *DB, username string) *domain.RemoteAccount {
	t.Helper()
	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      username,
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/" + username,
		InboxURI:      "https://remote.example/users/" + username + "/inbox",
		PublicKeyPem:  "---",
		LastFetchedAt: time.Now(),
	}
	if err := d.CreateRemoteAccount(acc); err != nil {
		t.Fatalf("Failed to create remote account %s: %v", username, err)
	}
	return acc
}

func TestAccountRoundTrip(t *testing.T) {
	d := testDB(t)
	acc := testAccount(t, d, "alice")

	err, got := d.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("Failed to read account: %v", err)
	}
	if got == nil || got.Id != acc.Id {
		t.Fatalf("Expected account %s, got %+v", acc.Id, got)
	}

	err, missing := d.ReadAccByUsername("nobody")
	if err != nil {
		t.Fatalf("Expected no error for missing account, got %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for missing account, got %+v", missing)
	}
}

func TestNoteLifecycle(t *testing.T) {
	d := testDB(t)
	acc := testAccount(t, d, "alice")

	note, err := domain.NewNote(acc.Id, "first note", domain.VisibilityPublic, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}
	if err := d.CreateNote(note); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}

	err, got := d.ReadNoteById(note.Id)
	if err != nil || got == nil {
		t.Fatalf("Failed to read note back: %v", err)
	}
	if got.Content != "first note" || got.Visibility != domain.VisibilityPublic {
		t.Errorf("Note round trip mismatch: %+v", got)
	}

	if err := d.UpdateNoteContent(note.Id, "edited note", time.Now()); err != nil {
		t.Fatalf("Failed to update note: %v", err)
	}
	err, got = d.ReadNoteById(note.Id)
	if err != nil || got == nil {
		t.Fatalf("Failed to re-read note: %v", err)
	}
	if got.Content != "edited note" || got.EditedAt == nil {
		t.Errorf("Expected edited content and timestamp, got %+v", got)
	}

	if err := d.SoftDeleteNote(note.Id, time.Now()); err != nil {
		t.Fatalf("Failed to soft delete note: %v", err)
	}
	err, got = d.ReadNoteById(note.Id)
	if err != nil || got == nil {
		t.Fatalf("Failed to read deleted note: %v", err)
	}
	if !got.IsDeleted() {
		t.Error("Expected note to be marked deleted")
	}

	if err := d.HardDeleteNote(note.Id); err != nil {
		t.Fatalf("Failed to hard delete note: %v", err)
	}
	err, got = d.ReadNoteById(note.Id)
	if err != nil {
		t.Fatalf("Expected no error after hard delete, got %v", err)
	}
	if got != nil {
		t.Error("Expected note to be gone after hard delete")
	}
}

func TestRemoteNoteByURI(t *testing.T) {
	d := testDB(t)
	remote := testRemoteAccount(t, d, "bob")

	note := &domain.Note{
		Id:         uuid.New(),
		AccountId:  remote.Id,
		URI:        "https://remote.example/notes/1",
		Content:    "federated note",
		Visibility: domain.VisibilityPublic,
		CreatedAt:  time.Now(),
	}
	if err := d.CreateNote(note); err != nil {
		t.Fatalf("Failed to create remote note: %v", err)
	}

	err, got := d.ReadNoteByURI("https://remote.example/notes/1")
	if err != nil || got == nil {
		t.Fatalf("Failed to read note by URI: %v", err)
	}
	if got.Id != note.Id {
		t.Errorf("Expected note %s, got %s", note.Id, got.Id)
	}
}

func TestUpsertRemoteAccountKeepsId(t *testing.T) {
	d := testDB(t)
	original := testRemoteAccount(t, d, "bob")

	refreshed := &domain.RemoteAccount{
		Id:            uuid.New(), // different id, same actor URI
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      original.ActorURI,
		InboxURI:      original.InboxURI,
		DisplayName:   "Bob!",
		PublicKeyPem:  "---",
		LastFetchedAt: time.Now(),
	}
	if err := d.UpsertRemoteAccount(refreshed); err != nil {
		t.Fatalf("Failed to upsert remote account: %v", err)
	}
	if refreshed.Id != original.Id {
		t.Errorf("Expected upsert to keep stored id %s, got %s", original.Id, refreshed.Id)
	}

	err, got := d.ReadRemoteAccountByURI(original.ActorURI)
	if err != nil || got == nil {
		t.Fatalf("Failed to read remote account: %v", err)
	}
	if got.DisplayName != "Bob!" {
		t.Errorf("Expected refreshed display name, got %q", got.DisplayName)
	}
}

func TestFollowAcceptance(t *testing.T) {
	d := testDB(t)
	alice := testAccount(t, d, "alice")
	remote := testRemoteAccount(t, d, "bob")

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: alice.Id,
		URI:             "https://remote.example/activities/f1",
		CreatedAt:       time.Now(),
	}
	if err := d.CreateFollow(follow); err != nil {
		t.Fatalf("Failed to create follow: %v", err)
	}

	// pending follows never count as followers
	err, followers := d.ReadFollowersByTargetId(alice.Id)
	if err != nil {
		t.Fatalf("Failed to read followers: %v", err)
	}
	if len(*followers) != 0 {
		t.Errorf("Expected no accepted followers, got %d", len(*followers))
	}

	if err := d.AcceptFollowByURI(follow.URI); err != nil {
		t.Fatalf("Failed to accept follow: %v", err)
	}
	err, followers = d.ReadFollowersByTargetId(alice.Id)
	if err != nil {
		t.Fatalf("Failed to read followers: %v", err)
	}
	if len(*followers) != 1 || !(*followers)[0].Accepted {
		t.Fatalf("Expected one accepted follower, got %+v", followers)
	}

	if err := d.DeleteFollowByURI(follow.URI); err != nil {
		t.Fatalf("Failed to delete follow: %v", err)
	}
	err, gone := d.ReadFollowByURI(follow.URI)
	if err != nil || gone != nil {
		t.Errorf("Expected follow to be gone, err=%v follow=%+v", err, gone)
	}
}

func TestCreateLikeIdempotent(t *testing.T) {
	d := testDB(t)
	remote := testRemoteAccount(t, d, "bob")
	noteId := uuid.New()

	like := &domain.Like{Id: uuid.New(), AccountId: remote.Id, NoteId: noteId, CreatedAt: time.Now()}
	if err := d.CreateLike(like); err != nil {
		t.Fatalf("Failed to create like: %v", err)
	}

	dup := &domain.Like{Id: uuid.New(), AccountId: remote.Id, NoteId: noteId, CreatedAt: time.Now()}
	if err := d.CreateLike(dup); err != nil {
		t.Fatalf("Expected duplicate like to be absorbed, got %v", err)
	}

	err, got := d.ReadLikeByPair(remote.Id, noteId)
	if err != nil || got == nil {
		t.Fatalf("Failed to read like: %v", err)
	}
	if got.Id != like.Id {
		t.Errorf("Expected original like row to survive, got %s", got.Id)
	}
}

func TestCreateActivityIgnoresDuplicateURI(t *testing.T) {
	d := testDB(t)

	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://remote.example/activities/a1",
		ActivityType: "Create",
		ActorURI:     "https://remote.example/users/bob",
		CreatedAt:    time.Now(),
	}
	if err := d.CreateActivity(activity); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	dup := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ActivityURI,
		ActivityType: "Create",
		ActorURI:     activity.ActorURI,
		CreatedAt:    time.Now(),
	}
	if err := d.CreateActivity(dup); err != nil {
		t.Fatalf("Expected duplicate activity URI to be absorbed, got %v", err)
	}
}

func TestDeliveryQueue(t *testing.T) {
	d := testDB(t)
	signer := uuid.New()

	due := domain.DeliveryQueueItem{
		Id:               uuid.New(),
		InboxURI:         "https://remote.example/inbox",
		SigningAccountId: signer,
		ActivityJSON:     "{}",
		NextRetryAt:      time.Now().Add(-time.Minute),
		CreatedAt:        time.Now(),
	}
	future := domain.DeliveryQueueItem{
		Id:               uuid.New(),
		InboxURI:         "https://other.example/inbox",
		SigningAccountId: signer,
		ActivityJSON:     "{}",
		NextRetryAt:      time.Now().Add(time.Hour),
		CreatedAt:        time.Now(),
	}
	if err := d.EnqueueDeliveries([]domain.DeliveryQueueItem{due, future}); err != nil {
		t.Fatalf("Failed to enqueue deliveries: %v", err)
	}

	err, pending := d.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("Failed to read pending deliveries: %v", err)
	}
	if len(*pending) != 1 || (*pending)[0].Id != due.Id {
		t.Fatalf("Expected only the due item, got %+v", pending)
	}

	retryAt := time.Now().Add(time.Minute)
	if err := d.UpdateDeliveryAttempt(due.Id, 1, retryAt); err != nil {
		t.Fatalf("Failed to update delivery attempt: %v", err)
	}
	err, pending = d.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("Failed to re-read pending deliveries: %v", err)
	}
	if len(*pending) != 0 {
		t.Errorf("Expected no due items after reschedule, got %d", len(*pending))
	}

	err, count := d.CountPendingDeliveries()
	if err != nil {
		t.Fatalf("Failed to count deliveries: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 queued deliveries, got %d", count)
	}

	if err := d.DeleteDelivery(due.Id); err != nil {
		t.Fatalf("Failed to delete delivery: %v", err)
	}
	err, count = d.CountPendingDeliveries()
	if err != nil || count != 1 {
		t.Errorf("Expected 1 queued delivery after delete, got %d (err %v)", count, err)
	}
}

func TestClaimPendingDeliveriesLeasesRows(t *testing.T) {
	d := testDB(t)

	job := domain.DeliveryQueueItem{
		Id:               uuid.New(),
		InboxURI:         "https://remote.example/inbox",
		SigningAccountId: uuid.New(),
		ActivityJSON:     "{}",
		NextRetryAt:      time.Now().Add(-time.Minute),
		CreatedAt:        time.Now(),
	}
	if err := d.EnqueueDeliveries([]domain.DeliveryQueueItem{job}); err != nil {
		t.Fatalf("Failed to enqueue delivery: %v", err)
	}

	err, first := d.ClaimPendingDeliveries(10, time.Minute)
	if err != nil {
		t.Fatalf("Failed to claim deliveries: %v", err)
	}
	if len(*first) != 1 || (*first)[0].Id != job.Id {
		t.Fatalf("Expected first claim to return the job, got %+v", first)
	}

	// A second poller arriving while the lease is held sees nothing.
	err, second := d.ClaimPendingDeliveries(10, time.Minute)
	if err != nil {
		t.Fatalf("Failed to re-claim deliveries: %v", err)
	}
	if len(*second) != 0 {
		t.Errorf("Expected leased job to be invisible to a second claim, got %d rows", len(*second))
	}

	// The job is still queued, not dropped.
	err, count := d.CountPendingDeliveries()
	if err != nil || count != 1 {
		t.Errorf("Expected the leased job to remain queued, got %d (err %v)", count, err)
	}
}

func TestCreateNoteWithDeliveriesAtomic(t *testing.T) {
	d := testDB(t)
	acc := testAccount(t, d, "alice")

	note, _ := domain.NewNote(acc.Id, "fanout", domain.VisibilityPublic, nil, nil)
	items := []domain.DeliveryQueueItem{
		{
			Id:               uuid.New(),
			InboxURI:         "https://remote.example/inbox",
			SigningAccountId: acc.Id,
			ActivityJSON:     "{}",
			NextRetryAt:      time.Now(),
			CreatedAt:        time.Now(),
		},
	}
	if err := d.CreateNoteWithDeliveries(note, items); err != nil {
		t.Fatalf("Failed to create note with deliveries: %v", err)
	}

	err, got := d.ReadNoteById(note.Id)
	if err != nil || got == nil {
		t.Fatalf("Expected note to be stored: %v", err)
	}
	err, count := d.CountPendingDeliveries()
	if err != nil || count != 1 {
		t.Fatalf("Expected 1 queued delivery, got %d (err %v)", count, err)
	}

	// Re-inserting the same note id must roll back the delivery too.
	dupItems := []domain.DeliveryQueueItem{
		{
			Id:               uuid.New(),
			InboxURI:         "https://remote.example/inbox",
			SigningAccountId: acc.Id,
			ActivityJSON:     "{}",
			NextRetryAt:      time.Now(),
			CreatedAt:        time.Now(),
		},
	}
	if err := d.CreateNoteWithDeliveries(note, dupItems); err == nil {
		t.Fatal("Expected duplicate note insert to fail")
	}
	err, count = d.CountPendingDeliveries()
	if err != nil || count != 1 {
		t.Errorf("Expected queue unchanged after rollback, got %d (err %v)", count, err)
	}
}
