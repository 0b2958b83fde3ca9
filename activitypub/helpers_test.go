package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

const testHost = "mammut.example"

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	return d
}

// testKeyPEMs generates a small RSA keypair; 4096 bits would slow the
// suite down for nothing.
func testKeyPEMs(t *testing.T) (string, string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM), key
}

func createTestAccount(t *testing.T, d *db.DB, username string) *domain.Account {
	t.Helper()
	priv, pub, _ := testKeyPEMs(t)
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now(),
		WebPublicKey:  pub,
		WebPrivateKey: priv,
	}
	if err := d.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to create account %s: %v", username, err)
	}
	return acc
}

func createTestRemoteAccount(t *testing.T, d *db.DB, username, sharedInbox string) *domain.RemoteAccount {
	t.Helper()
	acc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       username,
		Domain:         "remote.example",
		ActorURI:       "https://remote.example/users/" + username,
		InboxURI:       "https://remote.example/users/" + username + "/inbox",
		SharedInboxURI: sharedInbox,
		FollowersURI:   "https://remote.example/users/" + username + "/followers",
		PublicKeyPem:   "---",
		LastFetchedAt:  time.Now(),
	}
	if err := d.CreateRemoteAccount(acc); err != nil {
		t.Fatalf("Failed to create remote account %s: %v", username, err)
	}
	return acc
}

// acceptTestFollow wires an accepted follow edge follower -> target.
func acceptTestFollow(t *testing.T, d *db.DB, followerId, targetId uuid.UUID) *domain.Follow {
	t.Helper()
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       followerId,
		TargetAccountId: targetId,
		URI:             "https://remote.example/activities/" + uuid.NewString(),
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := d.CreateFollow(follow); err != nil {
		t.Fatalf("Failed to create follow edge: %v", err)
	}
	return follow
}

type testEnv struct {
	db        *db.DB
	outbox    *Outbox
	resolver  *Resolver
	follows   *Follows
	processor *Processor
}

func newTestEnv(t *testing.T, autoAccept bool) *testEnv {
	t.Helper()
	d := openTestDB(t)
	outbox := NewOutbox(d, testHost)
	resolver := &Resolver{DB: d, Host: testHost}
	follows := NewFollows(d, outbox, autoAccept)
	return &testEnv{
		db:        d,
		outbox:    outbox,
		resolver:  resolver,
		follows:   follows,
		processor: NewProcessor(d, resolver, follows, outbox),
	}
}

// downTransport fails every request, for tests where any fetch must
// error instead of reaching the network.
type downTransport struct{}

func (downTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("origin unreachable")
}

func unreachableClient() *http.Client {
	return &http.Client{Transport: downTransport{}}
}

func pendingDeliveries(t *testing.T, d *db.DB) []domain.DeliveryQueueItem {
	t.Helper()
	err, items := d.ReadPendingDeliveries(100)
	if err != nil {
		t.Fatalf("Failed to read delivery queue: %v", err)
	}
	return *items
}
