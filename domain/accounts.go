package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local actor. Locals always carry a private key; the
// inverse holds for RemoteAccount, which never does.
type Account struct {
	Id            uuid.UUID
	Username      string
	CreatedAt     time.Time
	DisplayName   string
	Summary       string
	AvatarURL     string
	WebPublicKey  string
	WebPrivateKey string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.CreatedAt)
}
