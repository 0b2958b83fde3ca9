package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Remote Accounts queries
const (
	sqlInsertRemoteAccount     = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, public_key_pem, avatar_url, last_fetched_at, deleted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccColumns  = `id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, public_key_pem, avatar_url, last_fetched_at, deleted_at`
	sqlUpdateRemoteAccount     = `UPDATE remote_accounts SET username = ?, display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, followers_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ?, deleted_at = NULL WHERE actor_uri = ?`
	sqlSoftDeleteRemoteAccount = `UPDATE remote_accounts SET deleted_at = ? WHERE id = ?`
	sqlDeleteFollowsForAccount = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.FollowersURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.DeletedAt,
		)
		return err
	})
}

func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.FollowersURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.ActorURI,
		)
		return err
	})
}

// UpsertRemoteAccount inserts the cache entry, or refreshes it when the
// actor URI already exists. The stored id wins over the incoming one so
// follows keep pointing at the same row.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	err, existing := db.ReadRemoteAccountByURI(acc.ActorURI)
	if err == nil && existing != nil {
		acc.Id = existing.Id
		return db.UpdateRemoteAccount(acc)
	}
	return db.CreateRemoteAccount(acc)
}

func scanRemoteAccount(scan func(dest ...interface{}) error) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	var displayName, summary, sharedInbox, outbox, followers, avatarURL sql.NullString
	var deletedAt sql.NullTime
	err := scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&displayName,
		&summary,
		&acc.InboxURI,
		&sharedInbox,
		&outbox,
		&followers,
		&acc.PublicKeyPem,
		&avatarURL,
		&acc.LastFetchedAt,
		&deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.SharedInboxURI = sharedInbox.String
	acc.OutboxURI = outbox.String
	acc.FollowersURI = followers.String
	acc.AvatarURL = avatarURL.String
	if deletedAt.Valid {
		acc.DeletedAt = &deletedAt.Time
	}
	return nil, &acc
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(`SELECT `+sqlSelectRemoteAccColumns+` FROM remote_accounts WHERE actor_uri = ?`, uri)
	return scanRemoteAccount(row.Scan)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(`SELECT `+sqlSelectRemoteAccColumns+` FROM remote_accounts WHERE id = ?`, id.String())
	return scanRemoteAccount(row.Scan)
}

func (db *DB) ReadRemoteAccountByHandle(username, domainName string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(`SELECT `+sqlSelectRemoteAccColumns+` FROM remote_accounts WHERE username = ? AND domain = ?`, username, domainName)
	return scanRemoteAccount(row.Scan)
}

// SoftDeleteRemoteAccount tombstones the cache entry. The row stays so
// rows referencing the account keep a valid owner.
func (db *DB) SoftDeleteRemoteAccount(id uuid.UUID, when time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSoftDeleteRemoteAccount, when, id.String())
		return err
	})
}

func (db *DB) DeleteFollowsByAccountId(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsForAccount, id.String(), id.String())
		return err
	})
}

// Follow queries
const (
	sqlInsertFollow       = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowFields = `id, account_id, target_account_id, uri, accepted, created_at`
)

func insertFollowTx(tx *sql.Tx, follow *domain.Follow) error {
	_, err := tx.Exec(sqlInsertFollow,
		follow.Id.String(),
		follow.AccountId.String(),
		follow.TargetAccountId.String(),
		follow.URI,
		follow.Accepted,
		follow.CreatedAt,
	)
	return err
}

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertFollowTx(tx, follow)
	})
}

func scanFollow(scan func(dest ...interface{}) error) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	var followURI sql.NullString
	err := scan(&idStr, &accountIdStr, &targetIdStr, &followURI, &follow.Accepted, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	follow.URI = followURI.String
	return nil, &follow
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(`SELECT `+sqlSelectFollowFields+` FROM follows WHERE uri = ?`, uri)
	return scanFollow(row.Scan)
}

func (db *DB) ReadFollowByPair(accountId, targetId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(`SELECT `+sqlSelectFollowFields+` FROM follows WHERE account_id = ? AND target_account_id = ?`,
		accountId.String(), targetId.String())
	return scanFollow(row.Scan)
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE follows SET accepted = 1 WHERE uri = ?`, uri)
		return err
	})
}

func (db *DB) AcceptFollowByPair(accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE follows SET accepted = 1 WHERE account_id = ? AND target_account_id = ?`,
			accountId.String(), targetId.String())
		return err
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM follows WHERE uri = ?`, uri)
		return err
	})
}

func (db *DB) DeleteFollowByPair(accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`,
			accountId.String(), targetId.String())
		return err
	})
}

// ReadFollowersByTargetId returns only accepted (active) edges; pending
// requests never feed addressing or visibility.
func (db *DB) ReadFollowersByTargetId(targetId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(`SELECT `+sqlSelectFollowFields+` FROM follows WHERE target_account_id = ? AND accepted = 1 ORDER BY created_at ASC`,
		targetId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		err, follow := scanFollow(rows.Scan)
		if err != nil {
			return err, &followers
		}
		followers = append(followers, *follow)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

// Like queries

func insertLikeTx(tx *sql.Tx, like *domain.Like) error {
	_, err := tx.Exec(`INSERT INTO likes(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
		like.Id.String(),
		like.AccountId.String(),
		like.NoteId.String(),
		like.URI,
		like.CreatedAt,
	)
	return err
}

// CreateLike inserts the like; a duplicate (account, note) pair is
// success, not error.
func (db *DB) CreateLike(like *domain.Like) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		return insertLikeTx(tx, like)
	})
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (db *DB) ReadLikeByPair(accountId, noteId uuid.UUID) (error, *domain.Like) {
	row := db.db.QueryRow(`SELECT id, account_id, note_id, uri, created_at FROM likes WHERE account_id = ? AND note_id = ?`,
		accountId.String(), noteId.String())
	var like domain.Like
	var idStr, accountIdStr, noteIdStr string
	var likeURI sql.NullString
	err := row.Scan(&idStr, &accountIdStr, &noteIdStr, &likeURI, &like.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	like.Id, _ = uuid.Parse(idStr)
	like.AccountId, _ = uuid.Parse(accountIdStr)
	like.NoteId, _ = uuid.Parse(noteIdStr)
	like.URI = likeURI.String
	return nil, &like
}

func (db *DB) DeleteLikeByPair(accountId, noteId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM likes WHERE account_id = ? AND note_id = ?`, accountId.String(), noteId.String())
		return err
	})
}

// Activity queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE activities SET processed = ?, object_uri = ? WHERE id = ?`,
			activity.Processed,
			activity.ObjectURI,
			activity.Id.String(),
		)
		return err
	})
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(`SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`, uri)
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, signing_account_id, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, signing_account_id, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
)

func enqueueDeliveryTx(tx *sql.Tx, item *domain.DeliveryQueueItem) error {
	_, err := tx.Exec(sqlInsertDeliveryQueue,
		item.Id.String(),
		item.InboxURI,
		item.SigningAccountId.String(),
		item.ActivityJSON,
		item.Attempts,
		item.NextRetryAt,
		item.CreatedAt,
	)
	return err
}

// EnqueueDeliveries publishes all jobs in one transaction; all-or-nothing
// so a broker-side failure cannot drop part of a fanout.
func (db *DB) EnqueueDeliveries(items []domain.DeliveryQueueItem) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		for i := range items {
			if err := enqueueDeliveryTx(tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &QueueError{Err: err}
	}
	return nil
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr, signerStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &signerStr, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		item.SigningAccountId, _ = uuid.Parse(signerStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

// ClaimPendingDeliveries selects due jobs and pushes their
// next_retry_at past the lease window in the same transaction, so a
// concurrent worker cannot pick up the same job. A crashed worker's
// claims become due again when the lease expires.
func (db *DB) ClaimPendingDeliveries(limit int, lease time.Duration) (error, *[]domain.DeliveryQueueItem) {
	var items []domain.DeliveryQueueItem
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(sqlSelectPendingDeliveries, time.Now(), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var item domain.DeliveryQueueItem
			var idStr, signerStr string
			if err := rows.Scan(&idStr, &item.InboxURI, &signerStr, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			item.Id, _ = uuid.Parse(idStr)
			item.SigningAccountId, _ = uuid.Parse(signerStr)
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		claimedUntil := time.Now().Add(lease)
		for i := range items {
			if _, err := tx.Exec(`UPDATE delivery_queue SET next_retry_at = ? WHERE id = ?`, claimedUntil, items[i].Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err, nil
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM delivery_queue WHERE id = ?`, id.String())
		return err
	})
}

func (db *DB) CountPendingDeliveries() (error, int) {
	row := db.db.QueryRow(`SELECT COUNT(*) FROM delivery_queue`)
	var n int
	if err := row.Scan(&n); err != nil {
		return err, 0
	}
	return nil, n
}

// Notification queries

func (db *DB) CreateNotification(n *domain.Notification) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO notifications(id, account_id, kind, actor_uri, note_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			n.Id.String(),
			n.AccountId.String(),
			string(n.Kind),
			n.ActorURI,
			uuidValue(n.NoteId),
			n.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadNotificationsByAccountId(accountId uuid.UUID, limit int) (error, *[]domain.Notification) {
	rows, err := db.db.Query(`SELECT id, account_id, kind, actor_uri, note_id, created_at, read_at FROM notifications WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
		accountId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var idStr, accountIdStr, kindStr string
		var noteId sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&idStr, &accountIdStr, &kindStr, &n.ActorURI, &noteId, &n.CreatedAt, &readAt); err != nil {
			return err, &notifications
		}
		n.Id, _ = uuid.Parse(idStr)
		n.AccountId, _ = uuid.Parse(accountIdStr)
		n.Kind = domain.NotificationKind(kindStr)
		if noteId.Valid {
			id, perr := uuid.Parse(noteId.String)
			if perr == nil {
				n.NoteId = &id
			}
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		notifications = append(notifications, n)
	}
	if err = rows.Err(); err != nil {
		return err, &notifications
	}
	return nil, &notifications
}

func (db *DB) MarkNotificationRead(id uuid.UUID, readAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`, readAt, id.String())
		return err
	})
}

// Combined write+enqueue operations. The domain write and its federation
// side effect commit or roll back together; if the enqueue part fails
// the whole transaction aborts and the caller sees a QueueError.

func wrapEnqueue(tx *sql.Tx, items []domain.DeliveryQueueItem) error {
	for i := range items {
		if err := enqueueDeliveryTx(tx, &items[i]); err != nil {
			return &QueueError{Err: err}
		}
	}
	return nil
}

func (db *DB) CreateNoteWithDeliveries(note *domain.Note, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertNoteTx(tx, note); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) CreateLikeWithDeliveries(like *domain.Like, items []domain.DeliveryQueueItem) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertLikeTx(tx, like); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (db *DB) CreateFollowWithDeliveries(follow *domain.Follow, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertFollowTx(tx, follow); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) AcceptFollowWithDeliveries(followId uuid.UUID, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE follows SET accepted = 1 WHERE id = ?`, followId.String()); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) DeleteFollowWithDeliveries(followId uuid.UUID, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM follows WHERE id = ?`, followId.String()); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) DeleteLikeWithDeliveries(accountId, noteId uuid.UUID, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM likes WHERE account_id = ? AND note_id = ?`, accountId.String(), noteId.String()); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) UpdateNoteWithDeliveries(noteId uuid.UUID, content string, editedAt time.Time, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE notes SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`, content, editedAt, noteId.String()); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) SoftDeleteNoteWithDeliveries(noteId uuid.UUID, deletedAt time.Time, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE notes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, deletedAt, noteId.String()); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}

func (db *DB) HardDeleteNoteWithDeliveries(noteId uuid.UUID, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, noteId.String()); err != nil {
			return err
		}
		return wrapEnqueue(tx, items)
	})
}
