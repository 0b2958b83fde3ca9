package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

// QueueError marks a failed enqueue into the durable delivery queue.
// Callers must treat it as fatal for the enclosing domain operation so
// the paired write is rolled back instead of silently losing the
// federation side effect.
type QueueError struct {
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("delivery queue: %v", e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        created_at timestamp default current_timestamp,
                        display_name varchar(255),
                        summary text,
                        avatar_url text,
                        web_public_key text,
                        web_private_key text
                        )`
	sqlInsertAccount        = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountColumns = `id, username, created_at, display_name, summary, avatar_url, web_public_key, web_private_key`
	sqlUpdateAccountProfile = `UPDATE accounts SET display_name = ?, summary = ?, avatar_url = ? WHERE id = ?`

	//Notes
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes(
                        id uuid NOT NULL PRIMARY KEY,
                        account_id uuid NOT NULL,
                        uri varchar(500) UNIQUE,
                        content varchar(5000),
                        visibility varchar(20) NOT NULL DEFAULT 'public',
                        reply_to_id uuid,
                        renote_of_id uuid,
                        created_at timestamp default current_timestamp,
                        edited_at timestamp,
                        deleted_at timestamp
                        )`
	sqlInsertNote = `INSERT INTO notes(id, account_id, uri, content, visibility, reply_to_id, renote_of_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateNote = `UPDATE notes SET content = ?, edited_at = ? WHERE id = ?`

	sqlSelectNoteColumns = `id, account_id, uri, content, visibility, reply_to_id, renote_of_id, created_at, edited_at, deleted_at`
)

func GetDB() *DB {
	dbOnce.Do(func() {
		var err error
		dbInstance, err = Open("database.db")
		if err != nil {
			panic(err)
		}
	})

	return dbInstance
}

// Open opens (and initializes) a database at the given path. Tests pass
// ":memory:".
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access. In-memory
	// databases get a single connection so every caller sees the same
	// data.
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			slog.Warn("failed to enable WAL mode", "error", err)
		} else {
			slog.Info("database journal mode set", "mode", journalMode)
		}
	}

	// Optimize PRAGMAs for the concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.CreateDB(); err != nil {
		return nil, err
	}
	if err := db.RunMigrations(); err != nil {
		return nil, err
	}
	return db, nil
}

// CreateDB creates the base schema.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateAccountsTable); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateNotesTable); err != nil {
			return err
		}
		return nil
	})
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("error starting transaction", "error", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			slog.Error("error committing transaction", "error", err)
			return err
		}
		break
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// error; insert-or-ignore call sites treat it as success.
func isUniqueViolation(err error) bool {
	serr, ok := err.(*sqlite.Error)
	if !ok {
		return false
	}
	code := serr.Code()
	return code == sqlitelib.SQLITE_CONSTRAINT ||
		code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Accounts

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			acc.CreatedAt,
		)
		return err
	})
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	var displayName, summary, avatarURL sql.NullString
	err := row.Scan(&idStr, &acc.Username, &acc.CreatedAt, &displayName, &summary, &avatarURL, &acc.WebPublicKey, &acc.WebPrivateKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.AvatarURL = avatarURL.String
	return nil, &acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(`SELECT `+sqlSelectAccountColumns+` FROM accounts WHERE username = ?`, username)
	return scanAccount(row)
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(`SELECT `+sqlSelectAccountColumns+` FROM accounts WHERE id = ?`, id.String())
	return scanAccount(row)
}

func (db *DB) UpdateAccountProfile(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountProfile, acc.DisplayName, acc.Summary, acc.AvatarURL, acc.Id.String())
		return err
	})
}

// Notes

func uuidValue(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func insertNoteTx(tx *sql.Tx, note *domain.Note) error {
	var noteURI interface{}
	if note.URI != "" {
		noteURI = note.URI
	}
	_, err := tx.Exec(sqlInsertNote,
		note.Id.String(),
		note.AccountId.String(),
		noteURI,
		note.Content,
		string(note.Visibility),
		uuidValue(note.ReplyToId),
		uuidValue(note.RenoteOfId),
		note.CreatedAt,
	)
	return err
}

func (db *DB) CreateNote(note *domain.Note) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertNoteTx(tx, note)
	})
}

func scanNoteRow(scan func(dest ...interface{}) error) (error, *domain.Note) {
	var note domain.Note
	var idStr, accountIdStr, visStr string
	var noteURI, content, replyTo, renoteOf sql.NullString
	var editedAt, deletedAt sql.NullTime
	err := scan(&idStr, &accountIdStr, &noteURI, &content, &visStr, &replyTo, &renoteOf, &note.CreatedAt, &editedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	note.Id, _ = uuid.Parse(idStr)
	note.AccountId, _ = uuid.Parse(accountIdStr)
	note.URI = noteURI.String
	note.Content = content.String
	note.Visibility = domain.Visibility(visStr)
	if replyTo.Valid {
		id, perr := uuid.Parse(replyTo.String)
		if perr == nil {
			note.ReplyToId = &id
		}
	}
	if renoteOf.Valid {
		id, perr := uuid.Parse(renoteOf.String)
		if perr == nil {
			note.RenoteOfId = &id
		}
	}
	if editedAt.Valid {
		t := editedAt.Time
		note.EditedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		note.DeletedAt = &t
	}
	return nil, &note
}

func (db *DB) ReadNoteById(id uuid.UUID) (error, *domain.Note) {
	row := db.db.QueryRow(`SELECT `+sqlSelectNoteColumns+` FROM notes WHERE id = ?`, id.String())
	return scanNoteRow(row.Scan)
}

func (db *DB) ReadNoteByURI(uri string) (error, *domain.Note) {
	row := db.db.QueryRow(`SELECT `+sqlSelectNoteColumns+` FROM notes WHERE uri = ?`, uri)
	return scanNoteRow(row.Scan)
}

// ReadRenoteByPair finds an existing pure renote of target by account.
func (db *DB) ReadRenoteByPair(accountId, targetId uuid.UUID) (error, *domain.Note) {
	row := db.db.QueryRow(`SELECT `+sqlSelectNoteColumns+` FROM notes WHERE account_id = ? AND renote_of_id = ? AND deleted_at IS NULL`,
		accountId.String(), targetId.String())
	return scanNoteRow(row.Scan)
}

func (db *DB) readNotes(query string, args ...interface{}) (error, *[]domain.Note) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		err, note := scanNoteRow(rows.Scan)
		if err != nil {
			return err, &notes
		}
		notes = append(notes, *note)
	}
	if err = rows.Err(); err != nil {
		return err, &notes
	}
	return nil, &notes
}

// ReadPublicNotesByAccountId returns non-deleted public/unlisted notes,
// newest first. Feeds the RSS and outbox surfaces.
func (db *DB) ReadPublicNotesByAccountId(accountId uuid.UUID, limit int) (error, *[]domain.Note) {
	return db.readNotes(`SELECT `+sqlSelectNoteColumns+` FROM notes
		WHERE account_id = ? AND deleted_at IS NULL AND visibility IN ('public', 'unlisted')
		ORDER BY created_at DESC LIMIT ?`, accountId.String(), limit)
}

func (db *DB) UpdateNoteContent(id uuid.UUID, content string, editedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateNote, content, editedAt, id.String())
		return err
	})
}

// SoftDeleteNote sets the deletion timestamp; no-op if already deleted.
func (db *DB) SoftDeleteNote(id uuid.UUID, deletedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE notes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, deletedAt, id.String())
		return err
	})
}

// HardDeleteNote removes the row entirely; renotes go away like this on
// Undo(Announce).
func (db *DB) HardDeleteNote(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, id.String())
		return err
	})
}
