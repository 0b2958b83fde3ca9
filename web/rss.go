package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
)

// GetRSS renders a user's public notes as an RSS feed. Only public
// notes ever appear here.
func GetRSS(d *db.DB, conf *util.AppConfig, username string) (string, error) {
	err, acc := d.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return "", errors.New("error retrieving account for feed")
	}

	err, notes := d.ReadPublicNotesByAccountId(acc.Id, 50)
	if err != nil {
		return "", errors.New("error retrieving notes for feed")
	}

	host := conf.Conf.SslDomain
	link := fmt.Sprintf("https://%s/feed?username=%s", host, username)
	email := fmt.Sprintf("%s@%s", username, host)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s Notes - %s", util.Name, username),
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("public notes of %s", username),
		Author:      &feeds.Author{Name: username, Email: email},
		Created:     time.Now(),
	}

	for _, note := range *notes {
		if note.Visibility != domain.VisibilityPublic {
			continue
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      note.Id.String(),
			Title:   note.CreatedAt.Format(util.DateTimeFormat()),
			Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/feed/%s", host, note.Id)},
			Content: note.Content,
			Author:  &feeds.Author{Name: username, Email: email},
			Created: note.CreatedAt,
		})
	}

	return feed.ToRss()
}

// GetRSSItem renders a single public note as a one-item feed.
func GetRSSItem(d *db.DB, conf *util.AppConfig, id uuid.UUID) (string, error) {
	err, note := d.ReadNoteById(id)
	if err != nil || note == nil || note.IsDeleted() {
		return "", errors.New("error retrieving note by id")
	}
	if note.Visibility != domain.VisibilityPublic {
		return "", errors.New("note is not public")
	}

	err, acc := d.ReadAccById(note.AccountId)
	if err != nil || acc == nil {
		return "", errors.New("error retrieving note author")
	}

	host := conf.Conf.SslDomain
	url := fmt.Sprintf("https://%s/feed/%s", host, note.Id)
	email := fmt.Sprintf("%s@%s", acc.Username, host)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Single %s Note", util.Name),
		Link:        &feeds.Link{Href: url},
		Description: fmt.Sprintf("a note by %s", acc.Username),
		Author:      &feeds.Author{Name: acc.Username, Email: email},
		Created:     time.Now(),
	}
	feed.Items = []*feeds.Item{{
		Id:      note.Id.String(),
		Title:   note.CreatedAt.Format(util.DateTimeFormat()),
		Link:    &feeds.Link{Href: url},
		Content: note.Content,
		Author:  &feeds.Author{Name: acc.Username, Email: email},
		Created: note.CreatedAt,
	}}

	return feed.ToRss()
}
