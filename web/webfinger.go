package web

import (
	"fmt"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// GetWebfinger answers a webfinger lookup for a local user.
func GetWebfinger(d *db.DB, username, host string) (error, *webfingerResponse) {
	err, acc := d.ReadAccByUsername(username)
	if err != nil {
		return err, nil
	}
	if acc == nil {
		return fmt.Errorf("no such user %q", username), nil
	}

	return nil, &webfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, host),
		Links: []webfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: activitypub.ActorURI(host, acc.Username),
			},
		},
	}
}
