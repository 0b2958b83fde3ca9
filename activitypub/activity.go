package activitypub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of activity types this server understands.
// Anything else is a hard decode failure, never silently dropped.
type Kind string

const (
	KindAccept   Kind = "Accept"
	KindAnnounce Kind = "Announce"
	KindCreate   Kind = "Create"
	KindDelete   Kind = "Delete"
	KindFollow   Kind = "Follow"
	KindLike     Kind = "Like"
	KindReject   Kind = "Reject"
	KindUndo     Kind = "Undo"
	KindUpdate   Kind = "Update"
)

func parseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindAccept, KindAnnounce, KindCreate, KindDelete, KindFollow,
		KindLike, KindReject, KindUndo, KindUpdate:
		return Kind(s), true
	}
	return "", false
}

// ObjectKind tags the object union of an activity.
type ObjectKind int

const (
	// ObjectRef is a bare URI reference (Follow/Like/Announce targets).
	ObjectRef ObjectKind = iota
	// ObjectNote is an embedded Note or Article.
	ObjectNote
	// ObjectPerson is an embedded actor document.
	ObjectPerson
	// ObjectTombstone marks a deletion.
	ObjectTombstone
	// ObjectActivity is an embedded activity (Accept/Reject/Undo bodies).
	ObjectActivity
)

// NoteObject is the wire shape of an embedded Note/Article.
type NoteObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	InReplyTo    string   `json:"inReplyTo"`
	Published    string   `json:"published"`
	To           []string `json:"to"`
	CC           []string `json:"cc"`
}

// PersonObject is the wire shape of an actor document.
type PersonObject struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Followers         string `json:"followers"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// TombstoneObject is the wire shape of a Delete object.
type TombstoneObject struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// EmbeddedActivity is an activity nested inside Accept, Reject or Undo.
// Its own object is always a bare URI there.
type EmbeddedActivity struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`
}

// Object is the decoded, tagged object union of an inbound activity.
// Exactly the field matching Kind is set.
type Object struct {
	Kind      ObjectKind
	Ref       string
	Note      *NoteObject
	Person    *PersonObject
	Tombstone *TombstoneObject
	Activity  *EmbeddedActivity
}

// Activity is a decoded inbound activity envelope.
type Activity struct {
	ID        string
	Kind      Kind
	Actor     string
	To        []string
	CC        []string
	Published time.Time
	Object    Object
	Raw       json.RawMessage
}

type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     json.RawMessage `json:"actor"`
	To        []string        `json:"to"`
	CC        []string        `json:"cc"`
	Published string          `json:"published"`
	Object    json.RawMessage `json:"object"`
}

// ParseActivity decodes and minimally validates an inbound activity.
// Every error here is a VerifyError: malformed input is the sender's
// fault and is not retried.
func ParseActivity(body []byte) (*Activity, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &VerifyError{Reason: "malformed activity json", Err: err}
	}

	kind, ok := parseKind(env.Type)
	if !ok {
		return nil, verifyErrorf("unsupported activity type %q", env.Type)
	}
	if env.ID == "" {
		return nil, verifyErrorf("activity missing id")
	}

	actor, err := decodeActorRef(env.Actor)
	if err != nil {
		return nil, err
	}

	obj, err := decodeObject(env.Object)
	if err != nil {
		return nil, err
	}

	act := &Activity{
		ID:     env.ID,
		Kind:   kind,
		Actor:  actor,
		To:     env.To,
		CC:     env.CC,
		Object: *obj,
		Raw:    body,
	}

	if env.Published != "" {
		if t, perr := time.Parse(time.RFC3339, env.Published); perr == nil {
			act.Published = t
		}
	}

	return act, nil
}

// decodeActorRef accepts either a URI string or an embedded object
// carrying an id.
func decodeActorRef(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", verifyErrorf("activity missing actor")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", verifyErrorf("activity missing actor")
		}
		return s, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.ID == "" {
		return "", verifyErrorf("unreadable actor reference")
	}
	return obj.ID, nil
}

// decodeObject tries each known object shape in turn; an object whose
// type matches none of them fails the decode.
func decodeObject(raw json.RawMessage) (*Object, error) {
	if len(raw) == 0 {
		return nil, verifyErrorf("activity missing object")
	}

	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil {
		if ref == "" {
			return nil, verifyErrorf("empty object reference")
		}
		return &Object{Kind: ObjectRef, Ref: ref}, nil
	}

	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, &VerifyError{Reason: "unreadable activity object", Err: err}
	}

	switch tagged.Type {
	case "Note", "Article":
		var note NoteObject
		if err := json.Unmarshal(raw, &note); err != nil {
			return nil, &VerifyError{Reason: "unreadable note object", Err: err}
		}
		if note.ID == "" {
			return nil, verifyErrorf("note object missing id")
		}
		return &Object{Kind: ObjectNote, Ref: note.ID, Note: &note}, nil

	case "Person", "Service", "Application":
		var person PersonObject
		if err := json.Unmarshal(raw, &person); err != nil {
			return nil, &VerifyError{Reason: "unreadable person object", Err: err}
		}
		if person.ID == "" {
			return nil, verifyErrorf("person object missing id")
		}
		return &Object{Kind: ObjectPerson, Ref: person.ID, Person: &person}, nil

	case "Tombstone":
		var tomb TombstoneObject
		if err := json.Unmarshal(raw, &tomb); err != nil {
			return nil, &VerifyError{Reason: "unreadable tombstone object", Err: err}
		}
		if tomb.ID == "" {
			return nil, verifyErrorf("tombstone missing id")
		}
		return &Object{Kind: ObjectTombstone, Ref: tomb.ID, Tombstone: &tomb}, nil

	case "Follow", "Like", "Announce":
		var embedded EmbeddedActivity
		if err := json.Unmarshal(raw, &embedded); err != nil {
			return nil, &VerifyError{Reason: "unreadable embedded activity", Err: err}
		}
		return &Object{Kind: ObjectActivity, Ref: embedded.ID, Activity: &embedded}, nil

	default:
		return nil, verifyErrorf("unsupported object type %q", tagged.Type)
	}
}

func (o *Object) String() string {
	return fmt.Sprintf("object(%d, %s)", o.Kind, o.Ref)
}
