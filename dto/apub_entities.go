package dto

import (
	"encoding/json"
	"fmt"
)

func getStringList(raw any) ([]string, error) {
	var res []string
	if raw == nil {
		return res, nil
	}
	if slice, ok := raw.([]interface{}); ok {
		for _, s := range slice {
			if str, ok := s.(string); ok {
				res = append(res, str)
			} else {
				return res, fmt.Errorf("list must only contain strings")
			}
		}
	} else if str, ok := raw.(string); ok {
		res = []string{str}
	} else {
		return res, fmt.Errorf("value must be single string or array of strings")
	}
	return res, nil
}

// ActorDoc is an actor document on the wire: what we serve for local
// actors, and what we parse when resolving a remote one. Remote servers
// routinely omit optional fields; the caches normalize those.
type ActorDoc struct {
	Context           any           `json:"@context,omitempty"`
	Id                string        `json:"id"`
	Type              string        `json:"type"`
	PreferredUserName string        `json:"preferredUsername"`
	Name              string        `json:"name,omitempty"`
	Summary           string        `json:"summary,omitempty"`
	ManuallyApproves  bool          `json:"manuallyApprovesFollowers"`
	Published         string        `json:"published,omitempty"`
	Inbox             string        `json:"inbox,omitempty"`
	Outbox            string        `json:"outbox,omitempty"`
	Followers         string        `json:"followers,omitempty"`
	Following         string        `json:"following,omitempty"`
	Endpoints         UserEndpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey     `json:"publicKey,omitempty"`
	Icon              Image         `json:"icon,omitempty"`
	Image             Image         `json:"image,omitempty"`
	AlsoKnownAs       []string      `json:"-"`
	RawAlsoKnownAs    any           `json:"alsoKnownAs,omitempty"`
	Attachments       []Attachment  `json:"attachment,omitempty"`
}

func (x *ActorDoc) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActorDoc
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	// alsoKnownAs arrives as a single string on some servers
	if y.AlsoKnownAs, err = getStringList(y.RawAlsoKnownAs); err != nil {
		return err
	}
	return nil
}

func (x *ActorDoc) MarshalJSON() ([]byte, error) {
	type Y ActorDoc
	var y = (*Y)(x)
	if len(y.AlsoKnownAs) != 0 {
		y.RawAlsoKnownAs = y.AlsoKnownAs
	}
	return json.Marshal(y)
}

type Attachment struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Image struct {
	Type string `json:"type,omitempty"`
	Url  string `json:"url,omitempty"`
}

type UserEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	Id           string `json:"id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

type ActivityInBase struct {
	Id     string   `json:"id"`
	Type   string   `json:"type"`
	Actor  string   `json:"actor"`
	To     []string `json:"-"`
	RawTo  any      `json:"to"`
	Cc     []string `json:"-"`
	RawCc  any      `json:"cc"`
	Object any      `json:"object"`
	Target string   `json:"target,omitempty"`
}

func (x *ActivityInBase) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActivityInBase
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getStringList(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getStringList(y.RawCc); err != nil {
		return err
	}
	return nil
}

type ActivityIn[T any] struct {
	Id     string   `json:"id"`
	Type   string   `json:"type"`
	Actor  string   `json:"actor"`
	To     []string `json:"-"`
	RawTo  any      `json:"to"`
	Cc     []string `json:"-"`
	RawCc  any      `json:"cc"`
	Object T        `json:"object"`
	Target string   `json:"target,omitempty"`
}

func (x *ActivityIn[T]) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActivityIn[T]
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getStringList(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getStringList(y.RawCc); err != nil {
		return err
	}
	return nil
}

type ActivityOut struct {
	Context any       `json:"@context"`
	Id      string    `json:"id"`
	Type    string    `json:"type"`
	Actor   string    `json:"actor"`
	To      *[]string `json:"to,omitempty"`
	Cc      *[]string `json:"cc,omitempty"`
	Object  any       `json:"object,omitempty"`
}

type Note struct {
	Context      any      `json:"@context,omitempty"`
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	Published    string   `json:"published"`
	Summary      *string  `json:"summary"`
	AttributedTo string   `json:"attributedTo"`
	InReplyTo    *string  `json:"inReplyTo"`
	To           []string `json:"-"`
	RawTo        any      `json:"to"`
	Cc           []string `json:"-"`
	RawCc        any      `json:"cc"`
	Content      string   `json:"content"`
}

func (x *Note) UnmarshalJSON(data []byte) error {
	var err error
	type Y Note
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getStringList(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getStringList(y.RawCc); err != nil {
		return err
	}
	return nil
}

func (x *Note) MarshalJSON() ([]byte, error) {
	type Y Note
	var y = (*Y)(x)
	y.RawTo = y.To
	y.RawCc = y.Cc
	return json.Marshal(y)
}

type OrderedListSummary struct {
	Context    any     `json:"@context"`
	Id         string  `json:"id"`
	Type       string  `json:"type"`
	TotalItems uint    `json:"totalItems"`
	First      *string `json:"first,omitempty"`
}

// OrderedCollectionPage is one cursor page of a collection. Remote
// servers put either plain id strings or embedded objects into
// orderedItems; parsing keeps the ids only.
type OrderedCollectionPage struct {
	Context         any      `json:"@context"`
	Id              string   `json:"id"`
	Type            string   `json:"type"`
	PartOf          string   `json:"partOf"`
	OrderedItems    []string `json:"-"`
	RawOrderedItems any      `json:"orderedItems"`
	First           *string  `json:"first,omitempty"`
	Prev            *string  `json:"prev,omitempty"`
	Next            *string  `json:"next,omitempty"`
}

func (x *OrderedCollectionPage) UnmarshalJSON(data []byte) error {
	var err error
	type Y OrderedCollectionPage
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if slice, ok := y.RawOrderedItems.([]interface{}); ok {
		for _, itm := range slice {
			if str, ok := itm.(string); ok {
				y.OrderedItems = append(y.OrderedItems, str)
			} else if obj, ok := itm.(map[string]interface{}); ok {
				if id, ok := obj["id"].(string); ok {
					y.OrderedItems = append(y.OrderedItems, id)
				}
			}
		}
	}
	return nil
}

func (x *OrderedCollectionPage) MarshalJSON() ([]byte, error) {
	type Y OrderedCollectionPage
	var y = (*Y)(x)
	items := x.OrderedItems
	if items == nil {
		items = []string{}
	}
	y.RawOrderedItems = items
	return json.Marshal(y)
}

type WebfingerResp struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}
