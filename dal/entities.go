package dal

import (
	"time"
)

// Edge kinds. An edge row is unique per (kind, subject, object).
const (
	EdgeFollow   = "follow"   // actor -> actor
	EdgeLike     = "like"     // actor -> object
	EdgeAnnounce = "announce" // actor -> object
	EdgeReply    = "reply"    // object -> object
)

// Notification kinds.
const (
	NotifFollow  = "follow"
	NotifLike    = "like"
	NotifReblog  = "reblog"
	NotifMention = "mention"
	NotifReply   = "reply"
)

// Actor is the internal storage record. The public wire view
// (dto.ActorDoc) is produced by logic.IDirectory; privkey, is_admin and
// the local id never leave this type directly.
type Actor struct {
	LocalId         int64 // 0 until assigned; backfilled lazily for rows that predate the allocator
	CreatedAt       time.Time
	Url             string // https://hilltown.social/u/maple
	Handle          string // maple
	Host            string // hilltown.social
	ActorType       string // Person | Service | Organization | Group | Application
	Name            string
	Summary         string
	ProfileImageUrl string
	HeaderImageUrl  string
	Inbox           string
	Outbox          string
	Following       string
	Followers       string
	SharedInbox     string
	PubKey          string
	AlsoKnownAs     string // newline-joined alias URLs
	IsAdmin         bool
	IsLocal         bool
}

type Object struct {
	Id          int64 // row id; strictly increasing in insertion order
	LocalId     int64
	CreatedAt   time.Time
	Url         string
	UrlHash     int64 // murmur3 of Url
	ObjectType  string
	AuthorUrl   string // original author (provenance), never the relay
	RelayedBy   string // delivering actor when the object arrived via Announce
	PublishedAt time.Time
	Summary     string
	Content     string
	InReplyTo   string
}

type Edge struct {
	Id         int64
	Kind       string
	SubjectUrl string
	ObjectUrl  string
	CreatedAt  time.Time
}

type Notification struct {
	Id           int64
	Kind         string
	RecipientUrl string
	OriginUrl    string
	SubjectUrl   string
	DedupHash    int64 // murmur3 over (kind, recipient, origin, subject); unique
	DeliveryId   string
	CreatedAt    time.Time
}

type PushQueueItem struct {
	Id         int
	DeliveryId string
	Recipient  string
	Payload    string
	CreatedAt  time.Time
}

type Peer struct {
	Host      string
	FirstSeen time.Time
	LastSeen  time.Time
}
