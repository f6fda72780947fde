package logic

import (
	"fmt"
	"strings"
	"time"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"
)

// IDirectory serves the public documents of local actors: webfinger,
// the actor document, collection summaries and stored statuses. The
// internal record never leaks; keys and flags stay behind.
type IDirectory interface {
	GetWebfinger(user string) (*dto.WebfingerResp, error)
	GetActorDoc(user string) (*dto.ActorDoc, error)
	GetOutboxSummary(user string) (*dto.OrderedListSummary, error)
	GetFollowersSummary(user string) (*dto.OrderedListSummary, error)
	GetFollowingSummary(user string) (*dto.OrderedListSummary, error)
	GetStatusNote(user string, statusId int64) (*dto.Note, error)
}

type directory struct {
	cfg    *shared.Config
	logger shared.ILogger
	repo   dal.IRepo
	idb    shared.IdBuilder
}

func NewDirectory(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
) IDirectory {
	return &directory{cfg, logger, repo, shared.IdBuilder{Host: cfg.Host}}
}

func (dir *directory) GetWebfinger(user string) (*dto.WebfingerResp, error) {

	user = strings.ToLower(user)
	actor, err := dir.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	resp := dto.WebfingerResp{
		Subject: fmt.Sprintf("acct:%s@%s", user, dir.cfg.Host),
		Aliases: []string{
			dir.idb.UserUrl(user),
		},
		Links: []dto.WebfingerLink{
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: dir.idb.UserUrl(user),
			},
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: dir.idb.UserUrl(user),
			},
		},
	}
	return &resp, nil
}

func (dir *directory) GetActorDoc(user string) (*dto.ActorDoc, error) {

	user = strings.ToLower(user)
	actor, err := dir.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	resp := dto.ActorDoc{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		Id:                actor.Url,
		Type:              actor.ActorType,
		PreferredUserName: actor.Handle,
		Name:              actor.Name,
		Summary:           actor.Summary,
		ManuallyApproves:  false,
		Published:         actor.CreatedAt.UTC().Format(time.RFC3339),
		Inbox:             actor.Inbox,
		Outbox:            actor.Outbox,
		Followers:         actor.Followers,
		Following:         actor.Following,
		Endpoints:         dto.UserEndpoints{SharedInbox: actor.SharedInbox},
		PublicKey: dto.PublicKey{
			Id:           dir.idb.UserKeyId(user),
			Owner:        actor.Url,
			PublicKeyPem: actor.PubKey,
		},
		Attachments: []dto.Attachment{},
	}
	if actor.ProfileImageUrl != "" {
		resp.Icon = dto.Image{Type: "Image", Url: actor.ProfileImageUrl}
	}
	if actor.HeaderImageUrl != "" {
		resp.Image = dto.Image{Type: "Image", Url: actor.HeaderImageUrl}
	}
	if actor.AlsoKnownAs != "" {
		resp.AlsoKnownAs = strings.Split(actor.AlsoKnownAs, "\n")
	}
	return &resp, nil
}

func (dir *directory) GetOutboxSummary(user string) (*dto.OrderedListSummary, error) {

	user = strings.ToLower(user)
	actor, err := dir.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	var postCount uint
	if postCount, err = dir.repo.GetObjectCountByAuthor(actor.Url); err != nil {
		return nil, err
	}

	first := dir.idb.UserOutbox(user) + "?page=true"
	resp := dto.OrderedListSummary{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         dir.idb.UserOutbox(user),
		Type:       "OrderedCollection",
		TotalItems: postCount,
		First:      &first,
	}
	return &resp, nil
}

func (dir *directory) GetFollowersSummary(user string) (*dto.OrderedListSummary, error) {

	user = strings.ToLower(user)
	actor, err := dir.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	var followerCount uint
	if followerCount, err = dir.repo.GetEdgeCount(dal.EdgeFollow, actor.Url); err != nil {
		return nil, err
	}

	first := dir.idb.UserFollowers(user) + "?page=true"
	resp := dto.OrderedListSummary{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         dir.idb.UserFollowers(user),
		Type:       "OrderedCollection",
		TotalItems: followerCount,
		First:      &first,
	}
	return &resp, nil
}

func (dir *directory) GetFollowingSummary(user string) (*dto.OrderedListSummary, error) {

	user = strings.ToLower(user)
	actor, err := dir.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	// Local actors follow nobody; the collection exists for protocol
	// completeness.
	resp := dto.OrderedListSummary{
		Context:    "https://www.w3.org/ns/activitystreams",
		Id:         dir.idb.UserFollowing(user),
		Type:       "OrderedCollection",
		TotalItems: 0,
	}
	return &resp, nil
}

func (dir *directory) GetStatusNote(user string, statusId int64) (*dto.Note, error) {

	user = strings.ToLower(user)
	statusUrl := dir.idb.UserStatus(user, statusId)
	obj, err := dir.repo.GetObjectByUrl(statusUrl)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}

	var summary *string
	if obj.Summary != "" {
		summary = &obj.Summary
	}
	var inReplyTo *string
	if obj.InReplyTo != "" {
		inReplyTo = &obj.InReplyTo
	}
	resp := dto.Note{
		Context:      "https://www.w3.org/ns/activitystreams",
		Id:           obj.Url,
		Type:         obj.ObjectType,
		Published:    obj.PublishedAt.UTC().Format(time.RFC3339),
		Summary:      summary,
		AttributedTo: obj.AuthorUrl,
		InReplyTo:    inReplyTo,
		To:           []string{shared.ActivityPublic},
		Cc:           []string{dir.idb.UserFollowers(user)},
		Content:      obj.Content,
	}
	return &resp, nil
}
