package logic

import (
	"fmt"
	"strings"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"
)

// Hard cap on page size, whatever the configuration says.
const maxPageCap = 80

type ICollectionPaginator interface {
	// GetFollowersPage serves one cursor page of a local actor's
	// followers. maxId of zero means the newest page.
	GetFollowersPage(user string, maxId int64) (*dto.OrderedCollectionPage, error)
	GetOutboxPage(user string, maxId int64) (*dto.OrderedCollectionPage, error)
	GetNotificationsPage(user string, maxId int64) ([]*dto.NotificationView, error)
	// CollectRemoteFollowers walks a remote actor's followers collection
	// and resolves each member into the cache. Members that fail to
	// resolve are dropped and logged; maxPages bounds the walk.
	CollectRemoteFollowers(handle, host string, maxPages int) ([]*dal.Actor, error)
}

type collectionPaginator struct {
	cfg     *shared.Config
	logger  shared.ILogger
	repo    dal.IRepo
	actors  IActorCache
	fetcher IRemoteFetcher
	idb     shared.IdBuilder
}

func NewCollectionPaginator(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	actors IActorCache,
	fetcher IRemoteFetcher,
) ICollectionPaginator {
	return &collectionPaginator{cfg, logger, repo, actors, fetcher, shared.IdBuilder{Host: cfg.Host}}
}

func (cp *collectionPaginator) pageSize() int {
	res := cp.cfg.MaxPageSize
	if res <= 0 || res > maxPageCap {
		res = maxPageCap
	}
	return res
}

func (cp *collectionPaginator) GetFollowersPage(user string, maxId int64) (*dto.OrderedCollectionPage, error) {

	user = strings.ToLower(user)
	actor, err := cp.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	limit := cp.pageSize()
	edges, err := cp.repo.GetEdgePage(dal.EdgeFollow, actor.Url, maxId, limit)
	if err != nil {
		return nil, err
	}

	items := make([]string, 0, len(edges))
	for _, e := range edges {
		items = append(items, e.SubjectUrl)
	}

	pageId := cp.idb.UserFollowers(user) + "?page=true"
	if maxId > 0 {
		pageId = cp.idb.UserFollowersPage(user, maxId)
	}
	resp := dto.OrderedCollectionPage{
		Context:      "https://www.w3.org/ns/activitystreams",
		Id:           pageId,
		Type:         "OrderedCollectionPage",
		PartOf:       cp.idb.UserFollowers(user),
		OrderedItems: items,
	}
	// A full page gets a next link keyed on the last row seen. prev is a
	// forward reference to rows newer than this page.
	if len(edges) == limit {
		next := cp.idb.UserFollowersPage(user, edges[len(edges)-1].Id)
		resp.Next = &next
	}
	if len(edges) != 0 {
		prev := fmt.Sprintf("%s?min_id=%d", cp.idb.UserFollowers(user), edges[0].Id)
		resp.Prev = &prev
	}
	return &resp, nil
}

func (cp *collectionPaginator) GetOutboxPage(user string, maxId int64) (*dto.OrderedCollectionPage, error) {

	user = strings.ToLower(user)
	actor, err := cp.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	limit := cp.pageSize()
	objs, err := cp.repo.GetObjectsByAuthorPage(actor.Url, maxId, limit)
	if err != nil {
		return nil, err
	}

	items := make([]string, 0, len(objs))
	for _, obj := range objs {
		items = append(items, obj.Url)
	}

	pageId := cp.idb.UserOutbox(user) + "?page=true"
	if maxId > 0 {
		pageId = cp.idb.UserOutboxPage(user, maxId)
	}
	resp := dto.OrderedCollectionPage{
		Context:      "https://www.w3.org/ns/activitystreams",
		Id:           pageId,
		Type:         "OrderedCollectionPage",
		PartOf:       cp.idb.UserOutbox(user),
		OrderedItems: items,
	}
	if len(objs) == limit {
		next := cp.idb.UserOutboxPage(user, objs[len(objs)-1].Id)
		resp.Next = &next
	}
	if len(objs) != 0 {
		prev := fmt.Sprintf("%s?min_id=%d", cp.idb.UserOutbox(user), objs[0].Id)
		resp.Prev = &prev
	}
	return &resp, nil
}

func (cp *collectionPaginator) GetNotificationsPage(user string, maxId int64) ([]*dto.NotificationView, error) {

	user = strings.ToLower(user)
	actor, err := cp.repo.GetActorByHandle(user)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, nil
	}

	notifs, err := cp.repo.GetNotificationsPage(actor.Url, maxId, cp.pageSize())
	if err != nil {
		return nil, err
	}
	res := make([]*dto.NotificationView, 0, len(notifs))
	for _, n := range notifs {
		res = append(res, &dto.NotificationView{
			Id:         n.Id,
			Kind:       n.Kind,
			CreatedAt:  n.CreatedAt,
			Recipient:  n.RecipientUrl,
			Origin:     n.OriginUrl,
			Subject:    n.SubjectUrl,
			DeliveryId: n.DeliveryId,
		})
	}
	return res, nil
}

func (cp *collectionPaginator) CollectRemoteFollowers(handle, host string, maxPages int) ([]*dal.Actor, error) {

	subject, err := cp.actors.ResolveHandle(handle, host)
	if err != nil {
		return nil, err
	}
	if subject.Followers == "" {
		moniker := shared.MakeFullMoniker(host, handle)
		return nil, resolutionErr(moniker, "actor has no followers collection")
	}

	var res []*dal.Actor
	pageUrl := subject.Followers
	for i := 0; i < maxPages && pageUrl != ""; i++ {
		page, err := cp.fetcher.FetchCollectionPage(pageUrl)
		if err != nil {
			return nil, err
		}
		// A bare collection points at its first page and has no items of
		// its own.
		if len(page.OrderedItems) == 0 && page.First != nil {
			if page, err = cp.fetcher.FetchCollectionPage(*page.First); err != nil {
				return nil, err
			}
		}
		for _, itemUrl := range page.OrderedItems {
			member, err := cp.actors.Resolve(itemUrl)
			if err != nil {
				if IsResolutionError(err) {
					cp.logger.Warnf("Dropping unresolvable collection member: %s: %v", itemUrl, err)
					continue
				}
				return nil, err
			}
			res = append(res, member)
		}
		pageUrl = ""
		if page.Next != nil {
			pageUrl = *page.Next
		}
	}
	return res, nil
}
