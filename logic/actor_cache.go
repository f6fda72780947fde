package logic

import (
	"fmt"
	"strings"
	"time"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"

	"github.com/microcosm-cc/bluemonday"
)

const actorEntity = "actor"

type IActorCache interface {
	// Resolve returns the cached record for the actor, fetching and
	// caching it on first sight. Concurrent calls for the same unknown
	// actor all converge on the single row that wins the insert.
	Resolve(actorUrl string) (*dal.Actor, error)
	ResolveHandle(handle, host string) (*dal.Actor, error)
	GetLocalByHandle(handle string) (*dal.Actor, error)
	CreateLocal(handle, name, summary string, isAdmin bool) (actor *dal.Actor, reqProblem string, err error)
	UpdateLocalProfile(handle, summary string, alsoKnownAs []string) (reqProblem string, err error)
}

type actorCache struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	fetcher   IRemoteFetcher
	keyStore  IKeyStore
	metrics   IMetrics
	idb       shared.IdBuilder
	sanitizer *bluemonday.Policy
}

func NewActorCache(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	fetcher IRemoteFetcher,
	keyStore IKeyStore,
	metrics IMetrics,
) IActorCache {
	return &actorCache{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		fetcher:   fetcher,
		keyStore:  keyStore,
		metrics:   metrics,
		idb:       shared.IdBuilder{Host: cfg.Host},
		sanitizer: bluemonday.StrictPolicy(),
	}
}

func (ac *actorCache) cleanText(text string, maxLen int) string {
	res := ac.sanitizer.Sanitize(text)
	return shared.ClampRunes(res, maxLen)
}

func (ac *actorCache) Resolve(actorUrl string) (*dal.Actor, error) {

	actor, err := ac.repo.GetActorByUrl(actorUrl)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		ac.metrics.ActorResolved(ResolvedFromCache)
		return ac.ensureLocalId(actor)
	}

	doc, err := ac.fetcher.FetchActor(actorUrl)
	if err != nil {
		ac.metrics.ActorResolved(ResolveFailed)
		return nil, err
	}
	// The canonical identity is the document's own id, not the URL we
	// fetched; a redirected fetch must not create a row under the alias.
	canonUrl := doc.Id

	host, err := shared.GetHostName(canonUrl)
	if err != nil {
		ac.metrics.ActorResolved(ResolveFailed)
		return nil, resolutionErr(canonUrl, "%v", err)
	}

	actor = ac.docToActor(doc, canonUrl, host)
	localId, err := ac.repo.AllocateId(actorEntity, time.Now())
	if err != nil {
		return nil, err
	}
	actor.LocalId = localId

	isNew, err := ac.repo.AddActorIfNotExist(actor, "")
	if err != nil {
		return nil, err
	}
	if !isNew {
		// Lost the race; the winner's row is authoritative.
		ac.metrics.ActorResolved(ResolvedFromCache)
		return ac.repo.GetActorByUrl(canonUrl)
	}
	ac.metrics.ActorResolved(ResolvedFetched)

	// Peer bookkeeping is best effort; a failure never fails the resolve.
	if err := ac.repo.UpsertPeer(host, time.Now()); err != nil {
		ac.logger.Warnf("Failed to upsert peer %s: %v", host, err)
	}

	return actor, nil
}

func (ac *actorCache) ResolveHandle(handle, host string) (*dal.Actor, error) {

	if host == ac.cfg.Host {
		actor, err := ac.GetLocalByHandle(handle)
		if err != nil {
			return nil, err
		}
		if actor == nil {
			return nil, resolutionErr(shared.MakeFullMoniker(host, handle), "no such local actor")
		}
		return actor, nil
	}

	wf, err := ac.fetcher.FetchWebfinger(handle, host)
	if err != nil {
		return nil, err
	}
	actorUrl := ""
	for _, link := range wf.Links {
		if link.Rel == "self" && strings.Contains(link.Type, "activity+json") {
			actorUrl = link.Href
			break
		}
	}
	if actorUrl == "" {
		moniker := shared.MakeFullMoniker(host, handle)
		return nil, resolutionErr(moniker, "webfinger response has no self link")
	}
	return ac.Resolve(actorUrl)
}

func (ac *actorCache) GetLocalByHandle(handle string) (*dal.Actor, error) {
	return ac.repo.GetActorByHandle(handle)
}

func (ac *actorCache) docToActor(doc *dto.ActorDoc, canonUrl, host string) *dal.Actor {

	inbox := doc.Inbox
	if inbox == "" {
		inbox = canonUrl + "/inbox"
	}
	outbox := doc.Outbox
	if outbox == "" {
		outbox = canonUrl + "/outbox"
	}
	following := doc.Following
	if following == "" {
		following = canonUrl + "/following"
	}
	followers := doc.Followers
	if followers == "" {
		followers = canonUrl + "/followers"
	}
	sharedInbox := doc.Endpoints.SharedInbox
	if sharedInbox == "" {
		sharedInbox = inbox
	}

	handle := ac.cleanText(doc.PreferredUserName, shared.MaxUserNameLen)

	return &dal.Actor{
		CreatedAt:       time.Now(),
		Url:             canonUrl,
		Handle:          handle,
		Host:            host,
		ActorType:       doc.Type,
		Name:            ac.cleanText(doc.Name, shared.MaxNameLen),
		Summary:         ac.cleanText(doc.Summary, shared.MaxSummaryLen),
		ProfileImageUrl: doc.Icon.Url,
		HeaderImageUrl:  doc.Image.Url,
		Inbox:           inbox,
		Outbox:          outbox,
		Following:       following,
		Followers:       followers,
		SharedInbox:     sharedInbox,
		PubKey:          doc.PublicKey.PublicKeyPem,
		AlsoKnownAs:     strings.Join(doc.AlsoKnownAs, "\n"),
		IsAdmin:         false,
		IsLocal:         false,
	}
}

// ensureLocalId backfills the compact id on rows that predate it.
func (ac *actorCache) ensureLocalId(actor *dal.Actor) (*dal.Actor, error) {
	if actor.LocalId != 0 {
		return actor, nil
	}
	localId, err := ac.repo.AllocateId(actorEntity, time.Now())
	if err != nil {
		return nil, err
	}
	if err = ac.repo.BackfillActorLocalId(actor.Url, localId); err != nil {
		return nil, err
	}
	// Another resolver may have backfilled first; re-read for the value
	// that actually stuck.
	return ac.repo.GetActorByUrl(actor.Url)
}

func (ac *actorCache) CreateLocal(handle, name, summary string, isAdmin bool) (*dal.Actor, string, error) {

	if err := shared.ValidateHandle(handle); err != nil {
		return nil, err.Error(), nil
	}

	pubKey, privKey, err := ac.keyStore.MakeKeyPair()
	if err != nil {
		return nil, "", err
	}

	localId, err := ac.repo.AllocateId(actorEntity, time.Now())
	if err != nil {
		return nil, "", err
	}

	actor := &dal.Actor{
		LocalId:     localId,
		CreatedAt:   time.Now(),
		Url:         ac.idb.UserUrl(handle),
		Handle:      handle,
		Host:        ac.cfg.Host,
		ActorType:   "Person",
		Name:        ac.cleanText(name, shared.MaxNameLen),
		Summary:     ac.cleanText(summary, shared.MaxSummaryLen),
		Inbox:       ac.idb.UserInbox(handle),
		Outbox:      ac.idb.UserOutbox(handle),
		Following:   ac.idb.UserFollowing(handle),
		Followers:   ac.idb.UserFollowers(handle),
		SharedInbox: ac.idb.SharedInbox(),
		PubKey:      pubKey,
		IsAdmin:     isAdmin,
		IsLocal:     true,
	}

	isNew, err := ac.repo.AddActorIfNotExist(actor, privKey)
	if err != nil {
		return nil, "", err
	}
	if !isNew {
		return nil, fmt.Sprintf("account already exists: %s", handle), nil
	}
	return actor, "", nil
}

func (ac *actorCache) UpdateLocalProfile(handle, summary string, alsoKnownAs []string) (string, error) {

	actor, err := ac.repo.GetActorByHandle(handle)
	if err != nil {
		return "", err
	}
	if actor == nil {
		return fmt.Sprintf("no such account: %s", handle), nil
	}
	cleanSummary := ac.cleanText(summary, shared.MaxSummaryLen)
	akaStr := strings.Join(alsoKnownAs, "\n")
	if err = ac.repo.UpdateActorProfile(actor.Url, cleanSummary, akaStr); err != nil {
		return "", err
	}
	return "", nil
}
