package logic

import (
	"time"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"

	"github.com/microcosm-cc/bluemonday"
	"github.com/spaolacci/murmur3"
)

const objectEntity = "object"

type IObjectCache interface {
	// Resolve returns the cached record for the object, fetching and
	// caching it on first sight.
	Resolve(objectUrl string) (*dal.Object, error)
	// ResolveRelayed is Resolve for an object that arrived via Announce.
	// relayedBy records the delivering actor; authorship stays with the
	// object's attributedTo.
	ResolveRelayed(objectUrl, relayedBy string) (*dal.Object, error)
	// GetStored returns the cached record, or nil without fetching.
	GetStored(objectUrl string) (*dal.Object, error)
	// StoreNote caches a note received inline, e.g. in a Create.
	StoreNote(note *dto.Note, relayedBy string) (obj *dal.Object, isNew bool, err error)
}

type objectCache struct {
	cfg         *shared.Config
	logger      shared.ILogger
	repo        dal.IRepo
	fetcher     IRemoteFetcher
	metrics     IMetrics
	contentSan  *bluemonday.Policy
	plainSan    *bluemonday.Policy
}

func NewObjectCache(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	fetcher IRemoteFetcher,
	metrics IMetrics,
) IObjectCache {
	return &objectCache{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		fetcher:    fetcher,
		metrics:    metrics,
		contentSan: bluemonday.UGCPolicy(),
		plainSan:   bluemonday.StrictPolicy(),
	}
}

func UrlHash(url string) int64 {
	return int64(murmur3.Sum64([]byte(url)))
}

func (oc *objectCache) Resolve(objectUrl string) (*dal.Object, error) {
	return oc.ResolveRelayed(objectUrl, "")
}

func (oc *objectCache) ResolveRelayed(objectUrl, relayedBy string) (*dal.Object, error) {

	obj, err := oc.repo.GetObjectByUrl(objectUrl)
	if err != nil {
		return nil, err
	}
	if obj != nil {
		oc.metrics.ObjectResolved(ResolvedFromCache)
		return obj, nil
	}

	note, err := oc.fetcher.FetchNote(objectUrl)
	if err != nil {
		oc.metrics.ObjectResolved(ResolveFailed)
		return nil, err
	}

	obj, isNew, err := oc.StoreNote(note, relayedBy)
	if err != nil {
		return nil, err
	}
	if isNew {
		oc.metrics.ObjectResolved(ResolvedFetched)
	} else {
		oc.metrics.ObjectResolved(ResolvedFromCache)
	}
	return obj, nil
}

func (oc *objectCache) GetStored(objectUrl string) (*dal.Object, error) {
	return oc.repo.GetObjectByUrl(objectUrl)
}

func (oc *objectCache) StoreNote(note *dto.Note, relayedBy string) (*dal.Object, bool, error) {

	// The canonical identity is the note's own id.
	canonUrl := note.Id

	publishedAt := time.Now()
	if t, err := time.Parse(time.RFC3339, note.Published); err == nil {
		publishedAt = t
	}
	summary := ""
	if note.Summary != nil {
		summary = shared.ClampRunes(oc.plainSan.Sanitize(*note.Summary), shared.MaxSummaryLen)
	}
	inReplyTo := ""
	if note.InReplyTo != nil {
		inReplyTo = *note.InReplyTo
	}

	localId, err := oc.repo.AllocateId(objectEntity, time.Now())
	if err != nil {
		return nil, false, err
	}

	obj := &dal.Object{
		LocalId:     localId,
		CreatedAt:   time.Now(),
		Url:         canonUrl,
		UrlHash:     UrlHash(canonUrl),
		ObjectType:  note.Type,
		AuthorUrl:   note.AttributedTo,
		RelayedBy:   relayedBy,
		PublishedAt: publishedAt,
		Summary:     summary,
		Content:     shared.ClampRunes(oc.contentSan.Sanitize(note.Content), shared.MaxContentLen),
		InReplyTo:   inReplyTo,
	}

	isNew, err := oc.repo.AddObjectIfNotExist(obj)
	if err != nil {
		return nil, false, err
	}
	// Re-read either way: a lost race converges on the winner's row, and
	// a fresh insert picks up its assigned row id.
	stored, err := oc.repo.GetObjectByUrl(canonUrl)
	if err != nil {
		return nil, false, err
	}
	return stored, isNew, nil
}
