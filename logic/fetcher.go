package logic

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"waxwing/dto"
	"waxwing/shared"
)

const fetchTimeoutSec = 10
const acceptActivityJson = "application/activity+json"

// ResolutionError marks a failed attempt to resolve a remote document:
// transport failure, non-2xx status, malformed JSON or missing required
// fields. It is fatal to the single resolution attempt only.
type ResolutionError struct {
	Url string
	Msg string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Url, e.Msg)
}

func resolutionErr(url, format string, args ...any) error {
	return &ResolutionError{Url: url, Msg: fmt.Sprintf(format, args...)}
}

func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

type IRemoteFetcher interface {
	FetchActor(actorUrl string) (*dto.ActorDoc, error)
	FetchNote(objectUrl string) (*dto.Note, error)
	FetchCollectionPage(pageUrl string) (*dto.OrderedCollectionPage, error)
	FetchWebfinger(handle, host string) (*dto.WebfingerResp, error)
}

type remoteFetcher struct {
	cfg       *shared.Config
	logger    shared.ILogger
	userAgent shared.IUserAgent
	metrics   IMetrics
}

func NewRemoteFetcher(
	cfg *shared.Config,
	logger shared.ILogger,
	userAgent shared.IUserAgent,
	metrics IMetrics,
) IRemoteFetcher {
	return &remoteFetcher{cfg, logger, userAgent, metrics}
}

func (rf *remoteFetcher) getJson(docUrl, accept, metricLabel string, obj any) error {

	obs := rf.metrics.StartApubRequestOut(metricLabel)
	defer obs.Finish()

	var req *http.Request
	var err error
	if req, err = http.NewRequest("GET", docUrl, nil); err != nil {
		return resolutionErr(docUrl, "%v", err)
	}
	req.Header.Set("Accept", accept)
	rf.userAgent.AddUserAgent(req)

	client := http.Client{Timeout: time.Second * fetchTimeoutSec}
	var resp *http.Response
	if resp, err = client.Do(req); err != nil {
		return resolutionErr(docUrl, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resolutionErr(docUrl, "got status %v", resp.StatusCode)
	}

	var bodyBytes []byte
	if bodyBytes, err = io.ReadAll(resp.Body); err != nil {
		return resolutionErr(docUrl, "failed to read response: %v", err)
	}
	if err = json.Unmarshal(bodyBytes, obj); err != nil {
		return resolutionErr(docUrl, "invalid JSON: %v", err)
	}
	return nil
}

func (rf *remoteFetcher) FetchActor(actorUrl string) (*dto.ActorDoc, error) {

	var doc dto.ActorDoc
	if err := rf.getJson(actorUrl, acceptActivityJson, "actor", &doc); err != nil {
		return nil, err
	}
	if doc.Id == "" || doc.Type == "" {
		return nil, resolutionErr(actorUrl, "actor document lacks id or type")
	}
	return &doc, nil
}

func (rf *remoteFetcher) FetchNote(objectUrl string) (*dto.Note, error) {

	var note dto.Note
	if err := rf.getJson(objectUrl, acceptActivityJson, "object", &note); err != nil {
		return nil, err
	}
	if note.Id == "" || note.Type == "" {
		return nil, resolutionErr(objectUrl, "object document lacks id or type")
	}
	if note.AttributedTo == "" {
		return nil, resolutionErr(objectUrl, "object document lacks attributedTo")
	}
	return &note, nil
}

func (rf *remoteFetcher) FetchCollectionPage(pageUrl string) (*dto.OrderedCollectionPage, error) {

	var page dto.OrderedCollectionPage
	if err := rf.getJson(pageUrl, acceptActivityJson, "collection", &page); err != nil {
		return nil, err
	}
	if page.Id == "" || page.Type == "" {
		return nil, resolutionErr(pageUrl, "collection document lacks id or type")
	}
	return &page, nil
}

func (rf *remoteFetcher) FetchWebfinger(handle, host string) (*dto.WebfingerResp, error) {

	wfUrl := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", host, handle, host)
	var resp dto.WebfingerResp
	if err := rf.getJson(wfUrl, "application/jrd+json", "webfinger", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
