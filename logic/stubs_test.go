package logic

import (
	"crypto/rsa"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"

	"github.com/charmbracelet/log"
)

const testHost = "hilltown.social"

func newTestConfig(t *testing.T) *shared.Config {
	return &shared.Config{
		Host:        testHost,
		DbFile:      filepath.Join(t.TempDir(), "test.db"),
		MaxPageSize: 10,
		Secrets:     shared.Secrets{PrivKeyPass: "test-pass"},
	}
}

func newTestLogger() shared.ILogger {
	return log.New(io.Discard)
}

func newTestRepo(t *testing.T, cfg *shared.Config) dal.IRepo {
	repo := dal.NewRepo(cfg, newTestLogger())
	repo.InitUpdateDb()
	return repo
}

type nopObserver struct{}

func (nopObserver) Finish() {}

type nopMetrics struct{}

func (nopMetrics) StartApubRequestIn(string) IRequestObserver  { return nopObserver{} }
func (nopMetrics) StartApubRequestOut(string) IRequestObserver { return nopObserver{} }
func (nopMetrics) ActivityHandled(string)                      {}
func (nopMetrics) ActivityRejected(string)                     {}
func (nopMetrics) ActorResolved(string)                        {}
func (nopMetrics) ObjectResolved(string)                       {}
func (nopMetrics) NotificationCreated(string)                  {}
func (nopMetrics) PushRequested()                              {}
func (nopMetrics) PushFailed()                                 {}
func (nopMetrics) PushQueueLength(int)                         {}
func (nopMetrics) TotalPeers(int)                              {}
func (nopMetrics) ServiceStarted()                             {}

// stubFetcher serves canned documents and counts fetches. Unknown URLs
// resolve the way a dead remote server would.
type stubFetcher struct {
	mu           sync.Mutex
	actors       map[string]*dto.ActorDoc
	notes        map[string]*dto.Note
	pages        map[string]*dto.OrderedCollectionPage
	webfingers   map[string]*dto.WebfingerResp
	actorFetches int
	noteFetches  int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		actors:     make(map[string]*dto.ActorDoc),
		notes:      make(map[string]*dto.Note),
		pages:      make(map[string]*dto.OrderedCollectionPage),
		webfingers: make(map[string]*dto.WebfingerResp),
	}
}

func (sf *stubFetcher) FetchActor(actorUrl string) (*dto.ActorDoc, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.actorFetches++
	doc, ok := sf.actors[actorUrl]
	if !ok {
		return nil, resolutionErr(actorUrl, "got status 404")
	}
	return doc, nil
}

func (sf *stubFetcher) FetchNote(objectUrl string) (*dto.Note, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.noteFetches++
	note, ok := sf.notes[objectUrl]
	if !ok {
		return nil, resolutionErr(objectUrl, "got status 404")
	}
	return note, nil
}

func (sf *stubFetcher) FetchCollectionPage(pageUrl string) (*dto.OrderedCollectionPage, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	page, ok := sf.pages[pageUrl]
	if !ok {
		return nil, resolutionErr(pageUrl, "got status 404")
	}
	return page, nil
}

func (sf *stubFetcher) FetchWebfinger(handle, host string) (*dto.WebfingerResp, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	moniker := handle + "@" + host
	resp, ok := sf.webfingers[moniker]
	if !ok {
		return nil, resolutionErr(moniker, "got status 404")
	}
	return resp, nil
}

func (sf *stubFetcher) getActorFetches() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.actorFetches
}

func (sf *stubFetcher) getNoteFetches() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.noteFetches
}

type sentActivity struct {
	sendingUser string
	inboxUrl    string
	activity    *dto.ActivityOut
}

type stubSender struct {
	mu    sync.Mutex
	sends []sentActivity
}

func (ss *stubSender) Send(privKey *rsa.PrivateKey, sendingUser, inboxUrl string, activity *dto.ActivityOut) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sends = append(ss.sends, sentActivity{sendingUser, inboxUrl, activity})
	return nil
}

type queuedPush struct {
	deliveryId string
	recipient  string
	payload    string
}

type stubPushQueue struct {
	mu    sync.Mutex
	items []queuedPush
}

func (spq *stubPushQueue) EnqueueDelivery(deliveryId, recipient, payload string) error {
	spq.mu.Lock()
	defer spq.mu.Unlock()
	spq.items = append(spq.items, queuedPush{deliveryId, recipient, payload})
	return nil
}

func (spq *stubPushQueue) getItems() []queuedPush {
	spq.mu.Lock()
	defer spq.mu.Unlock()
	res := make([]queuedPush, len(spq.items))
	copy(res, spq.items)
	return res
}

func makeRemoteActorDoc(url, handle string) *dto.ActorDoc {
	return &dto.ActorDoc{
		Id:                url,
		Type:              "Person",
		PreferredUserName: handle,
		Inbox:             url + "/inbox",
		Outbox:            url + "/outbox",
		Following:         url + "/following",
		Followers:         url + "/followers",
		Endpoints:         dto.UserEndpoints{SharedInbox: "https://remote.example/inbox"},
		PublicKey:         dto.PublicKey{Id: url + "#main-key", Owner: url, PublicKeyPem: "PUBKEY"},
	}
}

func makeRemoteNote(url, authorUrl, content string) *dto.Note {
	return &dto.Note{
		Id:           url,
		Type:         "Note",
		Published:    "2026-08-24T10:00:00Z",
		AttributedTo: authorUrl,
		To:           []string{shared.ActivityPublic},
		Content:      content,
	}
}
