package dal

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"waxwing/shared"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	cfg := &shared.Config{
		Host:   "test.example",
		DbFile: filepath.Join(t.TempDir(), "test.db"),
	}
	logger := log.New(io.Discard)
	repo := NewRepo(cfg, logger).(*Repo)
	repo.InitUpdateDb()
	return repo
}

func makeTestActor(url, handle string, isLocal bool) *Actor {
	return &Actor{
		CreatedAt:   time.Now(),
		Url:         url,
		Handle:      handle,
		Host:        "remote.example",
		ActorType:   "Person",
		Inbox:       url + "/inbox",
		Outbox:      url + "/outbox",
		Following:   url + "/following",
		Followers:   url + "/followers",
		SharedInbox: "https://remote.example/inbox",
		IsLocal:     isLocal,
	}
}

func Test_AllocateId_ConcurrentUnique(t *testing.T) {

	repo := newTestRepo(t)

	const goroutines = 16
	const perGoroutine = 20

	var wg sync.WaitGroup
	ids := make(chan int64, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id, err := repo.AllocateId("actor", time.Now())
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{})
	for id := range ids {
		_, dupe := seen[id]
		assert.False(t, dupe, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, goroutines*perGoroutine, len(seen))
}

func Test_AllocateId_OrderedAcrossBuckets(t *testing.T) {

	repo := newTestRepo(t)

	at := time.Now()
	earlier, err := repo.AllocateId("object", at)
	require.NoError(t, err)
	later, err := repo.AllocateId("object", at.Add(time.Second))
	require.NoError(t, err)
	assert.Less(t, earlier, later)
}

func Test_AllocateId_BucketExhausted(t *testing.T) {

	repo := newTestRepo(t)

	at := time.Now()
	_, err := repo.AllocateId("actor", at)
	require.NoError(t, err)

	// Push the counter to the limit directly; reaching it organically
	// takes 64k allocations.
	_, err = repo.db.Exec(`UPDATE id_marks SET counter=? WHERE entity='actor'`, maxBucketCounter)
	require.NoError(t, err)

	_, err = repo.AllocateId("actor", at)
	assert.Error(t, err)
}

func Test_AllocateId_EntitiesIndependent(t *testing.T) {

	repo := newTestRepo(t)

	at := time.Now()
	actorId, err := repo.AllocateId("actor", at)
	require.NoError(t, err)
	objectId, err := repo.AllocateId("object", at)
	require.NoError(t, err)
	// Same bucket, same first counter value
	assert.Equal(t, actorId, objectId)
}

func Test_AddActorIfNotExist_ConcurrentSingleWinner(t *testing.T) {

	repo := newTestRepo(t)

	const goroutines = 10
	var wg sync.WaitGroup
	newCount := 0
	var mu sync.Mutex
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actor := makeTestActor("https://remote.example/u/maple", "maple", false)
			isNew, err := repo.AddActorIfNotExist(actor, "")
			assert.NoError(t, err)
			if isNew {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, newCount)
	actor, err := repo.GetActorByUrl("https://remote.example/u/maple")
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, "maple", actor.Handle)
}

func Test_GetActorByHandle_LocalOnly(t *testing.T) {

	repo := newTestRepo(t)

	remote := makeTestActor("https://remote.example/u/maple", "maple", false)
	_, err := repo.AddActorIfNotExist(remote, "")
	require.NoError(t, err)

	actor, err := repo.GetActorByHandle("maple")
	require.NoError(t, err)
	assert.Nil(t, actor)

	local := makeTestActor("https://test.example/u/maple", "maple", true)
	_, err = repo.AddActorIfNotExist(local, "PRIVKEY")
	require.NoError(t, err)

	actor, err = repo.GetActorByHandle("maple")
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, "https://test.example/u/maple", actor.Url)

	privKey, err := repo.GetPrivKey("maple")
	require.NoError(t, err)
	assert.Equal(t, "PRIVKEY", privKey)
}

func Test_BackfillActorLocalId_OnlyWhenMissing(t *testing.T) {

	repo := newTestRepo(t)

	actor := makeTestActor("https://remote.example/u/maple", "maple", false)
	_, err := repo.AddActorIfNotExist(actor, "")
	require.NoError(t, err)

	require.NoError(t, repo.BackfillActorLocalId(actor.Url, 111))
	// A second repair must not overwrite the value that landed first
	require.NoError(t, repo.BackfillActorLocalId(actor.Url, 222))

	got, err := repo.GetActorByUrl(actor.Url)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(111), got.LocalId)
}

func Test_AddEdgeIfNew_Idempotent(t *testing.T) {

	repo := newTestRepo(t)

	isNew, err := repo.AddEdgeIfNew(EdgeLike, "https://a.example/u/x", "https://b.example/notes/1", time.Now())
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = repo.AddEdgeIfNew(EdgeLike, "https://a.example/u/x", "https://b.example/notes/1", time.Now())
	require.NoError(t, err)
	assert.False(t, isNew)

	count, err := repo.GetEdgeCount(EdgeLike, "https://b.example/notes/1")
	require.NoError(t, err)
	assert.Equal(t, uint(1), count)

	// Same pair under a different kind is a separate edge
	isNew, err = repo.AddEdgeIfNew(EdgeAnnounce, "https://a.example/u/x", "https://b.example/notes/1", time.Now())
	require.NoError(t, err)
	assert.True(t, isNew)
}

func Test_RemoveEdge_MissingIsNoop(t *testing.T) {

	repo := newTestRepo(t)

	err := repo.RemoveEdge(EdgeFollow, "https://a.example/u/x", "https://test.example/u/maple")
	assert.NoError(t, err)
}

func Test_GetEdgePage_CursorStableUnderInserts(t *testing.T) {

	repo := newTestRepo(t)

	objectUrl := "https://test.example/u/maple"
	for i := 0; i < 25; i++ {
		subject := fmt.Sprintf("https://remote.example/u/f%02d", i)
		_, err := repo.AddEdgeIfNew(EdgeFollow, subject, objectUrl, time.Now())
		require.NoError(t, err)
	}

	page1, err := repo.GetEdgePage(EdgeFollow, objectUrl, 0, 10)
	require.NoError(t, err)
	require.Len(t, page1, 10)

	// New rows arriving between page reads must not shift the cursor
	for i := 25; i < 30; i++ {
		subject := fmt.Sprintf("https://remote.example/u/f%02d", i)
		_, err := repo.AddEdgeIfNew(EdgeFollow, subject, objectUrl, time.Now())
		require.NoError(t, err)
	}

	page2, err := repo.GetEdgePage(EdgeFollow, objectUrl, page1[len(page1)-1].Id, 10)
	require.NoError(t, err)
	require.Len(t, page2, 10)
	page3, err := repo.GetEdgePage(EdgeFollow, objectUrl, page2[len(page2)-1].Id, 10)
	require.NoError(t, err)
	require.Len(t, page3, 5)

	seen := make(map[string]struct{})
	for _, page := range [][]*Edge{page1, page2, page3} {
		for _, e := range page {
			_, dupe := seen[e.SubjectUrl]
			assert.False(t, dupe, "duplicate page item %s", e.SubjectUrl)
			seen[e.SubjectUrl] = struct{}{}
		}
	}
	// All original rows are covered, no overlaps, no gaps
	for i := 0; i < 25; i++ {
		subject := fmt.Sprintf("https://remote.example/u/f%02d", i)
		_, ok := seen[subject]
		assert.True(t, ok, "missing page item %s", subject)
	}
}

func Test_AddNotificationIfNew_Dedup(t *testing.T) {

	repo := newTestRepo(t)

	notif := &Notification{
		Kind:         NotifLike,
		RecipientUrl: "https://test.example/u/maple",
		OriginUrl:    "https://remote.example/u/x",
		SubjectUrl:   "https://test.example/u/maple/status/1",
		DedupHash:    42,
		DeliveryId:   "d-1",
		CreatedAt:    time.Now(),
	}
	isNew, err := repo.AddNotificationIfNew(notif)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotZero(t, notif.Id)

	dupe := *notif
	dupe.Id = 0
	dupe.DeliveryId = "d-2"
	isNew, err = repo.AddNotificationIfNew(&dupe)
	require.NoError(t, err)
	assert.False(t, isNew)

	other := *notif
	other.Id = 0
	other.DedupHash = 43
	other.DeliveryId = "d-3"
	isNew, err = repo.AddNotificationIfNew(&other)
	require.NoError(t, err)
	assert.True(t, isNew)

	page, err := repo.GetNotificationsPage("https://test.example/u/maple", 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func Test_PushQueue_Roundtrip(t *testing.T) {

	repo := newTestRepo(t)

	for i := 0; i < 3; i++ {
		err := repo.AddPushQueueItem(&PushQueueItem{
			DeliveryId: fmt.Sprintf("d-%d", i),
			Recipient:  "https://test.example/u/maple",
			Payload:    "{}",
			CreatedAt:  time.Now(),
		})
		require.NoError(t, err)
	}

	items, qlen, err := repo.GetPushQueueItems(-1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, qlen)
	require.Len(t, items, 2)
	assert.Equal(t, "d-0", items[0].DeliveryId)

	require.NoError(t, repo.DeletePushQueueItem(items[0].Id))
	items, qlen, err = repo.GetPushQueueItems(-1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, qlen)
	assert.Len(t, items, 2)
}

func Test_MarkActivityHandled(t *testing.T) {

	repo := newTestRepo(t)

	already, err := repo.MarkActivityHandled("https://remote.example/act/1", time.Now())
	require.NoError(t, err)
	assert.False(t, already)

	already, err = repo.MarkActivityHandled("https://remote.example/act/1", time.Now())
	require.NoError(t, err)
	assert.True(t, already)
}

func Test_UpsertPeer_RefreshesLastSeen(t *testing.T) {

	repo := newTestRepo(t)

	first := time.Now().Add(-time.Hour)
	require.NoError(t, repo.UpsertPeer("remote.example", first))
	require.NoError(t, repo.UpsertPeer("remote.example", time.Now()))

	count, err := repo.GetPeerCount()
	require.NoError(t, err)
	assert.Equal(t, uint(1), count)
}
