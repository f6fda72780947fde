package logic

import (
	"strings"
	"testing"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupActorCacheTest(t *testing.T) (*shared.Config, dal.IRepo, *stubFetcher, IActorCache) {
	cfg := newTestConfig(t)
	repo := newTestRepo(t, cfg)
	fetcher := newStubFetcher()
	keyStore := NewKeyStore(cfg, repo)
	cache := NewActorCache(cfg, newTestLogger(), repo, fetcher, keyStore, nopMetrics{})
	return cfg, repo, fetcher, cache
}

func Test_ActorCache_FetchesOnce(t *testing.T) {

	_, _, fetcher, cache := setupActorCacheTest(t)

	actorUrl := "https://remote.example/u/pixie"
	fetcher.actors[actorUrl] = makeRemoteActorDoc(actorUrl, "pixie")

	actor, err := cache.Resolve(actorUrl)
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, "pixie", actor.Handle)
	assert.Equal(t, "remote.example", actor.Host)
	assert.NotZero(t, actor.LocalId)

	again, err := cache.Resolve(actorUrl)
	require.NoError(t, err)
	assert.Equal(t, actor.Url, again.Url)
	assert.Equal(t, 1, fetcher.getActorFetches())
}

func Test_ActorCache_CanonicalIdWins(t *testing.T) {

	_, repo, fetcher, cache := setupActorCacheTest(t)

	aliasUrl := "https://remote.example/users/pixie"
	canonUrl := "https://remote.example/u/pixie"
	fetcher.actors[aliasUrl] = makeRemoteActorDoc(canonUrl, "pixie")

	actor, err := cache.Resolve(aliasUrl)
	require.NoError(t, err)
	assert.Equal(t, canonUrl, actor.Url)

	stored, err := repo.GetActorByUrl(canonUrl)
	require.NoError(t, err)
	assert.NotNil(t, stored)
	aliasStored, err := repo.GetActorByUrl(aliasUrl)
	require.NoError(t, err)
	assert.Nil(t, aliasStored)
}

func Test_ActorCache_SanitizesAndClamps(t *testing.T) {

	_, _, fetcher, cache := setupActorCacheTest(t)

	actorUrl := "https://remote.example/u/pixie"
	doc := makeRemoteActorDoc(actorUrl, "pixie")
	doc.Name = strings.Repeat("n", 40)
	doc.Summary = "<script>alert(1)</script>" + strings.Repeat("s", 600)
	fetcher.actors[actorUrl] = doc

	actor, err := cache.Resolve(actorUrl)
	require.NoError(t, err)
	assert.Equal(t, shared.MaxNameLen, len(actor.Name))
	assert.Equal(t, shared.MaxSummaryLen, len(actor.Summary))
	assert.NotContains(t, actor.Summary, "<script>")
}

func Test_ActorCache_EndpointDefaults(t *testing.T) {

	_, _, fetcher, cache := setupActorCacheTest(t)

	actorUrl := "https://remote.example/u/bare"
	doc := &dto.ActorDoc{
		Id:                actorUrl,
		Type:              "Person",
		PreferredUserName: "bare",
	}
	fetcher.actors[actorUrl] = doc

	actor, err := cache.Resolve(actorUrl)
	require.NoError(t, err)
	assert.Equal(t, actorUrl+"/inbox", actor.Inbox)
	assert.Equal(t, actorUrl+"/outbox", actor.Outbox)
	assert.Equal(t, actorUrl+"/followers", actor.Followers)
	assert.Equal(t, actorUrl+"/following", actor.Following)
	// Without a shared inbox, deliveries fall back to the plain inbox
	assert.Equal(t, actorUrl+"/inbox", actor.SharedInbox)
}

func Test_ActorCache_ResolveFailure(t *testing.T) {

	_, repo, _, cache := setupActorCacheTest(t)

	actor, err := cache.Resolve("https://remote.example/u/gone")
	assert.Nil(t, actor)
	assert.True(t, IsResolutionError(err))

	stored, err := repo.GetActorByUrl("https://remote.example/u/gone")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func Test_ActorCache_RecordsPeer(t *testing.T) {

	_, repo, fetcher, cache := setupActorCacheTest(t)

	actorUrl := "https://remote.example/u/pixie"
	fetcher.actors[actorUrl] = makeRemoteActorDoc(actorUrl, "pixie")
	_, err := cache.Resolve(actorUrl)
	require.NoError(t, err)

	count, err := repo.GetPeerCount()
	require.NoError(t, err)
	assert.Equal(t, uint(1), count)
}

func Test_ActorCache_CreateLocal(t *testing.T) {

	cfg, repo, _, cache := setupActorCacheTest(t)

	actor, reqProblem, err := cache.CreateLocal("maple", "Maple", "Hello", false)
	require.NoError(t, err)
	require.Empty(t, reqProblem)
	require.NotNil(t, actor)
	assert.Equal(t, "https://"+cfg.Host+"/u/maple", actor.Url)
	assert.True(t, actor.IsLocal)
	assert.NotZero(t, actor.LocalId)
	assert.Contains(t, actor.PubKey, "RSA PUBLIC KEY")

	privKey, err := repo.GetPrivKey("maple")
	require.NoError(t, err)
	assert.Contains(t, privKey, "RSA PRIVATE KEY")

	// Creating the same handle again is a request problem, not an error
	_, reqProblem, err = cache.CreateLocal("maple", "Maple", "", false)
	require.NoError(t, err)
	assert.NotEmpty(t, reqProblem)

	_, reqProblem, err = cache.CreateLocal("Bad Handle!", "", "", false)
	require.NoError(t, err)
	assert.NotEmpty(t, reqProblem)
}

func Test_ActorCache_ResolveHandle(t *testing.T) {

	_, _, fetcher, cache := setupActorCacheTest(t)

	_, reqProblem, err := cache.CreateLocal("maple", "Maple", "", false)
	require.NoError(t, err)
	require.Empty(t, reqProblem)

	local, err := cache.ResolveHandle("maple", testHost)
	require.NoError(t, err)
	assert.True(t, local.IsLocal)

	remoteUrl := "https://remote.example/u/pixie"
	fetcher.actors[remoteUrl] = makeRemoteActorDoc(remoteUrl, "pixie")
	fetcher.webfingers["pixie@remote.example"] = &dto.WebfingerResp{
		Subject: "acct:pixie@remote.example",
		Links: []dto.WebfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: remoteUrl},
		},
	}

	remote, err := cache.ResolveHandle("pixie", "remote.example")
	require.NoError(t, err)
	assert.Equal(t, remoteUrl, remote.Url)

	_, err = cache.ResolveHandle("nobody", "remote.example")
	assert.True(t, IsResolutionError(err))
}

func Test_ActorCache_UpdateLocalProfile(t *testing.T) {

	_, repo, _, cache := setupActorCacheTest(t)

	_, reqProblem, err := cache.CreateLocal("maple", "Maple", "", false)
	require.NoError(t, err)
	require.Empty(t, reqProblem)

	aka := []string{"https://old.example/u/maple"}
	reqProblem, err = cache.UpdateLocalProfile("maple", "<b>New</b> bio", aka)
	require.NoError(t, err)
	assert.Empty(t, reqProblem)

	actor, err := repo.GetActorByHandle("maple")
	require.NoError(t, err)
	assert.Equal(t, "New bio", actor.Summary)
	assert.Equal(t, "https://old.example/u/maple", actor.AlsoKnownAs)

	reqProblem, err = cache.UpdateLocalProfile("nobody", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reqProblem)
}
