package logic

import (
	"strings"
	"testing"
	"waxwing/dal"
	"waxwing/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupObjectCacheTest(t *testing.T) (dal.IRepo, *stubFetcher, IObjectCache) {
	cfg := newTestConfig(t)
	repo := newTestRepo(t, cfg)
	fetcher := newStubFetcher()
	cache := NewObjectCache(cfg, newTestLogger(), repo, fetcher, nopMetrics{})
	return repo, fetcher, cache
}

func Test_ObjectCache_FetchesOnce(t *testing.T) {

	_, fetcher, cache := setupObjectCacheTest(t)

	noteUrl := "https://remote.example/notes/1"
	authorUrl := "https://remote.example/u/pixie"
	fetcher.notes[noteUrl] = makeRemoteNote(noteUrl, authorUrl, "<p>Henlo</p>")

	obj, err := cache.Resolve(noteUrl)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, authorUrl, obj.AuthorUrl)
	assert.Equal(t, UrlHash(noteUrl), obj.UrlHash)
	assert.NotZero(t, obj.LocalId)

	_, err = cache.Resolve(noteUrl)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.getNoteFetches())
}

func Test_ObjectCache_RelayKeepsProvenance(t *testing.T) {

	_, fetcher, cache := setupObjectCacheTest(t)

	noteUrl := "https://remote.example/notes/1"
	authorUrl := "https://remote.example/u/pixie"
	relayUrl := "https://other.example/u/booster"
	fetcher.notes[noteUrl] = makeRemoteNote(noteUrl, authorUrl, "<p>Henlo</p>")

	obj, err := cache.ResolveRelayed(noteUrl, relayUrl)
	require.NoError(t, err)
	assert.Equal(t, authorUrl, obj.AuthorUrl)
	assert.Equal(t, relayUrl, obj.RelayedBy)
}

func Test_ObjectCache_ResolveFailure(t *testing.T) {

	repo, _, cache := setupObjectCacheTest(t)

	obj, err := cache.Resolve("https://remote.example/notes/gone")
	assert.Nil(t, obj)
	assert.True(t, IsResolutionError(err))

	stored, err := repo.GetObjectByUrl("https://remote.example/notes/gone")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func Test_ObjectCache_SanitizesContent(t *testing.T) {

	_, fetcher, cache := setupObjectCacheTest(t)

	noteUrl := "https://remote.example/notes/1"
	authorUrl := "https://remote.example/u/pixie"
	content := `<p onclick="evil()">Hi</p><script>alert(1)</script>` + strings.Repeat("x", 6000)
	note := makeRemoteNote(noteUrl, authorUrl, content)
	longSummary := strings.Repeat("s", 600)
	note.Summary = &longSummary
	fetcher.notes[noteUrl] = note

	obj, err := cache.Resolve(noteUrl)
	require.NoError(t, err)
	assert.NotContains(t, obj.Content, "script")
	assert.NotContains(t, obj.Content, "onclick")
	assert.LessOrEqual(t, len(obj.Content), shared.MaxContentLen)
	assert.Equal(t, shared.MaxSummaryLen, len(obj.Summary))
}

func Test_ObjectCache_StoreNote_CanonicalId(t *testing.T) {

	repo, _, cache := setupObjectCacheTest(t)

	noteUrl := "https://remote.example/notes/1"
	authorUrl := "https://remote.example/u/pixie"
	note := makeRemoteNote(noteUrl, authorUrl, "<p>Henlo</p>")

	obj, isNew, err := cache.StoreNote(note, "")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, noteUrl, obj.Url)

	// Storing again converges on the existing row
	again, isNew, err := cache.StoreNote(note, "")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, obj.Id, again.Id)

	count, err := repo.GetObjectCountByAuthor(authorUrl)
	require.NoError(t, err)
	assert.Equal(t, uint(1), count)
}
