package logic

import (
	"testing"
	"waxwing/dal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupNotifierTest(t *testing.T) (dal.IRepo, *stubPushQueue, INotifier) {
	cfg := newTestConfig(t)
	repo := newTestRepo(t, cfg)
	pushQueue := &stubPushQueue{}
	notifier := NewNotifier(cfg, newTestLogger(), repo, pushQueue, nopMetrics{})
	return repo, pushQueue, notifier
}

func Test_Notifier_EmitOnce(t *testing.T) {

	repo, pushQueue, notifier := setupNotifierTest(t)

	recipient := "https://hilltown.social/u/maple"
	origin := "https://remote.example/u/pixie"
	subject := "https://hilltown.social/u/maple/status/1"

	isNew, err := notifier.Emit(dal.NotifLike, recipient, origin, subject)
	require.NoError(t, err)
	assert.True(t, isNew)

	// Same event again is swallowed
	isNew, err = notifier.Emit(dal.NotifLike, recipient, origin, subject)
	require.NoError(t, err)
	assert.False(t, isNew)

	// Same triple under a different kind is a distinct event
	isNew, err = notifier.Emit(dal.NotifReblog, recipient, origin, subject)
	require.NoError(t, err)
	assert.True(t, isNew)

	notifs, err := repo.GetNotificationsPage(recipient, 0, 10)
	require.NoError(t, err)
	assert.Len(t, notifs, 2)
	assert.Len(t, pushQueue.getItems(), 2)
}

func Test_Notifier_SelfSuppressed(t *testing.T) {

	repo, pushQueue, notifier := setupNotifierTest(t)

	actorUrl := "https://hilltown.social/u/maple"
	isNew, err := notifier.Emit(dal.NotifLike, actorUrl, actorUrl, actorUrl+"/status/1")
	require.NoError(t, err)
	assert.False(t, isNew)

	notifs, err := repo.GetNotificationsPage(actorUrl, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, notifs)
	assert.Empty(t, pushQueue.getItems())
}

func Test_Notifier_PushPayload(t *testing.T) {

	repo, pushQueue, notifier := setupNotifierTest(t)

	recipient := "https://hilltown.social/u/maple"
	origin := "https://remote.example/u/pixie"
	_, err := notifier.Emit(dal.NotifFollow, recipient, origin, recipient)
	require.NoError(t, err)

	notifs, err := repo.GetNotificationsPage(recipient, 0, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.NotEmpty(t, notifs[0].DeliveryId)

	items := pushQueue.getItems()
	require.Len(t, items, 1)
	assert.Equal(t, notifs[0].DeliveryId, items[0].deliveryId)
	assert.Equal(t, recipient, items[0].recipient)
	assert.Contains(t, items[0].payload, notifs[0].DeliveryId)
	assert.Contains(t, items[0].payload, `"kind":"follow"`)
}
