package shared

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestIdBuilder(t *testing.T) {
	idb := IdBuilder{Host: "hilltown.social"}
	assert.Equal(t, "https://hilltown.social", idb.SiteUrl())
	assert.Equal(t, "https://hilltown.social/inbox", idb.SharedInbox())
	assert.Equal(t, "https://hilltown.social/u/maple", idb.UserUrl("maple"))
	assert.Equal(t, "https://hilltown.social/u/maple#main-key", idb.UserKeyId("maple"))
	assert.Equal(t, "https://hilltown.social/u/maple/followers?max_id=42", idb.UserFollowersPage("maple", 42))
	assert.Equal(t, "https://hilltown.social/u/maple/status/42", idb.UserStatus("maple", 42))
}

func TestGetHostName(t *testing.T) {
	host, err := GetHostName("https://hilltown.social/u/maple")
	assert.NoError(t, err)
	assert.Equal(t, "hilltown.social", host)
}

func TestMakeFullMoniker(t *testing.T) {
	assert.Equal(t, "@maple@hilltown.social", MakeFullMoniker("hilltown.social", "maple"))
}
