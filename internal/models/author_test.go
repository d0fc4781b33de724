package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleOf(t *testing.T) {
	own := Message{AuthorID: "u1", AuthorUsername: "ana"}
	admin := Message{AuthorID: "u9", AuthorUsername: AdminUsername}
	other := Message{AuthorID: "u2", AuthorUsername: "bob"}

	assert.Equal(t, RoleSelf, RoleOf(own, "u1"))
	assert.Equal(t, RoleAdmin, RoleOf(admin, "u1"))
	assert.Equal(t, RoleOther, RoleOf(other, "u1"))
	assert.Equal(t, RoleSelf, RoleOf(admin, "u9"))
}

func TestRoleBehavior(t *testing.T) {
	msg := Message{AuthorUsername: "bob"}

	assert.Equal(t, "You", DisplayName(RoleSelf, msg))
	assert.Equal(t, "bob", DisplayName(RoleOther, msg))
	assert.Equal(t, "end", Alignment(RoleSelf))
	assert.Equal(t, "start", Alignment(RoleAdmin))
	assert.True(t, CanManage(RoleSelf))
	assert.False(t, CanManage(RoleAdmin))
	assert.Equal(t, "alert", Accent(RoleAdmin))
}

func TestPositionLessTieBreaksOnID(t *testing.T) {
	msg := Message{ID: "b"}
	other := Message{ID: "a", CreatedAt: msg.CreatedAt}

	assert.True(t, other.Position().Less(msg.Position()))
	assert.False(t, msg.Position().Less(other.Position()))
}

func TestReactionsApplyNeverNegative(t *testing.T) {
	r := Reactions{"like": 1}

	next := r.Apply("like", -2)
	assert.Empty(t, next)
	assert.Equal(t, 1, r["like"])

	next = next.Apply("fire", 1)
	assert.Equal(t, Reactions{"fire": 1}, next)
}

func TestPresenceAllowsIsMonotonicWithinEpoch(t *testing.T) {
	stored := Presence{State: PresenceOffline, Epoch: 5}

	assert.False(t, stored.Allows(PresenceUpdate{State: PresenceOnline, Epoch: 5}))
	assert.True(t, stored.Allows(PresenceUpdate{State: PresenceOffline, Epoch: 5}))
	assert.True(t, stored.Allows(PresenceUpdate{State: PresenceOnline, Epoch: 6}))
	assert.False(t, stored.Allows(PresenceUpdate{State: PresenceOffline, Epoch: 4}))
}
