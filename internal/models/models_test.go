package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationPeer(t *testing.T) {
	c := Conversation{MemberIDs: []string{"a", "b"}}
	assert.Equal(t, "b", c.Peer("a"))
	assert.Equal(t, "a", c.Peer("b"))
	assert.Equal(t, "", c.Peer("z"))

	self := Conversation{MemberIDs: []string{"a", "a"}}
	assert.False(t, self.Valid())
	assert.Equal(t, "", self.Peer("a"))
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	ab := Conversation{MemberIDs: []string{"a", "b"}}
	ba := Conversation{MemberIDs: []string{"b", "a"}}
	assert.Equal(t, ab.PairKey(), ba.PairKey())
	assert.Equal(t, "a|b", PairKey("b", "a"))
}

func TestIconForUserIsStable(t *testing.T) {
	first := IconForUser("user-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, IconForUser("user-1"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, IconCount)
}

func TestIsDigits(t *testing.T) {
	assert.True(t, IsDigits("5551234"))
	assert.False(t, IsDigits(""))
	assert.False(t, IsDigits("555-1234"))
	assert.False(t, IsDigits("+15551234"))
	assert.False(t, IsDigits("５５５"))
}

func TestUserIsComplete(t *testing.T) {
	assert.False(t, User{UserID: "a"}.IsComplete())
	assert.False(t, User{UserID: "a", DisplayName: "  ", PhoneNumber: "1"}.IsComplete())
	assert.True(t, User{UserID: "a", DisplayName: "Ann", PhoneNumber: "1"}.IsComplete())
}

func TestMessagesCollection(t *testing.T) {
	assert.Equal(t, "chats/c1/messages", MessagesCollection("c1"))
}
