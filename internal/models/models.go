package models

import (
	"hash/fnv"
	"sort"
	"strings"
)

// Collection names in the document store.
const (
	UsersCollection = "users"
	ChatsCollection = "chats"
)

// MessagesCollection is the message sub-collection owned by a conversation.
func MessagesCollection(conversationID string) string {
	return ChatsCollection + "/" + conversationID + "/messages"
}

// User is the canonical profile record stored at users/{userId}.
type User struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Email       string `json:"email,omitempty"`
	IconIndex   int    `json:"profileIcon"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// IsComplete reports whether the record carries everything needed to be
// found by other users.
func (u User) IsComplete() bool {
	return strings.TrimSpace(u.DisplayName) != "" && u.PhoneNumber != ""
}

// UnknownUser is the placeholder shown when a peer cannot be resolved.
func UnknownUser(id string) User {
	return User{UserID: id, DisplayName: "Unknown User"}
}

// IconCount is the number of built-in profile icons.
const IconCount = 5

// IconForUser derives a stable built-in icon for a user id.
func IconForUser(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % IconCount)
}

// IsDigits reports whether s is a non-empty run of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Conversation is a two-party thread stored at chats/{conversationId}.
// Members holds profile snapshots taken when the conversation was created.
type Conversation struct {
	ID        string          `json:"-"`
	MemberIDs []string        `json:"memberIds"`
	CreatedAt int64           `json:"createdAt"`
	Members   map[string]User `json:"members,omitempty"`
}

// Valid reports whether the conversation has exactly two distinct members.
func (c Conversation) Valid() bool {
	return len(c.MemberIDs) == 2 && c.MemberIDs[0] != "" && c.MemberIDs[1] != "" &&
		c.MemberIDs[0] != c.MemberIDs[1]
}

func (c Conversation) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Peer returns the member that is not selfID, or "" if selfID is not a
// member of a valid conversation.
func (c Conversation) Peer(selfID string) string {
	if !c.Valid() || !c.HasMember(selfID) {
		return ""
	}
	if c.MemberIDs[0] == selfID {
		return c.MemberIDs[1]
	}
	return c.MemberIDs[0]
}

// PairKey identifies the unordered member pair.
func (c Conversation) PairKey() string {
	return PairKey(c.MemberIDs...)
}

func PairKey(ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// PeerSource records where a view's peer profile came from.
type PeerSource int

const (
	PeerFresh PeerSource = iota
	PeerSnapshot
	PeerPlaceholder
)

func (s PeerSource) String() string {
	switch s {
	case PeerFresh:
		return "fresh"
	case PeerSnapshot:
		return "snapshot"
	default:
		return "placeholder"
	}
}

// ConversationView is a conversation with its other party resolved.
type ConversationView struct {
	Conversation
	Peer       User
	PeerSource PeerSource
}

// Message is stored at chats/{conversationId}/messages/{messageId}.
type Message struct {
	ID       string `json:"-"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
	// Seq is the store's commit sequence for the message.
	Seq int64 `json:"-"`
}
