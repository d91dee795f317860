package diagnostic

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store/memstore"
)

func issuesFor(r Report, docID string) []string {
	var out []string
	for _, is := range r.Issues {
		if is.DocID == docID {
			out = append(out, string(is.Severity)+": "+is.Detail)
		}
	}
	return out
}

func TestRunFindsStructuralIssues(t *testing.T) {
	mem := memstore.New(zerolog.Nop())
	defer mem.Close()
	ctx := context.Background()

	set := func(coll, id string, v any) { require.NoError(t, mem.Set(ctx, coll, id, v)) }
	set(models.UsersCollection, "a", models.User{UserID: "a", DisplayName: "Ann", PhoneNumber: "5551111", Email: "annie@example.com"})
	set(models.UsersCollection, "b", models.User{UserID: "b", DisplayName: "Bob", PhoneNumber: "5551111"})
	set(models.UsersCollection, "c", models.User{UserID: "c", DisplayName: "", Email: "cathy@example.com"})
	set(models.UsersCollection, "d", models.User{UserID: "x", DisplayName: "Dan", PhoneNumber: "555-2222", IconIndex: 9})
	set(models.UsersCollection, "e", map[string]any{"userId": 42})

	set(models.ChatsCollection, "ok", models.Conversation{MemberIDs: []string{"a", "b"}, CreatedAt: 1, Members: map[string]models.User{"a": {}, "b": {}}})
	set(models.ChatsCollection, "dup", models.Conversation{MemberIDs: []string{"b", "a"}, CreatedAt: 2, Members: map[string]models.User{"a": {}, "b": {}}})
	set(models.ChatsCollection, "self", models.Conversation{MemberIDs: []string{"a", "a"}, CreatedAt: 3})
	set(models.ChatsCollection, "ghost", models.Conversation{MemberIDs: []string{"a", "zed"}})

	r, err := Run(ctx, mem)
	require.NoError(t, err)

	assert.Equal(t, 5, r.Users)
	assert.Equal(t, 3, r.ValidUsers)
	assert.Equal(t, 4, r.Chats)
	assert.Equal(t, 3, r.ValidChats)
	assert.Equal(t, 1, r.PhoneNumbers)
	assert.False(t, r.OK())

	assert.Equal(t, []string{"error: phone number shared by 2 users (a, b); lookups resolve to the earliest"}, issuesFor(r, "a"))
	assert.Empty(t, issuesFor(r, "b"))
	assert.Equal(t, []string{
		"error: displayName missing (ca***@example.com)",
		"error: phoneNumber missing, user cannot be found by phone (ca***@example.com)",
	}, issuesFor(r, "c"))
	assert.Len(t, issuesFor(r, "d"), 3)
	assert.Len(t, issuesFor(r, "e"), 1)

	assert.Empty(t, issuesFor(r, "ok"))
	assert.Equal(t, []string{"warning: duplicate of conversation ok for the same pair"}, issuesFor(r, "dup"))
	require.Len(t, issuesFor(r, "self"), 1)
	assert.True(t, strings.HasPrefix(issuesFor(r, "self")[0], "error: memberIds"))
	assert.ElementsMatch(t, []string{
		"warning: createdAt missing",
		"warning: member zed has no user record",
		"warning: no profile snapshot for member a",
		"warning: no profile snapshot for member zed",
	}, issuesFor(r, "ghost"))
}

func TestRunOnEmptyStore(t *testing.T) {
	mem := memstore.New(zerolog.Nop())
	defer mem.Close()

	r, err := Run(context.Background(), mem)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Zero(t, r.Users)
	r.Log(zerolog.Nop())
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "", maskEmail(""))
	assert.Equal(t, "a@example.com", maskEmail("a@example.com"))
	assert.Equal(t, "a*@example.com", maskEmail("ab@example.com"))
	assert.Equal(t, "al***@example.com", maskEmail("alice@example.com"))
	assert.Equal(t, "jon*********@example.com", maskEmail("jonathansmit@example.com"))
	assert.Equal(t, "not-an-email", maskEmail("not-an-email"))
}
