package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/ws"
)

// DocsHandler serves the document protocol to signed-in clients.
type DocsHandler struct {
	Store store.Store
	Log   zerolog.Logger
}

func (h *DocsHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, chaterr.ErrNotSignedIn)
		return
	}
	ws.ServeWs(h.Store, MemberPolicy{Store: h.Store}, p.ID, w, r, h.Log)
}

// MemberPolicy is the access rule set of the document endpoint:
//   - users may be read by anyone signed in; users/{id} is written only by id
//   - chats may be read by anyone signed in and created by one of the two
//     members; an existing chat is written only by its members and keeps them
//   - chats/{id}/messages is read and written only by members of chats/{id},
//     and a message's senderId is always the writer
//   - credential collections and anything else are never exposed
type MemberPolicy struct {
	Store store.Store
}

var _ ws.Policy = MemberPolicy{}

func (p MemberPolicy) CanRead(ctx context.Context, userID, collection, id string) bool {
	switch {
	case collection == models.UsersCollection, collection == models.ChatsCollection:
		return true
	default:
		convID, ok := messagesOf(collection)
		return ok && p.isMember(ctx, userID, convID)
	}
}

func (p MemberPolicy) CanWrite(ctx context.Context, userID string, w ws.Write) bool {
	switch {
	case w.Collection == models.UsersCollection:
		return w.DocID != "" && w.DocID == userID
	case w.Collection == models.ChatsCollection:
		if w.DocID != "" {
			_, err := p.Store.Get(ctx, models.ChatsCollection, w.DocID)
			if err == nil {
				return p.isMember(ctx, userID, w.DocID) && keepsMembers(w, userID)
			}
			if !errors.Is(err, store.ErrNoDocument) {
				return false
			}
		}
		return w.Op != ws.OpUpdate && joinsPair(w.Data, userID)
	case w.Collection == auth.CredentialsCollection, w.Collection == auth.FederatedCollection:
		return false
	default:
		convID, ok := messagesOf(w.Collection)
		return ok && p.isMember(ctx, userID, convID) && sentBy(w, userID)
	}
}

// joinsPair reports whether data is a two-member conversation that
// includes userID.
func joinsPair(data json.RawMessage, userID string) bool {
	var c models.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return false
	}
	return c.Valid() && c.HasMember(userID)
}

// keepsMembers rejects writes to an existing chat that would leave userID
// out or break the pair.
func keepsMembers(w ws.Write, userID string) bool {
	if w.Op == ws.OpUpdate {
		_, touched := w.Fields["memberIds"]
		return !touched
	}
	return joinsPair(w.Data, userID)
}

// sentBy reports whether a message write is attributed to userID.
func sentBy(w ws.Write, userID string) bool {
	if w.Op == ws.OpUpdate {
		sender, touched := w.Fields["senderId"]
		return !touched || sender == userID
	}
	var m models.Message
	if err := json.Unmarshal(w.Data, &m); err != nil {
		return false
	}
	return m.SenderID == userID
}

func (p MemberPolicy) isMember(ctx context.Context, userID, convID string) bool {
	doc, err := p.Store.Get(ctx, models.ChatsCollection, convID)
	if err != nil {
		return false
	}
	var c models.Conversation
	if err := doc.Decode(&c); err != nil {
		return false
	}
	return c.HasMember(userID)
}

// messagesOf extracts the conversation id from chats/{id}/messages.
func messagesOf(collection string) (string, bool) {
	rest, ok := strings.CutPrefix(collection, models.ChatsCollection+"/")
	if !ok {
		return "", false
	}
	convID, ok := strings.CutSuffix(rest, "/messages")
	if !ok || convID == "" || strings.Contains(convID, "/") {
		return "", false
	}
	return convID, models.MessagesCollection(convID) == collection
}
