// Package diagnostic checks the users and chats collections for records the
// sync core would skip or mis-handle.
package diagnostic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Issue struct {
	Collection string   `json:"collection"`
	DocID      string   `json:"docId"`
	Severity   Severity `json:"severity"`
	Detail     string   `json:"detail"`
}

type Report struct {
	Users        int     `json:"users"`
	ValidUsers   int     `json:"validUsers"`
	PhoneNumbers int     `json:"phoneNumbers"`
	Chats        int     `json:"chats"`
	ValidChats   int     `json:"validChats"`
	Issues       []Issue `json:"issues"`
}

// OK reports whether no error-severity issue was found.
func (r Report) OK() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *Report) add(coll, id string, sev Severity, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Collection: coll, DocID: id, Severity: sev, Detail: fmt.Sprintf(format, args...)})
}

// Run scans both collections.
func Run(ctx context.Context, st store.Store) (Report, error) {
	var r Report
	users, err := st.Query(ctx, models.UsersCollection)
	if err != nil {
		return Report{}, err
	}
	known := checkUsers(&r, users)

	chats, err := st.Query(ctx, models.ChatsCollection)
	if err != nil {
		return Report{}, err
	}
	checkChats(&r, chats, known)
	return r, nil
}

func checkUsers(r *Report, docs []store.Document) map[string]bool {
	const coll = models.UsersCollection
	r.Users = len(docs)
	known := map[string]bool{}
	byPhone := map[string][]string{}

	for _, d := range docs {
		known[d.ID] = true
		var u models.User
		if err := d.Decode(&u); err != nil {
			r.add(coll, d.ID, SeverityError, "undecodable record: %v", err)
			continue
		}
		valid := true
		switch {
		case u.UserID == "":
			r.add(coll, d.ID, SeverityError, "userId missing")
			valid = false
		case u.UserID != d.ID:
			r.add(coll, d.ID, SeverityWarning, "userId %q does not match document id", u.UserID)
		}
		if strings.TrimSpace(u.DisplayName) == "" {
			r.add(coll, d.ID, SeverityError, "displayName missing (%s)", maskEmail(u.Email))
			valid = false
		}
		switch {
		case u.PhoneNumber == "":
			r.add(coll, d.ID, SeverityError, "phoneNumber missing, user cannot be found by phone (%s)", maskEmail(u.Email))
			valid = false
		case !models.IsDigits(u.PhoneNumber):
			r.add(coll, d.ID, SeverityWarning, "phoneNumber contains non-digit characters")
		default:
			byPhone[u.PhoneNumber] = append(byPhone[u.PhoneNumber], d.ID)
		}
		if u.IconIndex < 0 || u.IconIndex >= models.IconCount {
			r.add(coll, d.ID, SeverityWarning, "profileIcon %d out of range", u.IconIndex)
		}
		if valid {
			r.ValidUsers++
		}
	}

	r.PhoneNumbers = len(byPhone)
	phones := make([]string, 0, len(byPhone))
	for p := range byPhone {
		phones = append(phones, p)
	}
	sort.Strings(phones)
	for _, p := range phones {
		if ids := byPhone[p]; len(ids) > 1 {
			r.add(coll, ids[0], SeverityError, "phone number shared by %d users (%s); lookups resolve to the earliest", len(ids), strings.Join(ids, ", "))
		}
	}
	return known
}

func checkChats(r *Report, docs []store.Document, knownUsers map[string]bool) {
	const coll = models.ChatsCollection
	r.Chats = len(docs)
	pairs := map[string]string{}

	for _, d := range docs {
		var c models.Conversation
		if err := d.Decode(&c); err != nil {
			r.add(coll, d.ID, SeverityError, "undecodable record: %v", err)
			continue
		}
		if !c.Valid() {
			r.add(coll, d.ID, SeverityError, "memberIds must hold two distinct users, found %v", c.MemberIDs)
			continue
		}
		r.ValidChats++

		if c.CreatedAt == 0 {
			r.add(coll, d.ID, SeverityWarning, "createdAt missing")
		}
		for _, id := range c.MemberIDs {
			if !knownUsers[id] {
				r.add(coll, d.ID, SeverityWarning, "member %s has no user record", id)
			}
			if _, ok := c.Members[id]; !ok {
				r.add(coll, d.ID, SeverityWarning, "no profile snapshot for member %s", id)
			}
		}
		key := c.PairKey()
		if first, ok := pairs[key]; ok {
			r.add(coll, d.ID, SeverityWarning, "duplicate of conversation %s for the same pair", first)
		} else {
			pairs[key] = d.ID
		}
	}
}

// Log writes the report through log.
func (r Report) Log(log zerolog.Logger) {
	for _, is := range r.Issues {
		ev := log.Warn()
		if is.Severity == SeverityError {
			ev = log.Error()
		}
		ev.Str("collection", is.Collection).Str("doc_id", is.DocID).Msg(is.Detail)
	}
	log.Info().
		Int("users", r.Users).
		Int("valid_users", r.ValidUsers).
		Int("phone_numbers", r.PhoneNumbers).
		Int("chats", r.Chats).
		Int("valid_chats", r.ValidChats).
		Int("issues", len(r.Issues)).
		Bool("ok", r.OK()).
		Msg("diagnostic complete")
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return email
	}
	visible := 1
	if len(local) > 2 {
		visible = min(len(local)/2, 3)
	}
	if len(local) < visible {
		return email
	}
	return local[:visible] + strings.Repeat("*", len(local)-visible) + "@" + domain
}
