package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/memstore"
	"github.com/pliu/chatsync/internal/store/storetest"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

var secret = []byte("test-secret")

type world struct {
	mem *memstore.Store
	cap *storetest.Capturing
	dir *auth.Directory
}

func newWorld(t *testing.T) *world {
	w := &world{mem: memstore.New(zerolog.Nop())}
	t.Cleanup(func() { _ = w.mem.Close() })
	w.cap = storetest.NewCapturing(w.mem)
	w.dir = auth.NewDirectory(w.mem, secret)
	return w
}

func (w *world) session(t *testing.T) *Session { return w.sessionOn(t, w.cap) }

func (w *world) sessionOn(t *testing.T, st store.Store) *Session {
	s := New(st, auth.NewSession(w.dir, zerolog.Nop()), WithOpTimeout(wait))
	t.Cleanup(func() { _ = s.SignOut(context.Background()) })
	return s
}

// signUp creates an account with a complete profile and waits until the
// session is active.
func (w *world) signUp(t *testing.T, email, name, phone string) *Session {
	return activate(t, w.session(t), email, name, phone)
}

func activate(t *testing.T, s *Session, email, name, phone string) *Session {
	require.NoError(t, s.SignUp(context.Background(), SignUpInput{
		Email: email, Password: "hunter22", DisplayName: name, PhoneNumber: phone,
	}))
	require.Eventually(t, func() bool {
		return s.State().Get() == StateActive && s.Profile().Get().Status == identity.StatusReady
	}, wait, tick)
	return s
}

func (s *Session) userID(t *testing.T) string {
	u, err := s.resolver.Resolve()
	require.NoError(t, err)
	return u.UserID
}

func TestSignUpActivatesSession(t *testing.T) {
	w := newWorld(t)
	s := w.signUp(t, "ann@example.com", "Ann", "5551234")

	prof := s.Profile().Get()
	assert.True(t, prof.Present)
	assert.Equal(t, identity.StatusReady, prof.Status)
	assert.Equal(t, "Ann", prof.User.DisplayName)
	assert.Equal(t, "5551234", prof.User.PhoneNumber)

	require.Eventually(t, func() bool { return w.cap.ActiveOn(models.ChatsCollection) == 1 }, wait, tick)
	assert.Empty(t, s.Events().Drain())
}

func TestSignUpRejectsBadInputBeforeNetwork(t *testing.T) {
	w := newWorld(t)
	s := w.session(t)

	err := s.SignUp(context.Background(), SignUpInput{Email: "a@example.com", Password: "hunter22", DisplayName: "Ann", PhoneNumber: "555-1234"})
	assert.ErrorIs(t, err, chaterr.ErrValidation)
	assert.Equal(t, StateSignedOut, s.State().Get())

	_, err = w.mem.Get(context.Background(), auth.CredentialsCollection, "a@example.com")
	assert.ErrorIs(t, err, store.ErrNoDocument)
}

func TestSignInWithoutProfileNeedsCompletion(t *testing.T) {
	w := newWorld(t)
	_, err := w.dir.SignUp(context.Background(), "bob@example.com", "hunter22")
	require.NoError(t, err)

	s := w.session(t)
	require.NoError(t, s.SignIn(context.Background(), "bob@example.com", "hunter22"))
	assert.Equal(t, StateProfileIncomplete, s.State().Get())
	assert.Equal(t, 0, w.cap.ActiveOn(models.ChatsCollection))

	_, err = s.StartConversation(context.Background(), "5550000")
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	require.NoError(t, s.CompleteProfile(context.Background(), "Bob", "5559876"))
	assert.Equal(t, StateActive, s.State().Get())
	require.Eventually(t, func() bool { return w.cap.ActiveOn(models.ChatsCollection) == 1 }, wait, tick)

	// A later profile edit does not start a second list subscription.
	require.Eventually(t, func() bool { return s.Profile().Get().Present }, wait, tick)
	name := "Bobby"
	require.NoError(t, s.UpdateProfile(context.Background(), identity.ProfileUpdate{DisplayName: &name}))
	require.Eventually(t, func() bool { return s.Profile().Get().User.DisplayName == "Bobby" }, wait, tick)
	assert.Equal(t, 1, w.cap.ActiveOn(models.ChatsCollection))
}

func TestSignInExistingProfileIsActive(t *testing.T) {
	w := newWorld(t)
	first := w.signUp(t, "cat@example.com", "Cat", "5550001")
	require.NoError(t, first.SignOut(context.Background()))

	s := w.session(t)
	require.NoError(t, s.SignIn(context.Background(), "cat@example.com", "hunter22"))
	assert.Equal(t, StateActive, s.State().Get())
	assert.Equal(t, "Cat", s.Profile().Get().User.DisplayName)
}

func TestWrongPasswordReportsOnce(t *testing.T) {
	w := newWorld(t)
	_, err := w.dir.SignUp(context.Background(), "dan@example.com", "hunter22")
	require.NoError(t, err)

	s := w.session(t)
	err = s.SignIn(context.Background(), "dan@example.com", "wrong-password")
	assert.ErrorIs(t, err, chaterr.ErrAuth)
	assert.Equal(t, StateSignedOut, s.State().Get())

	select {
	case <-s.Events().Notify():
	case <-time.After(wait):
		t.Fatal("no notification")
	}
	events := s.Events().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, chaterr.KindAuth, events[0].Kind)
	assert.Empty(t, s.Events().Drain())
}

func TestSecondSignInIsRejected(t *testing.T) {
	w := newWorld(t)
	s := w.signUp(t, "eve@example.com", "Eve", "5550002")

	err := s.SignIn(context.Background(), "eve@example.com", "hunter22")
	assert.ErrorIs(t, err, chaterr.ErrValidation)
	assert.Equal(t, StateActive, s.State().Get())
}

func TestResumeFromToken(t *testing.T) {
	w := newWorld(t)
	w.signUp(t, "fay@example.com", "Fay", "5550003")
	g, err := w.dir.SignIn(context.Background(), "fay@example.com", "hunter22")
	require.NoError(t, err)

	s := w.session(t)
	require.NoError(t, s.Resume(context.Background(), g.Token))
	assert.Equal(t, StateActive, s.State().Get())

	other := w.session(t)
	err = other.Resume(context.Background(), g.Token+"x")
	assert.ErrorIs(t, err, chaterr.ErrAuth)
	assert.Equal(t, StateSignedOut, other.State().Get())
}

func TestFederatedSignInPrefillsProfile(t *testing.T) {
	w := newWorld(t)
	s := w.session(t)
	acct := auth.FederatedAccount{Email: "gus@example.com", DisplayName: "Gus", PhotoRef: "https://img.example.com/gus.png"}
	require.NoError(t, s.SignInFederated(context.Background(), acct))
	assert.Equal(t, StateProfileIncomplete, s.State().Get())

	require.NoError(t, s.CompleteProfile(context.Background(), "", "5550004"))
	require.Eventually(t, func() bool { return s.Profile().Get().Status == identity.StatusReady }, wait, tick)
	u := s.Profile().Get().User
	assert.Equal(t, "Gus", u.DisplayName)
	assert.Equal(t, acct.PhotoRef, u.ImageURL)
}

func TestConversationEndToEnd(t *testing.T) {
	w := newWorld(t)
	ann := w.signUp(t, "ann@example.com", "Ann", "5551111")
	bob := w.signUp(t, "bob@example.com", "Bob", "5552222")
	ctx := context.Background()

	conv, err := ann.StartConversation(ctx, "5552222")
	require.NoError(t, err)
	assert.True(t, conv.HasMember(ann.userID(t)))
	assert.True(t, conv.HasMember(bob.userID(t)))

	for _, s := range []*Session{ann, bob} {
		require.Eventually(t, func() bool {
			list := s.Conversations().Get()
			return len(list) == 1 && list[0].ID == conv.ID
		}, wait, tick)
	}
	assert.Equal(t, "Bob", ann.Conversations().Get()[0].Peer.DisplayName)
	assert.Equal(t, "Ann", bob.Conversations().Get()[0].Peer.DisplayName)

	again, err := bob.StartConversation(ctx, "5551111")
	assert.ErrorIs(t, err, chaterr.ErrConflict)
	assert.Equal(t, conv.ID, again.ID)
	events := bob.Events().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, chaterr.KindConflict, events[0].Kind)

	require.NoError(t, ann.OpenConversation(ctx, conv.ID))
	require.NoError(t, bob.OpenConversation(ctx, conv.ID))
	_, err = ann.Send(ctx, "  hi bob ")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := bob.Messages().Get()
		return len(msgs) == 1 && msgs[0].Body == "  hi bob "
	}, wait, tick)
	assert.Equal(t, ann.userID(t), bob.Messages().Get()[0].SenderID)
}

func TestStartConversationWithSelfOrUnknown(t *testing.T) {
	w := newWorld(t)
	s := w.signUp(t, "hal@example.com", "Hal", "5553333")

	_, err := s.StartConversation(context.Background(), "5553333")
	assert.ErrorIs(t, err, chaterr.ErrSelfPairing)

	_, err = s.StartConversation(context.Background(), "5559999")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)
	assert.Equal(t, StateActive, s.State().Get())
}

func TestSendNeedsOpenConversation(t *testing.T) {
	w := newWorld(t)
	s := w.signUp(t, "ivy@example.com", "Ivy", "5554444")

	_, err := s.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, chaterr.ErrValidation)
}

func TestSignOutWithOpenStreamStopsEverything(t *testing.T) {
	w := newWorld(t)
	ann := w.signUp(t, "ann@example.com", "Ann", "5551111")
	w.signUp(t, "bob@example.com", "Bob", "5552222")
	ctx := context.Background()

	conv, err := ann.StartConversation(ctx, "5552222")
	require.NoError(t, err)
	require.NoError(t, ann.OpenConversation(ctx, conv.ID))
	_, err = ann.Send(ctx, "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ann.Messages().Get()) == 1 }, wait, tick)

	msgColl := models.MessagesCollection(conv.ID)
	streamWatch := w.cap.Last(msgColl)
	require.NotNil(t, streamWatch)

	require.NoError(t, ann.SignOut(ctx))
	assert.Equal(t, StateSignedOut, ann.State().Get())
	assert.False(t, streamWatch.Active())
	assert.Empty(t, ann.Messages().Get())
	assert.Empty(t, ann.Conversations().Get())
	_, active := ann.ActiveConversation()
	assert.False(t, active)

	// Only the other session's listeners remain.
	assert.Equal(t, 0, w.cap.ActiveOn(msgColl))
	assert.Equal(t, 1, w.cap.ActiveOn(models.ChatsCollection))
	assert.Equal(t, 1, w.cap.ActiveOn(models.UsersCollection))

	// A delivery that was already in flight changes nothing.
	streamWatch.Fire(store.Snapshot{Docs: []store.Document{{ID: "m9", Data: []byte(`{"senderId":"x","body":"late","sentAt":1}`)}}}, nil)
	assert.Empty(t, ann.Messages().Get())

	_, err = ann.Send(ctx, "after")
	assert.ErrorIs(t, err, chaterr.ErrNotSignedIn)
	assert.NoError(t, ann.SignOut(ctx))
}

func TestLiveAuthFailureForcesSignOut(t *testing.T) {
	w := newWorld(t)
	s := w.signUp(t, "jo@example.com", "Jo", "5555555")
	s.Events().Drain()

	profileWatch := w.cap.Last(models.UsersCollection)
	require.NotNil(t, profileWatch)
	profileWatch.Fire(store.Snapshot{}, chaterr.New(chaterr.KindAuth, "watch", "token expired"))

	assert.Equal(t, StateSignedOut, s.State().Get())
	assert.Equal(t, 0, w.cap.ActiveOn(models.ChatsCollection))
	events := s.Events().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, chaterr.KindAuth, events[0].Kind)
}

func TestLiveStoreFailureKeepsSession(t *testing.T) {
	w := newWorld(t)
	s := w.signUp(t, "kim@example.com", "Kim", "5556666")
	s.Events().Drain()

	w.cap.Last(models.UsersCollection).Fire(store.Snapshot{}, chaterr.Unavailable("watch", errors.New("connection reset")))

	assert.Equal(t, StateActive, s.State().Get())
	events := s.Events().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, chaterr.KindStoreUnavailable, events[0].Kind)
	assert.Equal(t, "Can't reach the server right now. Please try again.", events[0].Message)
}

func TestConversationListRecoversAfterFailure(t *testing.T) {
	w := newWorld(t)
	f := storetest.NewFaulty(w.cap)
	f.FailOn(storetest.OpWatch, models.ChatsCollection, "", chaterr.Unavailable("watch", errors.New("offline")))
	ann := activate(t, w.sessionOn(t, f), "ann@example.com", "Ann", "5551111")
	ctx := context.Background()

	var events []Event
	require.Eventually(t, func() bool {
		events = append(events, ann.Events().Drain()...)
		return len(events) > 0
	}, wait, tick)
	require.Len(t, events, 1)
	assert.Equal(t, chaterr.KindStoreUnavailable, events[0].Kind)
	assert.Equal(t, StateActive, ann.State().Get())
	assert.Equal(t, "", ann.registry.Subscribed())

	f.Reset()
	require.NoError(t, ann.ReloadConversations(ctx))
	assert.Equal(t, ann.userID(t), ann.registry.Subscribed())
	annWatch := w.cap.Last(models.ChatsCollection)
	require.NotNil(t, annWatch)

	bob := w.signUp(t, "bob@example.com", "Bob", "5552222")
	conv, err := bob.StartConversation(ctx, "5551111")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list := ann.Conversations().Get()
		return len(list) == 1 && list[0].ID == conv.ID
	}, wait, tick)

	// A live query that drops is reported once and can be restarted.
	annWatch.Fire(store.Snapshot{}, chaterr.Unavailable("watch", errors.New("connection reset")))
	assert.False(t, annWatch.Active())
	assert.Equal(t, "", ann.registry.Subscribed())
	assert.Len(t, ann.Conversations().Get(), 1)
	require.Len(t, ann.Events().Drain(), 1)

	require.NoError(t, ann.ReloadConversations(ctx))
	assert.Equal(t, ann.userID(t), ann.registry.Subscribed())
	assert.Equal(t, 2, w.cap.ActiveOn(models.ChatsCollection))

	require.NoError(t, ann.SignOut(ctx))
	assert.ErrorIs(t, ann.ReloadConversations(ctx), chaterr.ErrNotSignedIn)
}

func TestSignOutWhileOpeningLeavesNoListener(t *testing.T) {
	w := newWorld(t)
	f := storetest.NewFaulty(w.cap)
	ann := activate(t, w.sessionOn(t, f), "ann@example.com", "Ann", "5551111")
	w.signUp(t, "bob@example.com", "Bob", "5552222")
	ctx := context.Background()

	conv, err := ann.StartConversation(ctx, "5552222")
	require.NoError(t, err)

	msgColl := models.MessagesCollection(conv.ID)
	release := f.HoldOn(storetest.OpWatch, msgColl, "")
	defer release()
	before := f.Calls(storetest.OpWatch)

	opened := make(chan error, 1)
	go func() { opened <- ann.OpenConversation(ctx, conv.ID) }()
	require.Eventually(t, func() bool { return f.Calls(storetest.OpWatch) > before }, wait, tick)

	signedOut := make(chan error, 1)
	go func() { signedOut <- ann.SignOut(ctx) }()
	time.Sleep(20 * time.Millisecond)
	release()

	require.NoError(t, <-opened)
	require.NoError(t, <-signedOut)
	assert.Equal(t, StateSignedOut, ann.State().Get())
	_, active := ann.ActiveConversation()
	assert.False(t, active)
	assert.Equal(t, 0, w.cap.ActiveOn(msgColl))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "signed_out", StateSignedOut.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "profile_incomplete", StateProfileIncomplete.String())
	assert.Equal(t, "active", StateActive.String())
}
