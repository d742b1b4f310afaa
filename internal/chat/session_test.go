package chat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/chat/chattest"
	"github.com/campusbazaar/chat-app/internal/model"
)

const (
	convID = "conv-1"
	buyer  = "buyer-1"
	seller = "seller-1"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(id, sender string, sec int, read bool) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Body:           "body of " + id,
		CreatedAt:      base.Add(time.Duration(sec) * time.Second),
		Read:           read,
	}
}

func messageIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// recorder collects observer updates.
type recorder struct {
	mu      sync.Mutex
	updates []chat.Update
}

func (r *recorder) observe(u chat.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) count(kind chat.UpdateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Kind == kind {
			n++
		}
	}
	return n
}

func open(t *testing.T, store chat.Store, rt chat.Realtime, user string, opts ...chat.Option) *chat.Session {
	t.Helper()
	opts = append([]chat.Option{chat.WithLogger(discardLogger())}, opts...)
	s, err := chat.Open(context.Background(), chat.Deps{Store: store, Realtime: rt}, convID, user, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// openReady opens a session and waits for both the backlog and the live
// subscription.
func openReady(t *testing.T, store chat.Store, rt *chattest.Realtime, user string) (*chat.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	before := rt.Active()
	s := open(t, store, rt, user, chat.WithObserver(rec.observe))
	require.Eventually(t, func() bool {
		return rec.count(chat.UpdateHistory) == 1 && rt.Active() == before+1
	}, waitFor, tick)
	return s, rec
}

func TestOpenInvalidArguments(t *testing.T) {
	deps := chat.Deps{Store: chattest.NewStore(), Realtime: chattest.NewRealtime()}

	_, err := chat.Open(context.Background(), deps, "", buyer)
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)

	_, err = chat.Open(context.Background(), deps, convID, "")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)

	_, err = chat.Open(context.Background(), chat.Deps{Store: deps.Store}, convID, buyer)
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestBacklogOrderedAndOthersMarkedRead(t *testing.T) {
	store := chattest.NewStore(
		message("m4", seller, 4, false),
		message("m2", buyer, 2, false),
		message("m1", seller, 1, false),
		message("m3", seller, 3, true),
		model.Message{ID: "other", ConversationID: "conv-2", SenderID: seller, CreatedAt: base},
	)
	rt := chattest.NewRealtime()

	s, rec := openReady(t, store, rt, buyer)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(s.Messages()))

	// One bulk call for exactly the unread messages from the other party.
	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 1 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"m1", "m4"}, store.MarkReadCalls()[0])

	require.Eventually(t, func() bool { return rec.count(chat.UpdateRead) == 1 }, waitFor, tick)
	read := map[string]bool{}
	for _, m := range s.Messages() {
		read[m.ID] = m.Read
	}
	assert.Equal(t, map[string]bool{"m1": true, "m2": false, "m3": true, "m4": true}, read)
}

func TestBacklogWithNothingUnreadSkipsMarkRead(t *testing.T) {
	store := chattest.NewStore(
		message("m1", seller, 1, true),
		message("m2", buyer, 2, false),
	)
	rt := chattest.NewRealtime()

	openReady(t, store, rt, buyer)

	assert.Never(t, func() bool { return len(store.MarkReadCalls()) > 0 }, 100*time.Millisecond, tick)
}

func TestLiveEventsAppendedInArrivalOrder(t *testing.T) {
	store := chattest.NewStore()
	rt := chattest.NewRealtime()
	s, _ := openReady(t, store, rt, buyer)

	rt.Deliver(message("e1", seller, 10, false))
	rt.Deliver(message("e2", buyer, 5, false))
	rt.Deliver(message("e3", seller, 7, false))

	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, waitFor, tick)
	// Arrival order, not timestamp order.
	assert.Equal(t, []string{"e1", "e2", "e3"}, messageIDs(s.Messages()))

	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, [][]string{{"e1"}, {"e3"}}, store.MarkReadCalls())
}

func TestLiveEventForOtherConversationIgnored(t *testing.T) {
	store := chattest.NewStore()
	rt := chattest.NewRealtime()
	s, _ := openReady(t, store, rt, buyer)

	sub := rt.Subscriptions()[0]
	assert.Equal(t, chat.Filter{ConversationID: convID}, sub.Filter())

	rt.Deliver(model.Message{ID: "x", ConversationID: "conv-2", SenderID: seller})
	rt.Deliver(message("e1", seller, 1, false))

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"e1"}, messageIDs(s.Messages()))
}

func TestDuplicateLiveEventDropped(t *testing.T) {
	store := chattest.NewStore(message("m1", seller, 1, true))
	rt := chattest.NewRealtime()
	s, _ := openReady(t, store, rt, buyer)

	rt.Deliver(message("m1", seller, 1, true))
	rt.Deliver(message("m2", seller, 2, true))

	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(s.Messages()))
}

func TestLiveEventsBeforeBacklogKept(t *testing.T) {
	store := chattest.NewStore(
		message("m1", seller, 1, true),
		message("m2", buyer, 2, true),
		message("m3", seller, 3, true),
	)
	store.ListGate = make(chan struct{})
	rt := chattest.NewRealtime()

	rec := &recorder{}
	s := open(t, store, rt, buyer, chat.WithObserver(rec.observe))
	require.Eventually(t, func() bool { return rt.Active() == 1 }, waitFor, tick)

	rt.Deliver(message("m3", seller, 3, true))
	rt.Deliver(message("m4", seller, 4, true))
	require.Eventually(t, func() bool { return rec.count(chat.UpdateMessage) == 2 }, waitFor, tick)

	close(store.ListGate)

	require.Eventually(t, func() bool { return rec.count(chat.UpdateHistory) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(s.Messages()))
}

func TestSubscribeFailureLeavesHistory(t *testing.T) {
	store := chattest.NewStore(message("m1", seller, 1, true))
	rt := chattest.NewRealtime()
	rt.SubscribeErr = errors.New("nats: no servers available")

	rec := &recorder{}
	s := open(t, store, rt, buyer, chat.WithObserver(rec.observe))

	require.Eventually(t, func() bool { return rec.count(chat.UpdateHistory) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"m1"}, messageIDs(s.Messages()))
	assert.Zero(t, rt.Active())

	// Sending still works; the message just never shows up live.
	require.NoError(t, s.Send(context.Background(), "still there?"))
	assert.Len(t, store.Inserts(), 1)
	assert.Len(t, s.Messages(), 1)
}

func TestListFailureKeepsLiveUpdates(t *testing.T) {
	store := chattest.NewStore(message("m1", seller, 1, false))
	store.ListErr = errors.New("connection refused")
	rt := chattest.NewRealtime()

	s := open(t, store, rt, buyer)
	require.Eventually(t, func() bool { return rt.Active() == 1 && store.ListCalls() == 1 }, waitFor, tick)

	rt.Deliver(message("e1", seller, 2, false))

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"e1"}, messageIDs(s.Messages()))
}

func TestMarkReadFailureIsNotSurfaced(t *testing.T) {
	store := chattest.NewStore(message("m1", seller, 1, false))
	store.MarkReadErr = errors.New("permission denied")
	rt := chattest.NewRealtime()

	s, rec := openReady(t, store, rt, buyer)

	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return rec.count(chat.UpdateRead) > 0 }, 100*time.Millisecond, tick)
	assert.False(t, s.Messages()[0].Read)
}

func TestCloseIsIdempotentAndReleasesSubscription(t *testing.T) {
	store := chattest.NewStore(message("m1", seller, 1, true))
	rt := chattest.NewRealtime()
	s, _ := openReady(t, store, rt, buyer)

	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	require.Len(t, rt.Subscriptions(), 1)
	assert.True(t, rt.Subscriptions()[0].Closed())
	assert.Zero(t, rt.Active())

	rt.Deliver(message("late", seller, 9, false))
	assert.Equal(t, []string{"m1"}, messageIDs(s.Messages()))

	err := s.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, chat.ErrClosed)
}

func TestCloseBeforeBacklogDiscardsIt(t *testing.T) {
	store := chattest.NewStore(message("m1", seller, 1, false))
	store.ListGate = make(chan struct{})
	store.ListReturned = make(chan struct{})
	rt := chattest.NewRealtime()

	rec := &recorder{}
	s := open(t, store, rt, buyer, chat.WithObserver(rec.observe))
	s.Close()

	close(store.ListGate)
	<-store.ListReturned

	assert.Never(t, func() bool { return len(store.MarkReadCalls()) > 0 }, 50*time.Millisecond, tick)
	assert.Empty(t, s.Messages())
	assert.Zero(t, rec.count(chat.UpdateHistory))
}

func TestSubscriptionEstablishedAfterCloseIsReleased(t *testing.T) {
	store := chattest.NewStore()
	rt := chattest.NewRealtime()
	rt.SubscribeGate = make(chan struct{})

	s := open(t, store, rt, buyer)
	s.Close()
	close(rt.SubscribeGate)

	require.Eventually(t, func() bool {
		subs := rt.Subscriptions()
		return len(subs) == 1 && subs[0].Closed()
	}, waitFor, tick)
}

func TestParentContextCancelEndsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := chattest.NewRealtime()
	s, err := chat.Open(ctx, chat.Deps{Store: chattest.NewStore(), Realtime: rt}, convID, buyer,
		chat.WithLogger(discardLogger()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rt.Active() == 1 }, waitFor, tick)

	cancel()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end on context cancel")
	}
	assert.Zero(t, rt.Active())
	s.Close()
}

func TestCloseWhileMarkReadPendingLeavesView(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := chat.NewMockStore(ctrl)
	store.EXPECT().ListMessages(gomock.Any(), convID).
		Return([]model.Message{message("m1", seller, 1, false)}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan struct{})
	receiptErr := make(chan error, 1)
	store.EXPECT().MarkRead(gomock.Any(), "m1").DoAndReturn(
		func(ctx context.Context, ids ...string) error {
			defer close(returned)
			close(entered)
			<-release
			receiptErr <- ctx.Err()
			return nil
		})

	rec := &recorder{}
	s := open(t, store, chattest.NewRealtime(), buyer,
		chat.WithObserver(rec.observe), chat.WithReadTimeout(waitFor))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("MarkRead not called")
	}
	s.Close()
	before := s.Messages()

	close(release)
	<-returned

	// The receipt itself is not aborted by the close.
	assert.NoError(t, <-receiptErr)
	assert.Never(t, func() bool { return rec.count(chat.UpdateRead) > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, before, s.Messages())
	require.Len(t, s.Messages(), 1)
	assert.False(t, s.Messages()[0].Read)
}

// Three backlog messages, two of them unread from the other side, then one
// live message from the other side.
func TestOpenThenLiveMessageMarksEachBatchOnce(t *testing.T) {
	store := chattest.NewStore(
		message("m1", seller, 1, false),
		message("m2", buyer, 2, false),
		message("m3", seller, 3, false),
	)
	rt := chattest.NewRealtime()

	s, _ := openReady(t, store, rt, buyer)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(s.Messages()))

	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 1 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"m1", "m3"}, store.MarkReadCalls()[0])

	rt.Deliver(message("m4", seller, 4, false))

	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"m4"}, store.MarkReadCalls()[1])
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(s.Messages()))
	assert.Never(t, func() bool { return len(store.MarkReadCalls()) > 2 }, 50*time.Millisecond, tick)
}

// Buyer and seller each have a session open on the same conversation and
// inserts are published back to every subscriber.
func TestConversationRoundTrip(t *testing.T) {
	store := chattest.NewStore(
		message("m1", seller, 1, false),
		message("m2", buyer, 2, true),
	)
	rt := chattest.NewRealtime()
	store.OnInsert = rt.Deliver

	buyerView, _ := openReady(t, store, rt, buyer)
	sellerView, _ := openReady(t, store, rt, seller)

	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"m1"}, store.MarkReadCalls()[0])

	buyerView.SetDraft("  is it still available?  ")
	require.NoError(t, buyerView.Send(context.Background(), buyerView.Draft()))
	assert.Empty(t, buyerView.Draft())

	require.NoError(t, sellerView.Send(context.Background(), "yes, come by tomorrow"))

	require.Eventually(t, func() bool {
		return len(buyerView.Messages()) == 4 && len(sellerView.Messages()) == 4
	}, waitFor, tick)

	got := buyerView.Messages()
	assert.Equal(t, "is it still available?", got[2].Body)
	assert.Equal(t, buyer, got[2].SenderID)
	assert.Equal(t, "yes, come by tomorrow", got[3].Body)
	assert.Equal(t, messageIDs(got), messageIDs(sellerView.Messages()))

	// Each side marks the other's live message read.
	inserts := store.Inserts()
	require.Len(t, inserts, 2)
	require.Eventually(t, func() bool { return len(store.MarkReadCalls()) == 3 }, waitFor, tick)
	assert.ElementsMatch(t,
		[][]string{{"m1"}, {inserts[0].ID}, {inserts[1].ID}},
		store.MarkReadCalls())
	require.Eventually(t, func() bool { return buyerView.Messages()[3].Read }, waitFor, tick)
}

// --- Send path, with a mocked store ---

func newMockedSession(t *testing.T) (*chat.Session, *chat.MockStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := chat.NewMockStore(ctrl)
	listed := make(chan struct{})
	store.EXPECT().ListMessages(gomock.Any(), convID).DoAndReturn(
		func(ctx context.Context, conversationID string) ([]model.Message, error) {
			close(listed)
			return nil, nil
		})

	s := open(t, store, chattest.NewRealtime(), buyer)
	<-listed
	return s, store
}

func TestSendBlankIsNoop(t *testing.T) {
	s, _ := newMockedSession(t)
	s.SetDraft("   ")

	// No InsertMessage expectation: any call fails the test.
	for _, text := range []string{"", "   ", "   \n\t"} {
		require.NoError(t, s.Send(context.Background(), text))
	}
	assert.Equal(t, "   ", s.Draft())
	assert.Empty(t, s.Messages())
}

func TestSendClearsDraftAndDoesNotAppend(t *testing.T) {
	s, store := newMockedSession(t)
	s.SetDraft("hello")

	store.EXPECT().InsertMessage(gomock.Any(), convID, buyer, "hello").DoAndReturn(
		func(ctx context.Context, conversationID, senderID, body string) (*model.Message, error) {
			assert.Empty(t, s.Draft(), "draft must be cleared before the insert resolves")
			m := message("new", buyer, 1, false)
			return &m, nil
		})

	require.NoError(t, s.Send(context.Background(), "hello"))
	assert.Empty(t, s.Draft())
	assert.Empty(t, s.Messages())
}

func TestSendFailureRestoresDraft(t *testing.T) {
	s, store := newMockedSession(t)
	s.SetDraft("hi there")

	boom := errors.New("insert failed")
	store.EXPECT().InsertMessage(gomock.Any(), convID, buyer, "hi there").Return(nil, boom)

	err := s.Send(context.Background(), "hi there")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "hi there", s.Draft())
	assert.Empty(t, s.Messages())
}

func TestSendRejectsOversizedText(t *testing.T) {
	s, _ := newMockedSession(t)
	text := strings.Repeat("x", chat.MaxTextChars+1)
	s.SetDraft(text)

	err := s.Send(context.Background(), text)
	require.ErrorIs(t, err, chat.ErrInvalidMessage)
	assert.Equal(t, text, s.Draft())
}

func TestMarkReadUsesBoundedContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := chat.NewMockStore(ctrl)
	store.EXPECT().ListMessages(gomock.Any(), convID).
		Return([]model.Message{message("m1", seller, 1, false)}, nil)

	marked := make(chan struct{})
	store.EXPECT().MarkRead(gomock.Any(), "m1").DoAndReturn(
		func(ctx context.Context, ids ...string) error {
			defer close(marked)
			_, ok := ctx.Deadline()
			assert.True(t, ok, "mark read context has no deadline")
			return nil
		})

	open(t, store, chattest.NewRealtime(), buyer, chat.WithReadTimeout(time.Second))

	select {
	case <-marked:
	case <-time.After(waitFor):
		t.Fatal("MarkRead not called")
	}
}
