package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMessageCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")
	mustRegister(t, store, "carol")

	base := nowUnixMilli()

	// Backdated composition: sent_at is older than a message persisted earlier.
	first := mustSave(t, store, NewMessage{ID: "m-1", Sender: "alice", Recipient: "bob", SentAt: base})
	second := mustSave(t, store, NewMessage{ID: "m-2", Sender: "bob", Recipient: "alice", SentAt: base - 5_000, Kind: MessageKindAudio})
	third := mustSave(t, store, NewMessage{ID: "m-3", Sender: "alice", Recipient: "bob", SentAt: base + 1})
	mustSave(t, store, NewMessage{ID: "m-other", Sender: "alice", Recipient: "carol", SentAt: base})

	if !(first.Seq < second.Seq && second.Seq < third.Seq) {
		t.Fatalf("expected increasing seq, got %d %d %d", first.Seq, second.Seq, third.Seq)
	}
	if second.ReceivedAt < first.ReceivedAt || third.ReceivedAt < second.ReceivedAt {
		t.Fatalf("expected non-decreasing received_at")
	}

	conversation, err := store.Conversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(conversation) != 3 {
		t.Fatalf("expected 3 messages in conversation, got %d", len(conversation))
	}
	wantOrder := []string{"m-2", "m-1", "m-3"}
	for i, message := range conversation {
		if message.ID != wantOrder[i] {
			t.Fatalf("conversation[%d]: expected %q, got %q", i, wantOrder[i], message.ID)
		}
	}
	if conversation[0].Kind != MessageKindAudio {
		t.Fatalf("expected audio kind, got %q", conversation[0].Kind)
	}
	if conversation[1].EnvelopeFor("alice") != "env-s-m-1" || conversation[1].EnvelopeFor("bob") != "env-r-m-1" {
		t.Fatalf("EnvelopeFor selected the wrong envelope")
	}

	loaded, err := store.GetMessage(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if loaded.DeliveredAt != nil || loaded.ReadAt != nil {
		t.Fatalf("expected fresh message to be undelivered and unread")
	}
	if _, err := store.GetMessage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveMessageValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")

	cases := []NewMessage{
		{ID: "", Sender: "alice", Recipient: "bob", EnvelopeForRecipient: "r", EnvelopeForSender: "s"},
		{ID: "x", Sender: "alice", Recipient: "bob", EnvelopeForRecipient: "", EnvelopeForSender: "s"},
		{ID: "x", Sender: "alice", Recipient: "bob", EnvelopeForRecipient: "r", EnvelopeForSender: ""},
		{ID: "x", Sender: "alice", Recipient: "bob", EnvelopeForRecipient: "r", EnvelopeForSender: "s", Kind: "Video!"},
		{ID: "x", Sender: "alice", Recipient: "nobody", EnvelopeForRecipient: "r", EnvelopeForSender: "s"},
	}
	for i, message := range cases {
		if _, _, err := store.SaveMessage(ctx, message); err == nil {
			t.Fatalf("case %d: expected SaveMessage to fail", i)
		}
	}

	conversation, err := store.Conversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(conversation) != 0 {
		t.Fatalf("rejected messages must leave no rows, got %d", len(conversation))
	}
}

func TestSaveMessageReplyTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")

	parent := mustSave(t, store, NewMessage{ID: "parent", Sender: "alice", Recipient: "bob", SentAt: 1})

	replyTo := parent.ID
	reply := mustSave(t, store, NewMessage{ID: "reply", Sender: "bob", Recipient: "alice", SentAt: 2, ReplyToID: &replyTo})
	if reply.ReplyToID == nil || *reply.ReplyToID != "parent" {
		t.Fatalf("expected reply_to_id parent, got %v", reply.ReplyToID)
	}

	missing := "does-not-exist"
	_, _, err := store.SaveMessage(ctx, NewMessage{
		ID:                   "orphan",
		Sender:               "bob",
		Recipient:            "alice",
		EnvelopeForRecipient: "r",
		EnvelopeForSender:    "s",
		SentAt:               3,
		ReplyToID:            &missing,
	})
	if !errors.Is(err, ErrReplyTargetNotFound) {
		t.Fatalf("expected ErrReplyTargetNotFound, got %v", err)
	}
}

func TestSaveMessageDeduplicatesRequestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")

	requestID := "req-1"
	original := mustSave(t, store, NewMessage{ID: "m-1", Sender: "alice", Recipient: "bob", SentAt: 1, RequestID: &requestID})

	retried, created, err := store.SaveMessage(ctx, NewMessage{
		ID:                   "m-1-retry",
		Sender:               "alice",
		Recipient:            "bob",
		EnvelopeForRecipient: "r2",
		EnvelopeForSender:    "s2",
		SentAt:               1,
		RequestID:            &requestID,
	})
	if err != nil {
		t.Fatalf("retried SaveMessage failed: %v", err)
	}
	if created {
		t.Fatalf("expected retry to be deduplicated")
	}
	if retried.ID != original.ID || retried.Seq != original.Seq {
		t.Fatalf("expected original message back, got %+v", retried)
	}

	// The same request id from another sender is a different request.
	mustSave(t, store, NewMessage{ID: "m-2", Sender: "bob", Recipient: "alice", SentAt: 2, RequestID: &requestID})

	conversation, err := store.Conversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(conversation) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conversation))
	}
}

func TestMarkReadIsSingleShot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")

	mustSave(t, store, NewMessage{ID: "a-1", Sender: "alice", Recipient: "bob", SentAt: 1})
	mustSave(t, store, NewMessage{ID: "a-2", Sender: "alice", Recipient: "bob", SentAt: 2})
	mustSave(t, store, NewMessage{ID: "b-1", Sender: "bob", Recipient: "alice", SentAt: 3})

	changed, err := store.MarkRead(ctx, "bob", "alice", 1_000)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 rows marked read, got %d", changed)
	}

	changed, err = store.MarkRead(ctx, "bob", "alice", 2_000)
	if err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected idempotent MarkRead, got %d changed rows", changed)
	}

	message, err := store.GetMessage(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if message.ReadAt == nil || *message.ReadAt != 1_000 {
		t.Fatalf("read_at must keep the first timestamp, got %v", message.ReadAt)
	}
	if message.DeliveredAt == nil {
		t.Fatalf("a read message is also delivered")
	}

	untouched, err := store.GetMessage(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if untouched.ReadAt != nil {
		t.Fatalf("messages in the other direction must stay unread")
	}
}

func TestConcurrentMarkReadChangesEachRowOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")

	for i := range 20 {
		mustSave(t, store, NewMessage{ID: fmt.Sprintf("m-%d", i), Sender: "alice", Recipient: "bob", SentAt: int64(i)})
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := store.MarkRead(ctx, "bob", "alice", 0)
			if err != nil {
				t.Errorf("MarkRead failed: %v", err)
				return
			}
			mu.Lock()
			total += changed
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 20 {
		t.Fatalf("expected exactly 20 row changes across concurrent calls, got %d", total)
	}
}

func TestMarkDeliveredAndMessagesSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")
	mustRegister(t, store, "carol")

	m1 := mustSave(t, store, NewMessage{ID: "m-1", Sender: "alice", Recipient: "bob", SentAt: 10})
	mustSave(t, store, NewMessage{ID: "m-2", Sender: "carol", Recipient: "alice", SentAt: 5})
	mustSave(t, store, NewMessage{ID: "m-3", Sender: "carol", Recipient: "bob", SentAt: 1})

	changed, err := store.MarkDelivered(ctx, []string{"m-1", "m-2", "missing"}, 500)
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 rows delivered, got %d", changed)
	}
	changed, err = store.MarkDelivered(ctx, []string{"m-1"}, 900)
	if err != nil {
		t.Fatalf("second MarkDelivered failed: %v", err)
	}
	if changed != 0 {
		t.Fatalf("delivered_at must be set once, got %d changes", changed)
	}

	since, err := store.MessagesSince(ctx, "alice", 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(since) != 2 || since[0].ID != "m-1" || since[1].ID != "m-2" {
		t.Fatalf("unexpected messages since 0: %+v", since)
	}

	since, err = store.MessagesSince(ctx, "alice", m1.Seq, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(since) != 1 || since[0].ID != "m-2" {
		t.Fatalf("unexpected messages since seq %d: %+v", m1.Seq, since)
	}
}

func TestMarkDeliveredHandlesMoreIdsThanOneStatementCanBind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustRegister(t, store, "alice")
	mustRegister(t, store, "bob")

	ids := make([]string, 0, 40_000)
	for i := range 40_000 {
		ids = append(ids, fmt.Sprintf("pending-%d", i))
	}
	for _, i := range []int{0, 20_000, 39_999} {
		mustSave(t, store, NewMessage{ID: ids[i], Sender: "alice", Recipient: "bob", SentAt: int64(i)})
	}

	changed, err := store.MarkDelivered(ctx, ids, 700)
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 rows delivered, got %d", changed)
	}
	for _, i := range []int{0, 20_000, 39_999} {
		message, err := store.GetMessage(ctx, ids[i])
		if err != nil {
			t.Fatalf("GetMessage %q failed: %v", ids[i], err)
		}
		if message.DeliveredAt == nil || *message.DeliveredAt != 700 {
			t.Fatalf("expected %q delivered at 700, got %v", ids[i], message.DeliveredAt)
		}
	}
}
