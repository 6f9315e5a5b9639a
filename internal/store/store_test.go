package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/courier-chat/courier/internal/status"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

// TestSendAckRekeysRow covers the optimistic-send lifecycle: a SENDING
// row keyed by "local-1" is rekeyed to the server id "srv-9" on ack,
// leaving exactly one row addressable only by the server id.
func TestSendAckRekeysRow(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		LocalID:        "local-1",
		ConversationID: "user-b",
		SenderID:       "user-a",
		Body:           "hello",
		CreatedAt:      1000,
		ContentType:    ContentText,
	}
	if err := db.InsertOutgoing(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != status.Sending {
		t.Fatalf("pending row = %+v, want SENDING", got)
	}

	if err := db.ConfirmSent("local-1", "srv-9", 2000); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListConversation("user-b", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-9" {
		t.Errorf("id = %q, want srv-9", msgs[0].ID)
	}
	if msgs[0].Status != status.Sent {
		t.Errorf("status = %s, want SENT", msgs[0].Status)
	}
	if msgs[0].LocalID != "" {
		t.Errorf("local_id = %q, want cleared", msgs[0].LocalID)
	}
	if msgs[0].ServerAckAt != 2000 {
		t.Errorf("server_ack_at = %d, want 2000", msgs[0].ServerAckAt)
	}

	// The local id must no longer resolve.
	got, err = db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("row still addressable by local-1 after ack: %+v", got)
	}
}

func TestConfirmSentMissingRow(t *testing.T) {
	db := testDB(t)
	if err := db.ConfirmSent("no-such-local", "srv-1", 1); err == nil {
		t.Error("ConfirmSent on missing local id should fail")
	}
}

func TestMarkSendFailedAndRetry(t *testing.T) {
	db := testDB(t)

	msg := &Message{LocalID: "local-2", ConversationID: "c1", CreatedAt: 1000, ContentType: ContentText}
	if err := db.InsertOutgoing(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSendFailed("local-2"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("local-2")
	if got == nil || got.Status != status.Error {
		t.Fatalf("status = %v, want ERROR", got)
	}

	// Explicit retry re-enters at SENDING.
	moved, err := db.MarkRetrying("local-2")
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Error("MarkRetrying should move an ERROR row")
	}
	got, _ = db.GetMessage("local-2")
	if got.Status != status.Sending {
		t.Errorf("status = %s, want SENDING after retry", got.Status)
	}

	// Retrying a non-ERROR row is a no-op.
	moved, err = db.MarkRetrying("local-2")
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Error("MarkRetrying on SENDING row should be a no-op")
	}
}

func TestAdvanceStatusMonotonic(t *testing.T) {
	db := testDB(t)

	msg := &Message{LocalID: "l1", ConversationID: "c1", CreatedAt: 1000, ContentType: ContentText}
	if err := db.InsertOutgoing(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmSent("l1", "srv-1", 1); err != nil {
		t.Fatal(err)
	}

	advanced, err := db.AdvanceStatus("srv-1", status.Delivered)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Error("SENT -> DELIVERED should advance")
	}

	// Re-applying the same status is a no-op.
	advanced, err = db.AdvanceStatus("srv-1", status.Delivered)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Error("DELIVERED -> DELIVERED should not advance")
	}

	advanced, err = db.AdvanceStatus("srv-1", status.Read)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Error("DELIVERED -> READ should advance")
	}

	// A late delivered receipt must not regress the row.
	advanced, err = db.AdvanceStatus("srv-1", status.Delivered)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Error("READ -> DELIVERED must not regress")
	}
	got, _ := db.GetMessage("srv-1")
	if got.Status != status.Read {
		t.Errorf("status = %s, want READ", got.Status)
	}
}

func TestUpsertIncomingIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ID: "srv-5", ConversationID: "c1", SenderID: "peer",
		Body: "v1", CreatedAt: 1000, Status: status.Sent, ContentType: ContentText,
	}
	if err := db.UpsertIncoming(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "v2"
	if err := db.UpsertIncoming(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListConversation("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert)", len(msgs))
	}
	if msgs[0].Body != "v2" {
		t.Errorf("body = %q, want v2", msgs[0].Body)
	}
}

// TestMessageRoundTrip verifies attachments, reply/thread references
// and metadata survive insert and re-read unchanged.
func TestMessageRoundTrip(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ID: "srv-7", ConversationID: "c1", SenderID: "peer",
		Body: "photo", CreatedAt: 1000, Status: status.Sent, ContentType: ContentImage,
		ReplyToID: "srv-2", ThreadRootID: "srv-1",
		Attachments: []Attachment{
			{ObjectKey: "media/peer/1000/p.jpg", MimeType: "image/jpeg", SizeBytes: 1234, ThumbnailKey: "media/peer/1000/p_t.jpg"},
		},
		Metadata: map[string]string{"caption": "sunset"},
	}
	if err := db.UpsertIncoming(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListConversation("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ContentType != ContentImage {
		t.Errorf("content_type = %q, want image", got.ContentType)
	}
	if got.ReplyToID != "srv-2" || got.ThreadRootID != "srv-1" {
		t.Errorf("references = %q/%q, want srv-2/srv-1", got.ReplyToID, got.ThreadRootID)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].ObjectKey != "media/peer/1000/p.jpg" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if got.Attachments[0].SizeBytes != 1234 {
		t.Errorf("size = %d, want 1234", got.Attachments[0].SizeBytes)
	}
	if got.Metadata["caption"] != "sunset" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
}

func TestListConversationAscending(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{3000, 1000, 2000} {
		msg := &Message{
			ID: string(rune('a' + i)), ConversationID: "c1", CreatedAt: ts,
			Status: status.Sent, ContentType: ContentText,
		}
		if err := db.UpsertIncoming(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListConversation("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt < msgs[i-1].CreatedAt {
			t.Errorf("messages not ascending: %d before %d", msgs[i-1].CreatedAt, msgs[i].CreatedAt)
		}
	}

	// Keyset pagination.
	tail, err := db.ListConversation("c1", 1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Errorf("got %d messages after ts=1000, want 2", len(tail))
	}
}

func TestLatestTimestampAndIncoming(t *testing.T) {
	db := testDB(t)

	ts, err := db.LatestTimestamp("empty")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 0 {
		t.Errorf("latest ts of empty conversation = %d, want 0", ts)
	}

	_ = db.UpsertIncoming(&Message{ID: "m1", ConversationID: "c1", SenderID: "me", CreatedAt: 1000, Status: status.Sent, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "m2", ConversationID: "c1", SenderID: "peer", CreatedAt: 2000, Status: status.Sent, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "m3", ConversationID: "c1", SenderID: "me", CreatedAt: 3000, Status: status.Sent, ContentType: ContentText})

	ts, err = db.LatestTimestamp("c1")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 3000 {
		t.Errorf("latest ts = %d, want 3000", ts)
	}

	in, err := db.LatestIncoming("c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if in == nil || in.ID != "m2" {
		t.Errorf("latest incoming = %+v, want m2", in)
	}
}

func TestDeleteMessageByEitherKey(t *testing.T) {
	db := testDB(t)

	_ = db.InsertOutgoing(&Message{LocalID: "l1", ConversationID: "c1", CreatedAt: 1000, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "srv-1", ConversationID: "c1", CreatedAt: 2000, Status: status.Sent, ContentType: ContentText})

	if err := db.DeleteMessage("l1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage("srv-1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListConversation("c1", 0, 10)
	if len(msgs) != 0 {
		t.Errorf("got %d messages after deletes, want 0", len(msgs))
	}
}

// TestReconcileSnapshot verifies delete-by-absence: rows older than the
// cutoff and missing from the snapshot go away, newer rows and rows
// still keyed by a local temp id survive.
func TestReconcileSnapshot(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertIncoming(&Message{ID: "old-absent", ConversationID: "c1", CreatedAt: 500, Status: status.Sent, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "old-present", ConversationID: "c1", CreatedAt: 600, Status: status.Sent, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "new-absent", ConversationID: "c1", CreatedAt: 5000, Status: status.Sent, ContentType: ContentText})
	_ = db.InsertOutgoing(&Message{LocalID: "pending", ConversationID: "c1", CreatedAt: 400, ContentType: ContentText})

	snapshot := []*Message{
		{ID: "old-present", ConversationID: "c1", CreatedAt: 600, Status: status.Delivered, ContentType: ContentText},
		{ID: "remote-new", ConversationID: "c1", CreatedAt: 6000, Status: status.Sent, ContentType: ContentText},
	}
	if err := db.ReconcileSnapshot("c1", snapshot, 1000); err != nil {
		t.Fatal(err)
	}

	if got, _ := db.GetMessage("old-absent"); got != nil {
		t.Error("old-absent should have been removed by absence")
	}
	if got, _ := db.GetMessage("old-present"); got == nil {
		t.Error("old-present should survive (in snapshot)")
	}
	if got, _ := db.GetMessage("new-absent"); got == nil {
		t.Error("new-absent should survive (newer than cutoff)")
	}
	if got, _ := db.GetMessage("pending"); got == nil {
		t.Error("unacknowledged local row must never be removed by absence")
	}
	if got, _ := db.GetMessage("remote-new"); got == nil {
		t.Error("remote-new should have been upserted")
	}
}

func TestActionLedger(t *testing.T) {
	db := testDB(t)

	recorded, err := db.RecordAction("act-1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !recorded {
		t.Error("first RecordAction should report recorded=true")
	}

	// Duplicate delivery.
	recorded, err = db.RecordAction("act-1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if recorded {
		t.Error("second RecordAction should report recorded=false")
	}

	has, err := db.HasAction("act-1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("HasAction(act-1) = false, want true")
	}
	has, _ = db.HasAction("act-2")
	if has {
		t.Error("HasAction(act-2) = true, want false")
	}
}

func TestContactUpsertKeepsRegistration(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertContact(&Contact{Name: "Carol", PhoneNo: "+3", PhoneKey: "3"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkRegistered("3", "uid-carol"); err != nil {
		t.Fatal(err)
	}

	// A later phone-book refresh without registration info must not
	// clear the discovered registration.
	if err := db.UpsertContact(&Contact{Name: "Carol B.", PhoneNo: "+3", PhoneKey: "3"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetContact("3")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("contact missing")
	}
	if c.Name != "Carol B." {
		t.Errorf("name = %q, want Carol B.", c.Name)
	}
	if !c.IsRegistered || c.FirebaseUID != "uid-carol" {
		t.Errorf("registration lost: registered=%v uid=%q", c.IsRegistered, c.FirebaseUID)
	}
}

func TestBulkContactOps(t *testing.T) {
	db := testDB(t)

	// Empty batches are no-ops.
	if err := db.BulkUpsertContacts(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteContacts(nil); err != nil {
		t.Fatal(err)
	}

	contacts := []Contact{
		{Name: "Alice", PhoneNo: "+1", PhoneKey: "1"},
		{Name: "Bob", PhoneNo: "+2", PhoneKey: "2"},
	}
	if err := db.BulkUpsertContacts(contacts); err != nil {
		t.Fatal(err)
	}
	count, _ := db.ContactCount()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	if err := db.DeleteContacts([]string{"2"}); err != nil {
		t.Fatal(err)
	}
	all, err := db.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Name != "Alice" {
		t.Errorf("contacts = %+v, want only Alice", all)
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.MarkRead("c1", "me", 2000, 5); err != nil {
		t.Fatal(err)
	}
	// A stale marker must not move the state backward.
	if err := db.MarkRead("c1", "me", 1000, 3); err != nil {
		t.Fatal(err)
	}

	s, err := db.GetConversationState("c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Fatal("state missing")
	}
	if s.LastReadAt != 2000 || s.LastReadSeq != 5 {
		t.Errorf("last read = %d/%d, want 2000/5", s.LastReadAt, s.LastReadSeq)
	}

	if err := db.MarkRead("c1", "me", 3000, 7); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetConversationState("c1", "me")
	if s.LastReadAt != 3000 || s.LastReadSeq != 7 {
		t.Errorf("last read = %d/%d, want 3000/7", s.LastReadAt, s.LastReadSeq)
	}
}

func TestConversationPreferences(t *testing.T) {
	db := testDB(t)

	if err := db.SetPinned("c1", "me", true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetArchived("c1", "me", true); err != nil {
		t.Fatal(err)
	}
	mutedUntil := time.Now().Add(time.Hour).UnixMilli()
	if err := db.SetMuteUntil("c1", "me", mutedUntil); err != nil {
		t.Fatal(err)
	}

	s, err := db.GetConversationState("c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsPinned || s.PinnedAt == 0 {
		t.Errorf("pinned = %v/%d", s.IsPinned, s.PinnedAt)
	}
	if !s.Archived {
		t.Error("archived = false, want true")
	}
	if s.MuteUntil != mutedUntil {
		t.Errorf("mute_until = %d, want %d", s.MuteUntil, mutedUntil)
	}

	if err := db.SetPinned("c1", "me", false); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetConversationState("c1", "me")
	if s.IsPinned || s.PinnedAt != 0 {
		t.Errorf("unpin left pinned = %v/%d", s.IsPinned, s.PinnedAt)
	}
}

func TestSetReadReceiptsHidden(t *testing.T) {
	db := testDB(t)

	if err := db.SetReadReceiptsHidden("c1", "me", true); err != nil {
		t.Fatal(err)
	}
	s, err := db.GetConversationState("c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.Settings == "{}" {
		t.Fatalf("settings = %v, want hide_read_receipts set", s)
	}
}

func TestListSummaries(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	// Two conversations; c2 pinned, c1 more recent.
	_ = db.UpsertIncoming(&Message{ID: "m1", ConversationID: "c1", SenderID: "peer1", Body: "newest", CreatedAt: 5000, Status: status.Sent, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "m0", ConversationID: "c1", SenderID: "peer1", Body: "older", CreatedAt: 1000, Status: status.Sent, ContentType: ContentText})
	_ = db.UpsertIncoming(&Message{ID: "m2", ConversationID: "c2", SenderID: "peer2", Body: "pinned conv", CreatedAt: 2000, Status: status.Sent, ContentType: ContentText})

	if err := db.SetPinned("c2", "me", true); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkRead("c1", "me", 1000, 0); err != nil {
		t.Fatal(err)
	}
	_ = db.UpsertContact(&Contact{Name: "Peer One", PhoneNo: "+10", PhoneKey: "c1"})

	summaries, err := db.ListSummaries("me", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}

	// Pinned first despite being older.
	if summaries[0].ConversationID != "c2" {
		t.Errorf("first summary = %s, want pinned c2", summaries[0].ConversationID)
	}
	if !summaries[0].IsPinned {
		t.Error("c2 summary not pinned")
	}
	// Missing last-read marker: everything unread.
	if summaries[0].UnreadCount != 1 {
		t.Errorf("c2 unread = %d, want 1", summaries[0].UnreadCount)
	}

	c1 := summaries[1]
	if c1.LastMessageID != "m1" || c1.LastBody != "newest" {
		t.Errorf("c1 last message = %+v, want m1", c1)
	}
	// Read up to ts=1000, so only m1 (ts=5000) unread.
	if c1.UnreadCount != 1 {
		t.Errorf("c1 unread = %d, want 1", c1.UnreadCount)
	}
	if c1.DisplayName != "Peer One" {
		t.Errorf("display name = %q, want Peer One", c1.DisplayName)
	}
}

func TestListSummariesMuted(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	_ = db.UpsertIncoming(&Message{ID: "m1", ConversationID: "c1", SenderID: "p", CreatedAt: 1000, Status: status.Sent, ContentType: ContentText})
	_ = db.SetMuteUntil("c1", "me", now+60_000)

	summaries, err := db.ListSummaries("me", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || !summaries[0].IsMuted {
		t.Errorf("summary = %+v, want muted", summaries)
	}

	// An expired mute is not muted.
	_ = db.SetMuteUntil("c1", "me", now-1)
	summaries, _ = db.ListSummaries("me", now)
	if summaries[0].IsMuted {
		t.Error("expired mute still reported muted")
	}
}

func TestAvatarStore(t *testing.T) {
	db := testDB(t)

	e, err := db.GetAvatar("owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Error("expected nil for missing avatar")
	}

	if err := db.PutAvatar(&AvatarEntry{OwnerID: "owner-1", RemoteURL: "https://cdn/x.png", LocalPath: "/tmp/x.png", UpdatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	// Replace.
	if err := db.PutAvatar(&AvatarEntry{OwnerID: "owner-1", RemoteURL: "https://cdn/y.png", LocalPath: "/tmp/y.png", UpdatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	e, err = db.GetAvatar("owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.RemoteURL != "https://cdn/y.png" || e.UpdatedAt != 2000 {
		t.Errorf("entry = %+v, want replaced", e)
	}

	all, err := db.ListAvatars()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("got %d avatars, want 1", len(all))
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	v, err := db.GetCheckpoint("missing")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint("sync.c1", "12345"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("sync.c1", "67890"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetCheckpoint("sync.c1")
	if v != "67890" {
		t.Errorf("checkpoint = %q, want 67890", v)
	}
}
