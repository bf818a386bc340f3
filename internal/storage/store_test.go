package storage

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"tgblast/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newCampaign(t *testing.T, st *Store, owner int64) *Campaign {
	t.Helper()
	c := &Campaign{
		OwnerID:      owner,
		Status:       StatusRunning,
		Kind:         KindText,
		Body:         "hello",
		Source:       SourceExplicit,
		StickerIndex: NoStickerIndex,
		RepeatCount:  1,
	}
	if err := st.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c
}

func TestCampaignOwnerScoping(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 100)

	if _, err := st.Campaign(ctx, 100, c.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := st.Campaign(ctx, 999, c.ID); err != ErrNotFound {
		t.Fatalf("foreign owner read: got %v, want ErrNotFound", err)
	}
	if _, err := st.CampaignByID(ctx, c.ID); err != nil {
		t.Fatalf("worker read: %v", err)
	}
}

func TestSetStatusCAS(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 1)

	ok, err := st.SetStatus(ctx, c.ID, StatusPaused, StatusRunning)
	if err != nil || !ok {
		t.Fatalf("running->paused: ok=%v err=%v", ok, err)
	}
	// stale from state must not apply
	ok, err = st.SetStatus(ctx, c.ID, StatusDone, StatusRunning)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if ok {
		t.Fatal("done transition applied from paused state")
	}
	got, err := st.CampaignByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("CampaignByID: %v", err)
	}
	if got.Status != StatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
}

func TestUpdateContentLeavesQueueAlone(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 1)
	if _, err := st.AddRecipients(ctx, c.ID, []Target{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	batch, _ := st.PendingBatch(ctx, c.ID, 1)
	_ = st.MarkRecipientSent(ctx, batch[0].ID, time.Now())

	u := ContentUpdate{Kind: KindPhoto, Body: "new", MediaPath: "p.jpg", StickerIndex: NoStickerIndex}
	if err := st.UpdateContent(ctx, 1, c.ID, u); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	got, _ := st.CampaignByID(ctx, c.ID)
	if got.Kind != KindPhoto || got.Body != "new" || got.MediaPath != "p.jpg" {
		t.Fatalf("content = %+v", got)
	}
	stats, _ := st.Stats(ctx, c.ID)
	if stats.Sent != 1 || stats.Pending != 1 {
		t.Fatalf("queue mutated: %+v", stats)
	}

	if err := st.UpdateContent(ctx, 2, c.ID, u); err != ErrNotFound {
		t.Fatalf("foreign UpdateContent: got %v, want ErrNotFound", err)
	}
}

func TestRecipientLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 1)

	targets := []Target{{ID: 11, Username: "a"}, {ID: 12}, {ID: 13, Username: "c"}}
	n, err := st.AddRecipients(ctx, c.ID, targets)
	if err != nil || n != 3 {
		t.Fatalf("AddRecipients: n=%d err=%v", n, err)
	}

	batch, err := st.PendingBatch(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch len = %d, want 2", len(batch))
	}
	// insertion order
	if batch[0].TargetID != 11 || batch[1].TargetID != 12 {
		t.Fatalf("batch order = %d,%d", batch[0].TargetID, batch[1].TargetID)
	}

	if err := st.MarkRecipientSent(ctx, batch[0].ID, time.Now()); err != nil {
		t.Fatalf("MarkRecipientSent: %v", err)
	}
	if err := st.MarkRecipientFailed(ctx, batch[1].ID, "boom"); err != nil {
		t.Fatalf("MarkRecipientFailed: %v", err)
	}
	// terminal states are write-once
	if err := st.MarkRecipientSent(ctx, batch[0].ID, time.Now()); err != ErrNotFound {
		t.Fatalf("re-mark sent: got %v, want ErrNotFound", err)
	}

	stats, err := st.Stats(ctx, c.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Total: 3, Sent: 1, Failed: 1, Pending: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if stats.Sent+stats.Failed+stats.Pending != stats.Total {
		t.Fatal("tally invariant violated")
	}
}

func TestMarkFailedTruncatesError(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 1)
	if _, err := st.AddRecipients(ctx, c.ID, []Target{{ID: 1}}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	batch, _ := st.PendingBatch(ctx, c.ID, 1)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	if err := st.MarkRecipientFailed(ctx, batch[0].ID, string(long)); err != nil {
		t.Fatalf("MarkRecipientFailed: %v", err)
	}
	got, err := st.RecipientByID(ctx, batch[0].ID)
	if err != nil {
		t.Fatalf("RecipientByID: %v", err)
	}
	if len(got.Error) != errTextLimit {
		t.Fatalf("error len = %d, want %d", len(got.Error), errTextLimit)
	}
}

func TestMarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 1)
	if _, err := st.AddRecipients(ctx, c.ID, []Target{{ID: 1}}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	batch, _ := st.PendingBatch(ctx, c.ID, 1)

	// a 3-byte rune straddles the truncation limit
	text := strings.Repeat("x", errTextLimit-2) + strings.Repeat("€", 4)
	if err := st.MarkRecipientFailed(ctx, batch[0].ID, text); err != nil {
		t.Fatalf("MarkRecipientFailed: %v", err)
	}
	got, err := st.RecipientByID(ctx, batch[0].ID)
	if err != nil {
		t.Fatalf("RecipientByID: %v", err)
	}
	if len(got.Error) > errTextLimit {
		t.Fatalf("error len = %d, want <= %d", len(got.Error), errTextLimit)
	}
	if !utf8.ValidString(got.Error) {
		t.Fatalf("stored error is not valid UTF-8: %q", got.Error)
	}
}

func TestCopyRecipientsFullOriginalList(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	src := newCampaign(t, st, 1)
	dst := newCampaign(t, st, 1)

	if _, err := st.AddRecipients(ctx, src.ID, []Target{{ID: 1}, {ID: 2}, {ID: 3}}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	batch, _ := st.PendingBatch(ctx, src.ID, 10)
	_ = st.MarkRecipientSent(ctx, batch[0].ID, time.Now())
	_ = st.MarkRecipientFailed(ctx, batch[1].ID, "x")

	n, err := st.CopyRecipients(ctx, src.ID, dst.ID)
	if err != nil {
		t.Fatalf("CopyRecipients: %v", err)
	}
	if n != 3 {
		t.Fatalf("copied %d, want 3 (full original list, not just pending)", n)
	}
	stats, _ := st.Stats(ctx, dst.ID)
	if stats.Pending != 3 {
		t.Fatalf("dst pending = %d, want 3", stats.Pending)
	}
}

func TestRequeueRound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	c := &Campaign{
		OwnerID:         1,
		Status:          StatusRunning,
		Kind:            KindText,
		Source:          SourceExplicit,
		StickerIndex:    NoStickerIndex,
		RepeatCount:     2,
		RepeatRemaining: 1,
	}
	if err := st.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := st.AddRecipients(ctx, c.ID, []Target{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	batch, _ := st.PendingBatch(ctx, c.ID, 10)
	for _, r := range batch {
		_ = st.MarkRecipientSent(ctx, r.ID, time.Now())
	}

	notBefore := time.Now().Add(time.Hour)
	ok, err := st.RequeueRound(ctx, c.ID, notBefore)
	if err != nil || !ok {
		t.Fatalf("RequeueRound: ok=%v err=%v", ok, err)
	}

	stats, _ := st.Stats(ctx, c.ID)
	if stats.Total != 4 || stats.Pending != 2 {
		t.Fatalf("stats = %+v, want total 4 pending 2", stats)
	}
	got, _ := st.CampaignByID(ctx, c.ID)
	if got.RepeatRemaining != 0 {
		t.Fatalf("repeat_remaining = %d, want 0", got.RepeatRemaining)
	}
	if got.NotBefore.IsZero() {
		t.Fatal("not_before not set")
	}

	// deferred campaigns are not runnable until not_before passes
	runnable, err := st.ListRunnable(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	for _, rc := range runnable {
		if rc.ID == c.ID {
			t.Fatal("deferred campaign listed as runnable")
		}
	}
	runnable, _ = st.ListRunnable(ctx, notBefore.Add(time.Second))
	found := false
	for _, rc := range runnable {
		if rc.ID == c.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("campaign not runnable after not_before")
	}

	// no rounds left: requeue must refuse
	ok, err = st.RequeueRound(ctx, c.ID, time.Now())
	if err != nil {
		t.Fatalf("RequeueRound: %v", err)
	}
	if ok {
		t.Fatal("requeue applied with no rounds remaining")
	}
}

func TestDeleteCampaignCascadesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	c := newCampaign(t, st, 7)
	if _, err := st.AddRecipients(ctx, c.ID, []Target{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}

	if _, err := st.DeleteCampaign(ctx, 7, c.ID); err != nil {
		t.Fatalf("DeleteCampaign: %v", err)
	}
	stats, _ := st.Stats(ctx, c.ID)
	if stats.Total != 0 {
		t.Fatalf("recipients left after delete: %d", stats.Total)
	}
	if _, err := st.DeleteCampaign(ctx, 7, c.ID); err != ErrNotFound {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestDirectorySources(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := st.AddSubscriber(ctx, i, ""); err != nil {
			t.Fatalf("AddSubscriber: %v", err)
		}
	}
	_ = st.AddHarvestedUser(ctx, 1, 10, "u10", "h", "src")
	_ = st.AddHarvestedUser(ctx, 2, 20, "u20", "h", "src")
	_ = st.AddHarvestedChat(ctx, 1, 100, "t", "c100", "group", "h")
	_ = st.AddHarvestedChat(ctx, 1, 101, "t", "c101", "group", "h")

	subs, err := st.ListSubscribers(ctx, 3)
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("subscribers = %d, want capped 3", len(subs))
	}

	users, err := st.ListHarvestedUsers(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListHarvestedUsers: %v", err)
	}
	if len(users) != 1 || users[0].ID != 10 {
		t.Fatalf("harvested users owner-scoping broken: %+v", users)
	}

	chats, err := st.ListHarvestedChats(ctx, 1, 101, 0)
	if err != nil {
		t.Fatalf("ListHarvestedChats: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != 101 {
		t.Fatalf("chat filter broken: %+v", chats)
	}
}

func TestAccounts(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	a := &Account{OwnerID: 1, Label: "main", Token: "t1", Active: true}
	if err := st.AddAccount(ctx, a); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	b := &Account{OwnerID: 1, Label: "spare", Token: "t2", Active: true}
	_ = st.AddAccount(ctx, b)

	got, err := st.ActiveAccount(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveAccount: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("active = %d, want first active %d", got.ID, a.ID)
	}

	if err := st.DeactivateAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}
	got, _ = st.ActiveAccount(ctx, 1)
	if got.ID != b.ID {
		t.Fatalf("active after deactivation = %d, want %d", got.ID, b.ID)
	}

	if _, err := st.AccountByID(ctx, 2, a.ID); err != ErrNotFound {
		t.Fatalf("foreign owner account read: got %v, want ErrNotFound", err)
	}
}

func TestLedgerStore(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, ok, _ := st.Price(ctx, "mailing_message"); ok {
		t.Fatal("price present before SetPrice")
	}
	if err := st.SetPrice(ctx, "mailing_message", 0.5); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	amount, ok, err := st.Price(ctx, "mailing_message")
	if err != nil || !ok || amount != 0.5 {
		t.Fatalf("Price = %v ok=%v err=%v", amount, ok, err)
	}

	bal, err := st.AdjustBalance(ctx, 1, 10, "topup", "seed")
	if err != nil || bal != 10 {
		t.Fatalf("AdjustBalance: bal=%v err=%v", bal, err)
	}
	bal, _ = st.AdjustBalance(ctx, 1, -3, "charge", "mailing 1")
	if bal != 7 {
		t.Fatalf("balance = %v, want 7", bal)
	}
	bal, _ = st.Balance(ctx, 1)
	if bal != 7 {
		t.Fatalf("Balance = %v, want 7", bal)
	}
}
