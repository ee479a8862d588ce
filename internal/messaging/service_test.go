package messaging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatcore/internal/directory"
	"chatcore/internal/domain"
	"chatcore/internal/keyvault"
	"chatcore/internal/messaging"
	"chatcore/internal/store"
	"chatcore/internal/store/storetest"

	"github.com/google/uuid"
)

type fixture struct {
	st  *store.Store
	dir *directory.Directory
	svc *messaging.Service
}

func setup(t *testing.T) fixture {
	t.Helper()
	st := storetest.Open(t)
	vault, err := keyvault.New(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	dir := directory.New(st, vault)
	return fixture{st: st, dir: dir, svc: messaging.New(st, dir, vault)}
}

func TestDirectMessageLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.User(t, f.st, "A")
	b := storetest.User(t, f.st, "B")

	th, _, err := f.dir.GetOrCreateThread(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	before := th.LastMessageAt

	sent, err := f.svc.Send(ctx, th.Ref(), a.ID, "  hello  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Body != "hello" {
		t.Fatalf("expected trimmed body, got %q", sent.Body)
	}

	stored, err := f.st.Messages().GetDirect(ctx, sent.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if bytes.Contains(stored.Ciphertext, []byte("hello")) {
		t.Fatalf("plaintext persisted")
	}
	if stored.ReadAt != nil {
		t.Fatalf("new message must be unread for the recipient")
	}

	plain, err := f.svc.ReadPlaintext(ctx, domain.KindThread, sent.ID)
	if err != nil {
		t.Fatalf("read plaintext: %v", err)
	}
	if plain != "hello" {
		t.Fatalf("expected hello, got %q", plain)
	}

	reloaded, _ := f.st.Threads().GetByID(ctx, th.ID)
	if d := reloaded.LastMessageAt.Sub(sent.CreatedAt); d < -time.Millisecond || d > time.Millisecond {
		t.Fatalf("expected last activity at send time: before=%v after=%v sent=%v", before, reloaded.LastMessageAt, sent.CreatedAt)
	}

	if n, _ := f.svc.UnreadCount(ctx, th.Ref(), b.ID); n != 1 {
		t.Fatalf("expected 1 unread for B, got %d", n)
	}
	if n, _ := f.svc.UnreadCount(ctx, th.Ref(), a.ID); n != 0 {
		t.Fatalf("sender must have no unread, got %d", n)
	}

	// A reading its own thread leaves its sent message untouched.
	if n, err := f.svc.MarkThreadRead(ctx, th.ID, a.ID); err != nil || n != 0 {
		t.Fatalf("sender mark read: n=%d err=%v", n, err)
	}
	if n, err := f.svc.MarkThreadRead(ctx, th.ID, b.ID); err != nil || n != 1 {
		t.Fatalf("recipient mark read: n=%d err=%v", n, err)
	}
	if n, err := f.svc.MarkThreadRead(ctx, th.ID, b.ID); err != nil || n != 0 {
		t.Fatalf("repeat mark read should be a no-op: n=%d err=%v", n, err)
	}
	if n, _ := f.svc.UnreadCount(ctx, th.Ref(), b.ID); n != 0 {
		t.Fatalf("expected 0 unread after reading, got %d", n)
	}
	stored, _ = f.st.Messages().GetDirect(ctx, sent.ID)
	if stored.ReadAt == nil {
		t.Fatalf("expected read_at to be set")
	}
}

func TestSendValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.User(t, f.st, "A")
	b := storetest.User(t, f.st, "B")
	c := storetest.User(t, f.st, "C")
	th, _, _ := f.dir.GetOrCreateThread(ctx, a.ID, b.ID)

	if _, err := f.svc.Send(ctx, th.Ref(), a.ID, " \n\t "); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Fatalf("expected empty message, got %v", err)
	}
	if _, err := f.svc.Send(ctx, th.Ref(), a.ID, strings.Repeat("é", domain.MaxMessageLength)); err != nil {
		t.Fatalf("exactly max length should succeed: %v", err)
	}
	if _, err := f.svc.Send(ctx, th.Ref(), a.ID, strings.Repeat("x", domain.MaxMessageLength+1)); !errors.Is(err, domain.ErrMessageTooLong) {
		t.Fatalf("expected too long, got %v", err)
	}
	if _, err := f.svc.Send(ctx, th.Ref(), c.ID, "hi"); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected not a participant, got %v", err)
	}
	if _, err := f.svc.MarkThreadRead(ctx, th.ID, c.ID); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected not a participant on mark read, got %v", err)
	}
}

func TestGroupReceipts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	exec := storetest.User(t, f.st, "Exec", storetest.Executive)
	m1 := storetest.User(t, f.st, "M1")
	m2 := storetest.User(t, f.st, "M2")
	outsider := storetest.User(t, f.st, "Out")

	grp, err := f.dir.CreateGroup(ctx, "Choir", exec, []uuid.UUID{m1.ID, m2.ID})
	if err != nil {
		t.Fatalf("group: %v", err)
	}

	sent, err := f.svc.Send(ctx, grp.Ref(), exec.ID, "rehearsal at 6")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sent.ReadBy) != 1 || sent.ReadBy[0] != exec.ID {
		t.Fatalf("sender must be in the read set, got %v", sent.ReadBy)
	}
	if n, _ := f.svc.UnreadCount(ctx, grp.Ref(), m1.ID); n != 1 {
		t.Fatalf("expected 1 unread for m1, got %d", n)
	}

	if err := f.svc.MarkGroupMessageRead(ctx, sent.ID, m1.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := f.svc.MarkGroupMessageRead(ctx, sent.ID, m1.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if err := f.svc.MarkGroupMessageRead(ctx, sent.ID, outsider.ID); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected outsider rejection, got %v", err)
	}

	history, err := f.svc.History(ctx, grp.Ref(), m2.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Body != "rehearsal at 6" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(history[0].ReadBy) != 2 {
		t.Fatalf("expected sender and m1 in read set, got %v", history[0].ReadBy)
	}

	if n, err := f.svc.MarkRead(ctx, grp.Ref(), m2.ID); err != nil || n != 1 {
		t.Fatalf("group sweep: n=%d err=%v", n, err)
	}
	if n, _ := f.svc.UnreadCount(ctx, grp.Ref(), m2.ID); n != 0 {
		t.Fatalf("expected 0 unread after sweep, got %d", n)
	}
}

func TestRevokedMemberLosesAccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	exec := storetest.User(t, f.st, "Exec", storetest.Executive)
	m := storetest.User(t, f.st, "M")

	grp, _ := f.dir.CreateGroup(ctx, "Press", exec, []uuid.UUID{m.ID})
	if _, err := f.svc.Send(ctx, grp.Ref(), m.ID, "first"); err != nil {
		t.Fatalf("send as member: %v", err)
	}
	if err := f.dir.RemoveMember(ctx, grp.ID, m.ID, exec); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.svc.Send(ctx, grp.Ref(), m.ID, "second"); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected revoked member to be rejected, got %v", err)
	}
	if _, err := f.svc.History(ctx, grp.Ref(), m.ID, 10); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected revoked member history to be rejected, got %v", err)
	}
}

func TestTamperedCiphertextFailsDecryption(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.User(t, f.st, "A")
	b := storetest.User(t, f.st, "B")
	th, _, _ := f.dir.GetOrCreateThread(ctx, a.ID, b.ID)

	sent, err := f.svc.Send(ctx, th.Ref(), a.ID, "integrity")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	stored, _ := f.st.Messages().GetDirect(ctx, sent.ID)
	stored.Ciphertext[len(stored.Ciphertext)-1] ^= 0x01
	if err := f.st.DB.Model(&domain.DirectMessage{}).Where("id = ?", sent.ID).Update("ciphertext", stored.Ciphertext).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := f.svc.ReadPlaintext(ctx, domain.KindThread, sent.ID); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
}

func TestCiphertextIsBoundToConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := storetest.User(t, f.st, "A")
	b := storetest.User(t, f.st, "B")
	c := storetest.User(t, f.st, "C")
	ab, _, _ := f.dir.GetOrCreateThread(ctx, a.ID, b.ID)
	ac, _, _ := f.dir.GetOrCreateThread(ctx, a.ID, c.ID)

	sent, err := f.svc.Send(ctx, ab.Ref(), a.ID, "for b only")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// Move the row into the other thread; it must not decrypt there.
	if err := f.st.DB.Model(&domain.DirectMessage{}).Where("id = ?", sent.ID).Update("thread_id", ac.ID).Error; err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := f.svc.ReadPlaintext(ctx, domain.KindThread, sent.ID); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure across conversations, got %v", err)
	}
}
