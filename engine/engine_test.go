package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigamobile/siga-helpdesk/catalog"
	"github.com/sigamobile/siga-helpdesk/contract"
)

type fakeArchiver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeArchiver) Archive(_ context.Context, _ []byte, mimeType, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("https://drive.google.com/file/d/upload-%d/view", f.calls), nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []map[string]string
	err     error
}

func (f *fakeSink) Append(_ context.Context, record map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	copied := make(map[string]string, len(record))
	for k, v := range record {
		copied[k] = v
	}
	f.records = append(f.records, copied)
	return nil
}

type sentReply struct {
	UserID string
	Text   string
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (f *fakeReplier) Reply(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{UserID: userID, Text: text})
	return nil
}

func (f *fakeReplier) last() sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return sentReply{}
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func newTestEngine(t *testing.T) (*Engine, *Store, *fakeArchiver, *fakeSink, *fakeReplier) {
	t.Helper()
	store := NewStore()
	archiver := &fakeArchiver{}
	sink := &fakeSink{}
	replier := &fakeReplier{}
	eng := New(catalog.Default(), store, archiver, sink, replier, time.Second, zerolog.Nop())
	return eng, store, archiver, sink, replier
}

func text(userID, body string) contract.InboundMessage {
	return contract.InboundMessage{SenderID: userID, Text: body}
}

func media(userID, mimeType string) contract.InboundMessage {
	return contract.InboundMessage{
		SenderID: userID,
		Media:    &contract.MediaPayload{Data: []byte{0xff, 0xd8}, MimeType: mimeType},
	}
}

func TestStartTriggerCreatesSession(t *testing.T) {
	eng, store, _, _, replier := newTestEngine(t)

	if err := eng.Dispatch(context.Background(), text("628111", "  HeLp  ")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sess, ok := store.Get("628111")
	if !ok {
		t.Fatalf("expected session to exist")
	}
	if sess.Index != 0 {
		t.Fatalf("expected index 0, got %d", sess.Index)
	}
	got := replier.last()
	if !strings.Contains(got.Text, "selamat datang") {
		t.Fatalf("missing welcome in reply: %q", got.Text)
	}
	if !strings.Contains(got.Text, "Nama lengkap Anda:") {
		t.Fatalf("missing first prompt in reply: %q", got.Text)
	}
}

func TestUnknownTextWithoutSessionDoesNotStart(t *testing.T) {
	eng, store, _, _, replier := newTestEngine(t)

	if err := eng.Dispatch(context.Background(), text("628111", "hello there")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if _, ok := store.Get("628111"); ok {
		t.Fatalf("no session should be created")
	}
	if !strings.Contains(replier.last().Text, `ketik "help"`) {
		t.Fatalf("expected not-started reply, got %q", replier.last().Text)
	}
}

func TestGroupMessagesAreIgnored(t *testing.T) {
	eng, store, _, _, replier := newTestEngine(t)

	msg := text("628111", "help")
	msg.IsGroup = true
	if err := eng.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if store.Len() != 0 {
		t.Fatalf("group message must not create a session")
	}
	if replier.count() != 0 {
		t.Fatalf("group message must not produce a reply, got %d", replier.count())
	}
}

func TestGroupMessageDoesNotTouchActiveSession(t *testing.T) {
	eng, store, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	group := text("628111", "an answer from a group")
	group.IsGroup = true
	if err := eng.Dispatch(ctx, group); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sess, ok := store.Get("628111")
	if !ok || sess.Index != 0 || len(sess.Answers) != 0 {
		t.Fatalf("group message mutated session: %#v", sess)
	}
}

func TestIndexAdvancesByExactlyOnePerAnswer(t *testing.T) {
	eng, store, _, _, replier := newTestEngine(t)
	ctx := context.Background()
	cat := catalog.Default()

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i := 0; i < cat.Len()-1; i++ {
		if err := eng.Dispatch(ctx, text("628111", fmt.Sprintf("answer-%d", i))); err != nil {
			t.Fatalf("Dispatch answer %d: %v", i, err)
		}
		sess, ok := store.Get("628111")
		if !ok {
			t.Fatalf("session missing after answer %d", i)
		}
		if sess.Index != i+1 {
			t.Fatalf("after answer %d expected index %d, got %d", i, i+1, sess.Index)
		}
		if got := replier.last().Text; got != cat.At(i+1).Prompt {
			t.Fatalf("after answer %d expected prompt %q, got %q", i, cat.At(i+1).Prompt, got)
		}
	}
}

func TestStartTriggerDuringSessionIsANormalAnswer(t *testing.T) {
	eng, store, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sess, ok := store.Get("628111")
	if !ok {
		t.Fatalf("session missing")
	}
	if sess.Index != 1 {
		t.Fatalf("expected index 1 (help recorded as answer), got %d", sess.Index)
	}
	if sess.Answers["nama"] != "help" {
		t.Fatalf("expected help stored verbatim, got %q", sess.Answers["nama"])
	}
}

func TestEmptyTextIsAcceptedVerbatim(t *testing.T) {
	eng, store, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := eng.Dispatch(ctx, text("628111", "")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sess, _ := store.Get("628111")
	if got, ok := sess.Answers["nama"]; !ok || got != "" {
		t.Fatalf("expected empty answer recorded, got %q (present=%v)", got, ok)
	}
}

func TestFullQuestionnairePersistsRecord(t *testing.T) {
	eng, store, _, sink, replier := newTestEngine(t)
	ctx := context.Background()

	steps := []string{"Jane Doe", "Jakarta", "Jakarta Selatan", "jane123", "1", "App crashes on login"}

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch help: %v", err)
	}
	for _, answer := range steps {
		if err := eng.Dispatch(ctx, text("628111", answer)); err != nil {
			t.Fatalf("Dispatch %q: %v", answer, err)
		}
	}
	if err := eng.Dispatch(ctx, media("628111", "image/png")); err != nil {
		t.Fatalf("Dispatch media: %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(sink.records))
	}
	record := sink.records[0]

	wantKeys := append(catalog.Default().Keys(), KeyWhatsAppNumber)
	if len(record) != len(wantKeys) {
		t.Fatalf("expected %d keys, got %d: %#v", len(wantKeys), len(record), record)
	}
	for _, k := range wantKeys {
		if _, ok := record[k]; !ok {
			t.Fatalf("record missing key %q: %#v", k, record)
		}
	}

	if record["modul"] != "Verval KRS" {
		t.Fatalf("expected normalized module, got %q", record["modul"])
	}
	if record["username"] != "jane123" {
		t.Fatalf("unexpected username: %q", record["username"])
	}
	if record["uraian"] != "App crashes on login" {
		t.Fatalf("unexpected uraian: %q", record["uraian"])
	}
	if record[KeyWhatsAppNumber] != "628111" {
		t.Fatalf("unexpected sender number: %q", record[KeyWhatsAppNumber])
	}
	if !strings.HasPrefix(record["screenshot"], "https://drive.google.com/file/d/") {
		t.Fatalf("expected archive reference, got %q", record["screenshot"])
	}

	// Saving notice precedes the success reply.
	n := replier.count()
	if n < 2 {
		t.Fatalf("expected at least 2 final replies, got %d", n)
	}
	if !strings.Contains(replier.replies[n-2].Text, "sedang disimpan") {
		t.Fatalf("expected saving notice, got %q", replier.replies[n-2].Text)
	}
	if !strings.HasPrefix(replier.replies[n-1].Text, "✅") {
		t.Fatalf("expected success reply, got %q", replier.replies[n-1].Text)
	}

	if store.Len() != 0 {
		t.Fatalf("session must be destroyed after completion")
	}
}

func TestModuleNormalization(t *testing.T) {
	if got := NormalizeModule("1"); got != "Verval KRS" {
		t.Fatalf(`NormalizeModule("1") = %q`, got)
	}
	if got := NormalizeModule("2"); got != "Elsimil" {
		t.Fatalf(`NormalizeModule("2") = %q`, got)
	}
	if got := NormalizeModule("3"); got != "3" {
		t.Fatalf(`NormalizeModule("3") = %q`, got)
	}
	if got := NormalizeModule("banana"); got != "banana" {
		t.Fatalf(`NormalizeModule("banana") = %q`, got)
	}
}

func TestArchiveFailureRepeatsQuestion(t *testing.T) {
	eng, store, archiver, _, replier := newTestEngine(t)
	ctx := context.Background()
	archiver.err = fmt.Errorf("drive unavailable")

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := eng.Dispatch(ctx, media("628111", "image/jpeg")); err != nil {
		t.Fatalf("Dispatch media: %v", err)
	}

	sess, ok := store.Get("628111")
	if !ok {
		t.Fatalf("session must survive the failed upload")
	}
	if sess.Index != 0 {
		t.Fatalf("index must not advance on archive failure, got %d", sess.Index)
	}
	if len(sess.Answers) != 0 {
		t.Fatalf("no answer must be recorded on archive failure: %#v", sess.Answers)
	}
	if !strings.Contains(replier.last().Text, "Nama lengkap Anda:") {
		t.Fatalf("expected the same question re-asked, got %q", replier.last().Text)
	}

	// A successful retry advances normally.
	archiver.err = nil
	if err := eng.Dispatch(ctx, media("628111", "image/jpeg")); err != nil {
		t.Fatalf("Dispatch retry: %v", err)
	}
	sess, _ = store.Get("628111")
	if sess.Index != 1 {
		t.Fatalf("expected index 1 after retry, got %d", sess.Index)
	}
}

func TestPersistFailureDestroysSession(t *testing.T) {
	eng, store, _, sink, replier := newTestEngine(t)
	ctx := context.Background()
	sink.err = fmt.Errorf("sheets quota exceeded")

	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i := 0; i < catalog.Default().Len(); i++ {
		if err := eng.Dispatch(ctx, text("628111", fmt.Sprintf("answer-%d", i))); err != nil {
			t.Fatalf("Dispatch answer %d: %v", i, err)
		}
	}

	if !strings.HasPrefix(replier.last().Text, "❌") {
		t.Fatalf("expected failure reply, got %q", replier.last().Text)
	}
	if store.Len() != 0 {
		t.Fatalf("session must be destroyed even when the save fails")
	}

	// The user starts over from scratch.
	if err := eng.Dispatch(ctx, text("628111", "help")); err != nil {
		t.Fatalf("Dispatch restart: %v", err)
	}
	sess, ok := store.Get("628111")
	if !ok || sess.Index != 0 || len(sess.Answers) != 0 {
		t.Fatalf("expected fresh session after restart: %#v", sess)
	}
}

func TestConcurrentUsersDoNotBleed(t *testing.T) {
	eng, _, _, sink, _ := newTestEngine(t)
	ctx := context.Background()
	cat := catalog.Default()

	users := []string{"628100", "628200", "628300", "628400"}
	var wg sync.WaitGroup
	for _, userID := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if err := eng.Dispatch(ctx, text(userID, "help")); err != nil {
				t.Errorf("Dispatch help for %s: %v", userID, err)
				return
			}
			for i := 0; i < cat.Len(); i++ {
				if err := eng.Dispatch(ctx, text(userID, userID+"-"+cat.At(i).Key)); err != nil {
					t.Errorf("Dispatch for %s: %v", userID, err)
					return
				}
			}
		}(userID)
	}
	wg.Wait()

	if len(sink.records) != len(users) {
		t.Fatalf("expected %d records, got %d", len(users), len(sink.records))
	}
	for _, record := range sink.records {
		userID := record[KeyWhatsAppNumber]
		for _, key := range []string{"nama", "provinsi", "kabupaten", "username", "uraian", "screenshot"} {
			if want := userID + "-" + key; record[key] != want {
				t.Fatalf("cross-user bleed for %s: key %q = %q", userID, key, record[key])
			}
		}
	}
}
