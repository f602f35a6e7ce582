package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sigamobile/siga-helpdesk/catalog"
	"github.com/sigamobile/siga-helpdesk/contract"
)

// Archiver stores a binary attachment and returns a dereferenceable
// reference usable as a spreadsheet cell value.
type Archiver interface {
	Archive(ctx context.Context, payload []byte, mimeType, suggestedName string) (string, error)
}

// Sink appends one completed record to the shared store.
type Sink interface {
	Append(ctx context.Context, record map[string]string) error
}

// Replier delivers outbound text to a user.
type Replier interface {
	Reply(ctx context.Context, userID, text string) error
}

// StartTrigger begins a new session, compared case-insensitively after
// trimming.
const StartTrigger = "help"

// KeyWhatsAppNumber is the metadata key stamped onto every completed
// record alongside the catalog answers.
const KeyWhatsAppNumber = "whatsappNumber"

// keyModule is the answer the numeric-code normalization applies to.
const keyModule = "modul"

const (
	welcomeText     = "Halo, selamat datang di Helpdesk SIGA Mobile.\nSaya di sini untuk membantu Anda."
	notStartedText  = `Terima Kasih telah menghubungi Helpdesk SIGA Mobile. Untuk memulai silahkan ketik "help"`
	savingText      = "Data Anda sedang disimpan..."
	successText     = "✅ Informasi Anda berhasil kami terima dan simpan. Ketik 'help' jika masih terdapat kendala SIGA Mobile"
	failureText     = "❌ Maaf, terjadi kesalahan saat menyimpan data. Silakan coba lagi nanti."
	uploadRetryText = "❌ Maaf, file Anda gagal diunggah. Silakan kirim ulang."
)

// Engine walks each user through the intake catalog one message at a
// time and hands completed answer sets to the sink.
type Engine struct {
	catalog  catalog.Catalog
	store    *Store
	archiver Archiver
	sink     Sink
	replier  Replier
	timeout  time.Duration
	log      zerolog.Logger
}

func New(cat catalog.Catalog, store *Store, archiver Archiver, sink Sink, replier Replier, timeout time.Duration, log zerolog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		catalog:  cat,
		store:    store,
		archiver: archiver,
		sink:     sink,
		replier:  replier,
		timeout:  timeout,
		log:      log,
	}
}

// Dispatch processes one inbound message: it advances the sender's
// session and sends the resulting replies. Group messages are dropped
// before any session lookup.
func (e *Engine) Dispatch(ctx context.Context, msg contract.InboundMessage) error {
	if msg.IsGroup {
		return nil
	}
	userID := strings.TrimSpace(msg.SenderID)
	if userID == "" {
		return nil
	}
	msg.SenderID = userID

	release := e.store.Acquire(userID)
	defer release()

	sess, ok := e.store.Get(userID)
	if !ok {
		return e.begin(ctx, msg)
	}
	return e.answer(ctx, sess, msg)
}

func (e *Engine) begin(ctx context.Context, msg contract.InboundMessage) error {
	if msg.HasMedia() || !strings.EqualFold(strings.TrimSpace(msg.Text), StartTrigger) {
		return e.replier.Reply(ctx, msg.SenderID, notStartedText)
	}

	sess := &Session{UserID: msg.SenderID, Answers: make(map[string]string)}
	e.store.Put(sess)
	e.log.Info().Str("user", msg.SenderID).Msg("session started")

	return e.replier.Reply(ctx, msg.SenderID, welcomeText+"\n\n"+e.catalog.At(0).Prompt)
}

func (e *Engine) answer(ctx context.Context, sess *Session, msg contract.InboundMessage) error {
	q := e.catalog.At(sess.Index)

	if msg.HasMedia() {
		ref, err := e.archive(ctx, msg.Media)
		if err != nil {
			e.log.Error().Err(err).Str("user", sess.UserID).Str("question", q.Key).Msg("archive failed")
			// Abort the turn: the index stays put and the same
			// question is asked again.
			return e.replier.Reply(ctx, sess.UserID, uploadRetryText+"\n\n"+q.Prompt)
		}
		sess.Answers[q.Key] = ref
	} else {
		sess.Answers[q.Key] = msg.Text
	}

	sess.Index++

	if sess.Index < e.catalog.Len() {
		return e.replier.Reply(ctx, sess.UserID, e.catalog.At(sess.Index).Prompt)
	}
	return e.complete(ctx, sess)
}

func (e *Engine) archive(ctx context.Context, media *contract.MediaPayload) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.archiver.Archive(cctx, media.Data, media.MimeType, media.FileName)
}

func (e *Engine) complete(ctx context.Context, sess *Session) error {
	record := buildRecord(sess)

	if err := e.replier.Reply(ctx, sess.UserID, savingText); err != nil {
		e.log.Error().Err(err).Str("user", sess.UserID).Msg("saving notice failed")
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.sink.Append(cctx, record)
	cancel()

	// The session is gone either way; a failed save means the user
	// starts over from "help".
	e.store.Delete(sess.UserID)

	if err != nil {
		e.log.Error().Err(err).Str("user", sess.UserID).Msg("record append failed")
		return e.replier.Reply(ctx, sess.UserID, failureText)
	}

	e.log.Info().Str("user", sess.UserID).Msg("record saved")
	return e.replier.Reply(ctx, sess.UserID, successText)
}

// buildRecord copies the answers, normalizes the module code and
// stamps the sender identity.
func buildRecord(sess *Session) map[string]string {
	record := make(map[string]string, len(sess.Answers)+1)
	for k, v := range sess.Answers {
		record[k] = v
	}
	if modul, ok := record[keyModule]; ok {
		record[keyModule] = NormalizeModule(modul)
	}
	record[KeyWhatsAppNumber] = sess.UserID
	return record
}

// NormalizeModule maps the numeric module codes to their display
// labels; any other value passes through unchanged.
func NormalizeModule(raw string) string {
	switch strings.TrimSpace(raw) {
	case "1":
		return "Verval KRS"
	case "2":
		return "Elsimil"
	default:
		return raw
	}
}
