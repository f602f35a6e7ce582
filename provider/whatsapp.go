package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/term"
	"google.golang.org/protobuf/proto"
	"rsc.io/qr"

	"github.com/sigamobile/siga-helpdesk/config"
	"github.com/sigamobile/siga-helpdesk/contract"
)

var whatsAppNonDigit = regexp.MustCompile(`\D`)

const envWhatsAppQRPngPath = "SIGA_HELPDESK_QR_PNG"

// deliverTimeout bounds one inbound turn end to end, media download
// included.
const deliverTimeout = 5 * time.Minute

// Dispatcher consumes inbound messages; the session engine implements
// it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg contract.InboundMessage) error
}

// WhatsApp is the chat transport: it pairs a device over QR, maps
// whatsmeow events to inbound messages for the dispatcher, and sends
// replies back out.
type WhatsApp struct {
	storePath  string
	dispatcher Dispatcher
	log        zerolog.Logger
	inbound    *userQueues

	mu        sync.Mutex
	connected bool
	client    *whatsmeow.Client
}

func NewWhatsApp(cfg config.Config, log zerolog.Logger) (*WhatsApp, error) {
	storePath, err := config.ExpandPath(strings.TrimSpace(cfg.WhatsApp.StorePath))
	if err != nil {
		return nil, err
	}
	if storePath == "" {
		storePath, err = config.DefaultWhatsAppStorePath()
		if err != nil {
			return nil, err
		}
	}

	w := &WhatsApp{
		storePath: storePath,
		log:       log,
	}
	w.inbound = newUserQueues(w.deliver, log)
	return w, nil
}

// HandleWith sets the dispatcher that receives inbound messages. Must
// be called before Run.
func (w *WhatsApp) HandleWith(d Dispatcher) {
	w.mu.Lock()
	w.dispatcher = d
	w.mu.Unlock()
}

// Run connects (pairing over QR on first use) and serves events until
// the context is cancelled.
func (w *WhatsApp) Run(ctx context.Context) error {
	if err := w.ensureConnected(ctx); err != nil {
		return err
	}
	w.log.Info().Msg("whatsapp transport connected")
	<-ctx.Done()
	return nil
}

func (w *WhatsApp) Close() error {
	w.mu.Lock()
	client := w.client
	w.client = nil
	w.connected = false
	w.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	return nil
}

// Reply implements the engine's Replier: a plain conversation message
// to the user's direct chat.
func (w *WhatsApp) Reply(ctx context.Context, userID, text string) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return fmt.Errorf("whatsapp client is not connected")
	}

	jid, err := parseWhatsAppJID(userID)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", userID, err)
	}

	_, err = client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (w *WhatsApp) ensureConnected(ctx context.Context) error {
	w.mu.Lock()
	if w.connected && w.client != nil && w.client.IsConnected() {
		w.mu.Unlock()
		return nil
	}
	if w.client == nil {
		if err := w.initClient(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	client := w.client
	w.mu.Unlock()

	if client.IsConnected() {
		w.mu.Lock()
		w.connected = true
		w.mu.Unlock()
		return nil
	}

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return err
		}
		if err := client.Connect(); err != nil {
			return err
		}

		qrStatus := newQRStatusWriter(os.Stderr)
		defer qrStatus.Finish()
		fmt.Fprintln(os.Stderr, "Scan the WhatsApp QR code to link this device.")

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-qrChan:
				if !ok {
					return fmt.Errorf("whatsapp QR channel closed")
				}
				switch evt.Event {
				case "code":
					if pngPath, err := writeQRCodePNG(evt.Code); err != nil {
						fmt.Fprintf(os.Stderr, "Failed to write WhatsApp QR PNG: %v\n", err)
					} else {
						qrStatus.Update(pngPath)
					}
				case "success":
					return w.waitForConnected(ctx, client, 30*time.Second)
				case "timeout":
					return fmt.Errorf("whatsapp QR timed out")
				case "error":
					return fmt.Errorf("whatsapp login error")
				}
			}
		}
	}

	if err := client.Connect(); err != nil {
		return err
	}
	return w.waitForConnected(ctx, client, 45*time.Second)
}

func (w *WhatsApp) waitForConnected(ctx context.Context, client *whatsmeow.Client, maxWait time.Duration) error {
	timer := time.NewTimer(maxWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer timer.Stop()
	defer ticker.Stop()

	for {
		if client.IsConnected() {
			w.mu.Lock()
			w.connected = true
			w.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("whatsapp connection timeout")
		case <-ticker.C:
		}
	}
}

func (w *WhatsApp) initClient() error {
	if err := os.MkdirAll(filepath.Dir(w.storePath), 0o755); err != nil {
		return err
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", w.storePath)
	container, err := sqlstore.New(context.Background(), "sqlite3", dsn, waLog.Stdout("DB", "ERROR", true))
	if err != nil {
		return err
	}

	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return err
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client", "ERROR", true))
	client.AddEventHandler(w.handleEvent)

	w.client = client
	return nil
}

func (w *WhatsApp) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		w.mu.Lock()
		w.connected = true
		w.mu.Unlock()
	case *events.Disconnected:
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		// One serial worker per chat: a user's events are delivered in
		// arrival order, media download included. A mutex alone would
		// serialize turns but not keep them in order.
		w.inbound.Enqueue(v.Info.Chat.User, v)
	}
}

func (w *WhatsApp) deliver(v *events.Message) {
	w.mu.Lock()
	dispatcher := w.dispatcher
	client := w.client
	w.mu.Unlock()
	if dispatcher == nil || client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	msg := contract.InboundMessage{
		SenderID: v.Info.Chat.User,
		IsGroup:  v.Info.IsGroup || v.Info.Chat.Server == types.GroupServer || v.Info.Chat.Server == types.BroadcastServer,
		Text:     extractMessageText(v.Message),
		At:       v.Info.Timestamp,
	}

	if !msg.IsGroup {
		if dl, mimeType, name := downloadableMedia(v.Message); dl != nil {
			data, err := client.Download(ctx, dl)
			if err != nil {
				// Without the payload there is nothing valid to
				// record; drop the turn and let the user resend.
				w.log.Error().Err(err).Str("user", msg.SenderID).Msg("media download failed")
				return
			}
			msg.Media = &contract.MediaPayload{Data: data, MimeType: mimeType, FileName: name}
		}
	}

	if err := dispatcher.Dispatch(ctx, msg); err != nil {
		w.log.Error().Err(err).Str("user", msg.SenderID).Msg("dispatch failed")
	}
}

func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.JID{}, fmt.Errorf("empty")
	}

	if strings.Contains(raw, "@") {
		jid, err := types.ParseJID(raw)
		if err != nil {
			return types.JID{}, err
		}
		if jid.User == "" {
			return types.JID{}, fmt.Errorf("missing user part")
		}
		return jid, nil
	}

	digits := whatsAppNonDigit.ReplaceAllString(raw, "")
	if digits == "" {
		return types.JID{}, fmt.Errorf("expected phone number or full JID")
	}
	return types.ParseJID(digits + "@s.whatsapp.net")
}

// extractMessageText returns the answer text as typed, untrimmed; the
// engine records answers verbatim.
func extractMessageText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		if t := ext.GetText(); t != "" {
			return t
		}
	}
	if img := msg.GetImageMessage(); img != nil {
		if t := img.GetCaption(); t != "" {
			return t
		}
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		if t := vid.GetCaption(); t != "" {
			return t
		}
	}
	return ""
}

func downloadableMedia(msg *waProto.Message) (whatsmeow.DownloadableMessage, string, string) {
	if msg == nil {
		return nil, "", ""
	}
	if img := msg.GetImageMessage(); img != nil {
		return img, img.GetMimetype(), ""
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid, vid.GetMimetype(), ""
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return aud, aud.GetMimetype(), ""
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc, doc.GetMimetype(), doc.GetFileName()
	}
	return nil, "", ""
}

func writeQRCodePNG(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty QR code")
	}

	path := strings.TrimSpace(os.Getenv(envWhatsAppQRPngPath))
	if path == "" {
		path = filepath.Join(os.TempDir(), "siga-helpdesk-whatsapp-qr.png")
	}
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return "", err
	}
	if expanded == "" {
		return "", fmt.Errorf("invalid QR PNG path")
	}

	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", err
	}

	qrCode, err := qr.Encode(code, qr.M)
	if err != nil {
		return "", err
	}
	tmpPath := expanded + ".tmp"
	if err := os.WriteFile(tmpPath, qrCode.PNG(), 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, expanded); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return expanded, nil
}

type qrStatusWriter struct {
	w             io.Writer
	tty           bool
	linesRendered int
}

func newQRStatusWriter(w io.Writer) *qrStatusWriter {
	s := &qrStatusWriter{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.tty = true
	}
	return s
}

func (s *qrStatusWriter) Update(pngPath string) {
	if s == nil || s.w == nil {
		return
	}

	line := fmt.Sprintf("WhatsApp QR PNG (refreshed %s): %s", time.Now().Format("15:04:05"), pngPath)
	if !s.tty {
		fmt.Fprintln(s.w, line)
		return
	}
	s.rewrite([]string{line})
}

func (s *qrStatusWriter) Finish() {
	if s == nil || s.w == nil || !s.tty {
		return
	}
	if s.linesRendered > 0 {
		fmt.Fprintln(s.w)
	}
}

func (s *qrStatusWriter) rewrite(lines []string) {
	for i := 0; i < s.linesRendered; i++ {
		// Move up and clear previous status lines.
		fmt.Fprint(s.w, "\x1b[1A\x1b[2K")
	}
	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
	s.linesRendered = len(lines)
}
