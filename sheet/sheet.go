package sheet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/sigamobile/siga-helpdesk/config"
)

const spreadsheetScope = "https://www.googleapis.com/auth/spreadsheets"

const (
	appendRange = "A1"
	headerRange = "1:1"
)

// columns in spreadsheet order. columnKeys maps each data column to
// the record key it is filled from; Timestamp is server-generated.
var columns = []string{
	"Nama",
	"Nomor WhatsApp",
	"Provinsi",
	"Kabupaten/Kota",
	"Username",
	"Modul SIGA Mobile",
	"Uraian Permasalahan",
	"Screenshot Bukti Permasalahan",
	"Timestamp",
}

var columnKeys = map[string]string{
	"Nama":                          "nama",
	"Nomor WhatsApp":                "whatsappNumber",
	"Provinsi":                      "provinsi",
	"Kabupaten/Kota":                "kabupaten",
	"Username":                      "username",
	"Modul SIGA Mobile":             "modul",
	"Uraian Permasalahan":           "uraian",
	"Screenshot Bukti Permasalahan": "screenshot",
}

var jakarta = loadJakarta()

func loadJakarta() *time.Location {
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		return time.FixedZone("WIB", 7*60*60)
	}
	return loc
}

// Sink appends completed intake records to a Google Sheet, one row per
// record. The header row is provisioned lazily on first use.
type Sink struct {
	service       *sheets.Service
	spreadsheetID string
	now           func() time.Time

	initMu      sync.Mutex
	initialized bool
}

func New(ctx context.Context, cfg config.GoogleConfig) (*Sink, error) {
	email := strings.TrimSpace(cfg.ServiceAccountEmail)
	if email == "" {
		return nil, fmt.Errorf("google.service_account_email is required")
	}
	key := cfg.NormalizedPrivateKey()
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("google.private_key is required")
	}
	spreadsheetID := strings.TrimSpace(cfg.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, fmt.Errorf("google.spreadsheet_id is required")
	}

	conf := &jwt.Config{
		Email:      email,
		PrivateKey: []byte(key),
		Scopes:     []string{spreadsheetScope},
		TokenURL:   google.JWTTokenURL,
	}
	service, err := sheets.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("init sheets service: %w", err)
	}

	return &Sink{
		service:       service,
		spreadsheetID: spreadsheetID,
		now:           time.Now,
	}, nil
}

// Append writes one record as a new row. Every call adds a row; there
// is no dedup.
func (s *Sink) Append(ctx context.Context, record map[string]string) error {
	if err := s.ensureHeader(ctx); err != nil {
		return fmt.Errorf("ensure header: %w", err)
	}

	row := buildRow(record, s.now())
	_, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, appendRange, &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	return nil
}

// ensureHeader provisions the header row on first use. Only success is
// latched: a transient failure here fails the one append and is retried
// on the next.
func (s *Sink) ensureHeader(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return err
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		s.initialized = true
		return nil
	}

	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, headerRange, &sheets.ValueRange{
		Values: [][]interface{}{header},
	}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func buildRow(record map[string]string, now time.Time) []interface{} {
	row := make([]interface{}, 0, len(columns))
	for _, col := range columns {
		if col == "Timestamp" {
			row = append(row, Timestamp(now))
			continue
		}
		row = append(row, record[columnKeys[col]])
	}
	return row
}

// Timestamp renders the server time the way the intake sheet has
// always recorded it: Indonesian locale shape, Jakarta time.
func Timestamp(t time.Time) string {
	return t.In(jakarta).Format("2/1/2006, 15.04.05")
}
