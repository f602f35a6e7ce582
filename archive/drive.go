package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sigamobile/siga-helpdesk/config"
)

const driveScope = "https://www.googleapis.com/auth/drive"

// DriveArchiver uploads attachments into a Google Drive folder shared
// with the service account.
type DriveArchiver struct {
	service  *drive.Service
	folderID string
}

func NewDrive(ctx context.Context, cfg config.GoogleConfig) (*DriveArchiver, error) {
	email := strings.TrimSpace(cfg.ServiceAccountEmail)
	if email == "" {
		return nil, fmt.Errorf("google.service_account_email is required")
	}
	key := cfg.NormalizedPrivateKey()
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("google.private_key is required")
	}
	folderID := strings.TrimSpace(cfg.DriveFolderID)
	if folderID == "" {
		return nil, fmt.Errorf("google.drive_folder_id is required")
	}

	conf := &jwt.Config{
		Email:      email,
		PrivateKey: []byte(key),
		Scopes:     []string{driveScope},
		TokenURL:   google.JWTTokenURL,
	}
	service, err := drive.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("init drive service: %w", err)
	}

	return &DriveArchiver{service: service, folderID: folderID}, nil
}

func (a *DriveArchiver) Archive(ctx context.Context, payload []byte, mimeType, suggestedName string) (string, error) {
	meta := &drive.File{
		Name:    FileName(suggestedName, mimeType),
		Parents: []string{a.folderID},
	}

	created, err := a.service.Files.Create(meta).
		Media(bytes.NewReader(payload), googleapi.ContentType(mimeType)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("upload to drive: %w", err)
	}

	return DriveReference(created.Id), nil
}

// DriveReference is the viewable link recorded in the spreadsheet.
func DriveReference(fileID string) string {
	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", fileID)
}
