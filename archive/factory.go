package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/sigamobile/siga-helpdesk/config"
)

// New builds the archiver backend selected by archive.backend.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	config.ApplyDefaults(&cfg)

	switch strings.ToLower(strings.TrimSpace(cfg.Archive.Backend)) {
	case "", "drive":
		return NewDrive(ctx, cfg.Google)
	case "s3":
		return NewS3(cfg.Archive.S3)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}
