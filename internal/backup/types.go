package backup

import (
	"context"
	"time"
)

// DefaultDir holds archives and their metadata sidecars.
const DefaultDir = "/var/lib/ceymail-mc/backups"

// Config controls archive creation, the periodic schedule, and the
// optional remote upload.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Dir      string
	KeepLast int

	// Contents of scheduled archives. On-demand archives pick their
	// own options per call.
	IncludeDKIM      bool
	IncludeMailboxes bool

	BucketURL      string
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Options selects what goes into one archive.
type Options struct {
	Config    bool
	DKIM      bool
	Mailboxes bool
}

// Metadata describes one archive. It is persisted as a JSON sidecar
// next to the archive so listing does not have to reverse-engineer
// file names.
type Metadata struct {
	ID                string    `json:"id"`
	File              string    `json:"file"`
	CreatedAt         time.Time `json:"created_at"`
	SizeBytes         int64     `json:"size_bytes"`
	IncludesConfig    bool      `json:"includes_config"`
	IncludesDKIM      bool      `json:"includes_dkim"`
	IncludesMailboxes bool      `json:"includes_mailboxes"`
}

// Archiver produces and unpacks archive files.
type Archiver interface {
	Archive(dst string, opts Options) error
	Unpack(src string) error
}

// Uploader pushes one finished archive to remote storage.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
