package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"
)

// S3Uploader copies archives to an S3-compatible bucket by shelling
// out to the aws CLI. Credentials are handed over through the child
// environment, never on the command line, so they do not show up in
// the process table.
type S3Uploader struct {
	bucket    string
	keyPrefix string
	cfg       Config
}

// NewS3Uploader validates the remote storage configuration up front
// so a misconfigured bucket fails at startup instead of at the first
// scheduled upload hours later.
func NewS3Uploader(cfg Config) (*S3Uploader, error) {
	bucket, prefix, err := parseBucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, errors.New("s3: access key and secret key are required")
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, errors.New("s3: aws cli not found in PATH")
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	return &S3Uploader{bucket: bucket, keyPrefix: prefix, cfg: cfg}, nil
}

// UploadFile copies one local archive into the bucket.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	key := path.Base(localPath)
	if u.keyPrefix != "" {
		key = path.Join(u.keyPrefix, key)
	}
	dest := fmt.Sprintf("s3://%s/%s", u.bucket, key)

	args := []string{"s3", "cp", localPath, dest, "--region", u.cfg.S3Region, "--only-show-errors"}
	if ep := normalizeEndpoint(u.cfg.S3Endpoint, u.cfg.S3UseSSL); ep != "" {
		args = append(args, "--endpoint-url", ep)
	}

	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+u.cfg.S3AccessKey,
		"AWS_SECRET_ACCESS_KEY="+u.cfg.S3SecretKey,
		"AWS_DEFAULT_REGION="+u.cfg.S3Region,
	)
	if u.cfg.S3SessionToken != "" {
		cmd.Env = append(cmd.Env, "AWS_SESSION_TOKEN="+u.cfg.S3SessionToken)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parseBucketURL splits s3://bucket/optional/prefix into its parts.
func parseBucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", errors.New("s3: bucket-url must use s3:// scheme")
	}
	if u.Host == "" {
		return "", "", errors.New("s3: bucket-url missing bucket name")
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	if endpoint == "" {
		return ""
	}
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
