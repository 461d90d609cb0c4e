package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
)

const storagePath = "/storage/v1/object/"

// Uploader stores source files in the backend bucket.
type Uploader struct {
	c      *Client
	bucket string
	// allowLocal lets a failed upload fall back to the file's local path.
	allowLocal bool
}

func NewUploader(c *Client, bucket string, allowLocal bool) *Uploader {
	return &Uploader{c: c, bucket: bucket, allowLocal: allowLocal}
}

// Upload stores f under {userID}/{uuid}-{name}.
func (u *Uploader) Upload(ctx context.Context, userID string, f domain.SourceFile) (domain.UploadResult, error) {
	name := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
	if name == "." || name == "/" {
		name = "material"
	}
	objectPath := userID + "/" + uuid.NewString() + "-" + name

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header := http.Header{}
	header.Set("x-upsert", "false")

	p := storagePath + url.PathEscape(u.bucket) + "/" + escapePath(objectPath)
	if _, err := u.c.do(ctx, http.MethodPost, p, f.Body, ct, header); err != nil {
		if u.allowLocal && f.LocalPath != "" {
			return domain.UploadResult{Path: f.LocalPath, LocalOnly: true}, nil
		}
		return domain.UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return domain.UploadResult{Path: objectPath}, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
