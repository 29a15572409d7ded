// Package artifacts stores generated media and user uploads in S3 compatible
// object storage.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"relay-api/internal/shared"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	PublicURL string
	Secure    bool
}

type blobPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Store struct {
	client     blobPutter
	bucket     string
	publicURL  string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewStore(cfg Config, log *zap.SugaredLogger) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("artifact storage endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		scheme := "http"
		if cfg.Secure {
			scheme = "https"
		}
		public = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return newStore(client, cfg.Bucket, public, log), nil
}

func newStore(client blobPutter, bucket, publicURL string, log *zap.SugaredLogger) *Store {
	return &Store{
		client:     client,
		bucket:     bucket,
		publicURL:  publicURL,
		httpClient: &http.Client{Timeout: shared.ArtifactDownloadTimeout},
		log:        log,
	}
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// StoreBlob writes data under a fresh key and returns its public url
func (s *Store) StoreBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}
	key := "artifacts/" + uuid.NewString() + extensionFor(contentType)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.publicURL + "/" + key, nil
}

// Rehost copies a provider artifact into our storage so that clients never
// depend on the provider's url lifetime
func (s *Store) Rehost(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shared.ArtifactDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", errors.Join(shared.ErrRehostFailed, err)
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return "", errors.Join(shared.ErrRehostFailed, err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			s.log.Warnw("Failed to close artifact body", "error", closeErr)
		}
	}()
	if res.StatusCode != http.StatusOK {
		return "", errors.Join(shared.ErrRehostFailed, fmt.Errorf("artifact download status %d", res.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, shared.MaxArtifactBytes+1))
	if err != nil {
		return "", errors.Join(shared.ErrRehostFailed, err)
	}
	if len(data) > shared.MaxArtifactBytes {
		return "", errors.Join(shared.ErrRehostFailed, errors.New("artifact exceeds size limit"))
	}
	if len(data) == 0 {
		return "", errors.Join(shared.ErrRehostFailed, errors.New("artifact is empty"))
	}

	url, err := s.StoreBlob(ctx, data, res.Header.Get("Content-Type"))
	if err != nil {
		return "", errors.Join(shared.ErrRehostFailed, err)
	}
	s.log.Infow("Rehosted artifact", "source", sourceURL, "url", url, "bytes", len(data))
	return url, nil
}
