package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
)

// S3Mirror uploads scripts to an S3-compatible object store. Requests are
// SigV4-signed directly; no service client is involved so any compatible
// endpoint works.
type S3Mirror struct {
	log         logrus.FieldLogger
	cfg         *config.S3Config
	signer      *v4.Signer
	credentials aws.CredentialsProvider
	httpClient  *http.Client
}

// NewS3Mirror creates a mirror for the given configuration. A nil config
// returns nil; callers treat that as mirroring disabled.
func NewS3Mirror(log logrus.FieldLogger, cfg *config.S3Config) *S3Mirror {
	if cfg == nil {
		return nil
	}

	return &S3Mirror{
		log:         log.WithField("component", "s3_mirror"),
		cfg:         cfg,
		signer:      v4.NewSigner(),
		credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Write uploads the script as {bucket}/{key_prefix}{fileName}.
func (s *S3Mirror) Write(ctx context.Context, fileName, content string) error {
	objectURL := s.objectURL(fileName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, objectURL, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.ContentLength = int64(len(content))

	payloadHash := sha256.Sum256([]byte(content))
	hashHex := hex.EncodeToString(payloadHash[:])
	req.Header.Set("X-Amz-Content-Sha256", hashHex)

	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieving credentials: %w", err)
	}

	if err := s.signer.SignHTTP(ctx, creds, req, hashHex, "s3", s.cfg.Region, time.Now()); err != nil {
		return fmt.Errorf("signing upload request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %q: %w", fileName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("uploading %q: status %d: %s", fileName, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	s.log.WithFields(logrus.Fields{
		"bucket": s.cfg.Bucket,
		"key":    s.objectKey(fileName),
	}).Debug("Script mirrored to object store")

	return nil
}

func (s *S3Mirror) objectKey(fileName string) string {
	if s.cfg.KeyPrefix == "" {
		return fileName
	}
	return strings.TrimSuffix(s.cfg.KeyPrefix, "/") + "/" + fileName
}

func (s *S3Mirror) objectURL(fileName string) string {
	endpoint := strings.TrimSuffix(s.cfg.Endpoint, "/")
	return endpoint + "/" + s.cfg.Bucket + "/" + s.objectKey(fileName)
}
