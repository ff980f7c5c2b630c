// Package storage はハイライト動画のアップロード先（S3互換ストレージ）を提供する。
// クライアントは署名付きURLへ直接PUTし、公開URLをハイライトとして投稿する。
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/uscout/internal/model"
)

// uploadExtensions はアップロードを受け付けるContent-Typeと拡張子。
var uploadExtensions = map[string]string{
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

// Config はS3互換ストレージの接続設定。
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string        // 公開URLのベース。空の場合は Endpoint/Bucket を使う
	UploadExpiry  time.Duration // 署名付きURLの有効期間（デフォルト: 15分）
}

// Enabled はアップロード先が設定されているかを返す。
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Upload は発行した署名付きアップロードの内容。
type Upload struct {
	Key       string            `json:"key"`
	Method    string            `json:"method"`
	UploadURL string            `json:"uploadUrl"`
	Headers   map[string]string `json:"headers"`
	PublicURL string            `json:"publicUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// presigner はs3.PresignClientのうち利用するメソッド。
type presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Storage は署名付きアップロードURLを発行する。
type Storage struct {
	presigner presigner
	bucket    string
	publicURL string
	expiry    time.Duration
	now       func() time.Time
}

// New はConfigからS3クライアントを構成してStorageを生成する。
func New(ctx context.Context, cfg Config) (*Storage, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	publicURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicURL == "" {
		publicURL = endpoint + "/" + cfg.Bucket
	}
	return newStorage(s3.NewPresignClient(client), cfg.Bucket, publicURL, cfg.UploadExpiry), nil
}

func newStorage(p presigner, bucket, publicURL string, expiry time.Duration) *Storage {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Storage{
		presigner: p,
		bucket:    bucket,
		publicURL: publicURL,
		expiry:    expiry,
		now:       time.Now,
	}
}

// PresignUpload はユーザーの動画アップロード用の署名付きPUT URLを発行する。
// オブジェクトキーは highlights/<uid>/<ULID><拡張子>。
func (s *Storage) PresignUpload(ctx context.Context, userID, contentType string) (*Upload, error) {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := uploadExtensions[normalized]
	if !ok {
		return nil, model.NewUnsupportedMediaError(contentType)
	}
	key := fmt.Sprintf("highlights/%s/%s%s", userID, ulid.Make().String(), ext)

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(normalized),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for name := range req.SignedHeader {
		if strings.EqualFold(name, "host") {
			continue
		}
		headers[name] = req.SignedHeader.Get(name)
	}

	return &Upload{
		Key:       key,
		Method:    req.Method,
		UploadURL: req.URL,
		Headers:   headers,
		PublicURL: s.publicURL + "/" + key,
		ExpiresAt: s.now().Add(s.expiry).UTC(),
	}, nil
}
