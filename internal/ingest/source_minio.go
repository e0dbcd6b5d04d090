package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

const s3Scheme = "s3://"

// MinioOptions 对象存储配置
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioLoader 从 MinIO/S3 读取 s3://bucket/key 文档
type MinioLoader struct {
	client *minio.Client
}

// NewMinioLoader 创建对象存储读取器
func NewMinioLoader(opts MinioOptions) (*MinioLoader, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	// minio.New 不需要协议前缀
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioLoader{client: client}, nil
}

// ParseObjectURI 拆分 s3://bucket/key
func ParseObjectURI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, s3Scheme) {
		return "", "", fmt.Errorf("not an object uri: %s", uri)
	}
	rest := strings.TrimPrefix(uri, s3Scheme)
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("object uri has no bucket: %s", uri)
	}
	return bucket, key, nil
}

// Resolve 精确对象直接返回，否则按前缀递归列举
func (m *MinioLoader) Resolve(ctx context.Context, location string) ([]string, error) {
	bucket, key, err := ParseObjectURI(location)
	if err != nil {
		return nil, err
	}

	if key != "" && !strings.HasSuffix(key, "/") {
		_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if err == nil {
			return []string{location}, nil
		}
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return nil, fmt.Errorf("stat %s: %w", location, err)
		}
	}

	var objects []string
	for object := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    key,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list %s: %w", location, object.Err)
		}
		if _, ok := FileType(object.Key); ok {
			objects = append(objects, s3Scheme+bucket+"/"+object.Key)
		}
	}
	return objects, nil
}

func (m *MinioLoader) Load(ctx context.Context, location string) (knowledge.Document, error) {
	bucket, key, err := ParseObjectURI(location)
	if err != nil {
		return knowledge.Document{}, err
	}
	fileType, ok := FileType(key)
	if !ok {
		return knowledge.Document{}, fmt.Errorf("unsupported file type: %s", path.Ext(key))
	}

	object, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("get %s: %w", location, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("read %s: %w", location, err)
	}
	text, err := extractText(fileType, data)
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("parse %s: %w", location, err)
	}
	return knowledge.NewDocument(location, text, map[string]string{
		"type":               fileType,
		"file_name":          path.Base(key),
		"bucket":             bucket,
		knowledge.MetaSource: "s3",
	}), nil
}
