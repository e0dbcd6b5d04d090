package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

// Loader 读取源文档
type Loader interface {
	// Resolve 将目录或前缀展开为具体文档位置
	Resolve(ctx context.Context, location string) ([]string, error)
	Load(ctx context.Context, location string) (knowledge.Document, error)
}

// 支持的文件类型
var supportedTypes = map[string]string{
	".txt":      "txt",
	".text":     "txt",
	".md":       "md",
	".markdown": "md",
	".pdf":      "pdf",
}

// FileType 按扩展名判断文件类型
func FileType(name string) (string, bool) {
	t, ok := supportedTypes[strings.ToLower(filepath.Ext(name))]
	return t, ok
}

// FileLoader 本地文件与目录
type FileLoader struct{}

func (FileLoader) Resolve(ctx context.Context, location string) ([]string, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{abs}, nil
	}

	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			// 跳过隐藏目录
			if path != abs && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := FileType(name); ok && !strings.HasPrefix(name, ".") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", location, err)
	}
	return files, nil
}

func (FileLoader) Load(ctx context.Context, location string) (knowledge.Document, error) {
	fileType, ok := FileType(location)
	if !ok {
		return knowledge.Document{}, fmt.Errorf("unsupported file type: %s", filepath.Ext(location))
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return knowledge.Document{}, err
	}
	text, err := extractText(fileType, data)
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("parse %s: %w", location, err)
	}
	return knowledge.NewDocument(location, text, map[string]string{
		"type":               fileType,
		"file_name":          filepath.Base(location),
		knowledge.MetaSource: "file",
	}), nil
}

// extractText 文本类直接读取，PDF 提取纯文本
func extractText(fileType string, data []byte) (string, error) {
	if fileType != "pdf" {
		if !utf8.Valid(data) {
			return strings.ToValidUTF8(string(data), "�"), nil
		}
		return string(data), nil
	}

	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	plain, err := rdr.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read pdf buffer: %w", err)
	}
	return buf.String(), nil
}

// MultiLoader 按位置前缀分发到本地或对象存储
type MultiLoader struct {
	Files   Loader
	Objects Loader
}

// NewMultiLoader objects 可为空，此时不支持 s3:// 位置
func NewMultiLoader(objects Loader) *MultiLoader {
	return &MultiLoader{Files: FileLoader{}, Objects: objects}
}

func (m *MultiLoader) pick(location string) (Loader, error) {
	if strings.HasPrefix(location, s3Scheme) {
		if m.Objects == nil {
			return nil, fmt.Errorf("object storage is not configured for %s", location)
		}
		return m.Objects, nil
	}
	return m.Files, nil
}

func (m *MultiLoader) Resolve(ctx context.Context, location string) ([]string, error) {
	l, err := m.pick(location)
	if err != nil {
		return nil, err
	}
	return l.Resolve(ctx, location)
}

func (m *MultiLoader) Load(ctx context.Context, location string) (knowledge.Document, error) {
	l, err := m.pick(location)
	if err != nil {
		return knowledge.Document{}, err
	}
	return l.Load(ctx, location)
}
