package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

func TestFileLoader_ResolveDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	for _, name := range []string{"a.txt", "sub/b.md", "sub/c.PDF", "d.png", ".hidden.txt", ".git/e.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	files, err := FileLoader{}.Resolve(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "sub", "b.md"),
		filepath.Join(dir, "sub", "c.PDF"),
	}, files)
}

func TestFileLoader_ResolveMissing(t *testing.T) {
	_, err := FileLoader{}.Resolve(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFileLoader_LoadMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nbody text"), 0o644))

	doc, err := FileLoader{}.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, doc.ID)
	assert.Equal(t, "# Title\n\nbody text", doc.Text)
	assert.Equal(t, knowledge.ContentHash(doc.Text), doc.Hash)
	assert.Equal(t, "md", doc.Metadata["type"])
	assert.Equal(t, "notes.md", doc.Metadata["file_name"])
	assert.Equal(t, "file", doc.Metadata[knowledge.MetaSource])
}

func TestFileLoader_LoadRejectsUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 0x50}, 0o644))

	_, err := FileLoader{}.Load(context.Background(), path)
	assert.ErrorContains(t, err, "unsupported file type")
}

func TestFileLoader_LoadBrokenPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("not a pdf"), 0o644))

	_, err := FileLoader{}.Load(context.Background(), path)
	assert.Error(t, err)
}

func TestExtractText_InvalidUTF8(t *testing.T) {
	text, err := extractText("txt", []byte{'o', 'k', 0xff})
	require.NoError(t, err)
	assert.Equal(t, "ok�", text)
}

func TestMultiLoader_ObjectStorageNotConfigured(t *testing.T) {
	m := NewMultiLoader(nil)
	_, err := m.Resolve(context.Background(), "s3://bucket/docs/")
	assert.ErrorContains(t, err, "object storage is not configured")
	_, err = m.Load(context.Background(), "s3://bucket/docs/a.txt")
	assert.Error(t, err)
}

func TestParseObjectURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{uri: "s3://docs/guides/a.md", bucket: "docs", key: "guides/a.md"},
		{uri: "s3://docs", bucket: "docs", key: ""},
		{uri: "s3://docs/", bucket: "docs", key: ""},
		{uri: "s3:///a.md", wantErr: true},
		{uri: "/local/a.md", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := ParseObjectURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestNewMinioLoader_RequiresEndpoint(t *testing.T) {
	_, err := NewMinioLoader(MinioOptions{})
	assert.Error(t, err)

	loader, err := NewMinioLoader(MinioOptions{Endpoint: "http://localhost:9000", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.NotNil(t, loader)
}
