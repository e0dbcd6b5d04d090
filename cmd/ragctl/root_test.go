package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/retrieval"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd("1.2.3")
	assert.Equal(t, "ragctl", cmd.Use)
	assert.Equal(t, "1.2.3", cmd.Version)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"ingest", "query", "chat", "watch", "status"})
}

func TestQueryCmdFlags(t *testing.T) {
	cmd := NewQueryCmd()
	for _, name := range []string{"top-k", "threshold", "context"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestIngestCmdRequiresArgs(t *testing.T) {
	cmd := NewRootCmd("dev")
	cmd.SetArgs([]string{"ingest"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

// offlineEnv 用哈希嵌入、内存存储和临时台账运行命令
func offlineEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RAG_EMBEDDING_PROVIDER", "hash")
	t.Setenv("RAG_EMBEDDING_DIMENSION", "64")
	t.Setenv("RAG_LLM_PROVIDER", "none")
	t.Setenv("RAG_LEDGER_PATH", filepath.Join(t.TempDir(), "ledger.db"))
}

func TestIngestAndStatusCommands(t *testing.T) {
	offlineEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("hybrid retrieval fuses dense and keyword rankings"), 0o644))

	var out bytes.Buffer
	cmd := NewRootCmd("dev")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ingest", dir})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "processed 1")

	// 台账落盘，第二个进程内命令能看到
	out.Reset()
	cmd = NewRootCmd("dev")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Documents: 1")
	assert.Contains(t, out.String(), "a.md")
}

func TestIngestCommandReportsFailures(t *testing.T) {
	offlineEnv(t)
	var out bytes.Buffer
	cmd := NewRootCmd("dev")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ingest", filepath.Join(t.TempDir(), "missing.txt")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 documents failed")
	assert.Contains(t, out.String(), "1 errors")
}

func TestChatLoop(t *testing.T) {
	offlineEnv(t)
	dir := t.TempDir()
	doc := filepath.Join(dir, "ledger.txt")
	require.NoError(t, os.WriteFile(doc, []byte("the ledger records content hashes"), 0o644))

	var out bytes.Buffer
	cmd := NewRootCmd("dev")
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("/ingest " + doc + "\nthe ledger records content hashes\n/exit\nnever read\n"))
	cmd.SetArgs([]string{"chat"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "processed 1")
	assert.Contains(t, text, "the ledger records content hashes")
	assert.NotContains(t, text, "never read")
}

func TestPrintResults(t *testing.T) {
	var out bytes.Buffer
	printResults(&out, retrieval.Result{
		UsedWebFallback: true,
		Chunks: []knowledge.Result{
			{Chunk: knowledge.Chunk{Index: 0, Text: "web body", Metadata: map[string]string{
				knowledge.MetaSource: "web", knowledge.MetaWebURL: "https://example.com",
			}}, Score: 0.9},
			{Chunk: knowledge.Chunk{DocumentID: "/docs/a.md", Index: 2, Text: "local\n  body"}, Score: 0.03, DenseScore: 0.81, HasDense: true},
		},
	})
	text := out.String()
	assert.Contains(t, text, "web search results included")
	assert.Contains(t, text, "1. [web https://example.com #0]")
	assert.Contains(t, text, "2. [/docs/a.md #2] score=0.0300 dense=0.810")
	assert.Contains(t, text, "local body")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b", preview("a\n\n b", 10))
	assert.Equal(t, "向量…", preview("向量检索", 2))
}

func TestShouldIngest(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/d/a.md", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/d/a.pdf", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/d/a.md", Op: fsnotify.Remove}, false},
		{fsnotify.Event{Name: "/d/a.png", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/d/.a.md.swp", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/d/.hidden.md", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldIngest(tt.event), tt.event.String())
	}
}

func TestChangedPaths(t *testing.T) {
	dir := t.TempDir()
	b := filepath.Join(dir, "b.txt")
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	got := changedPaths(map[string]struct{}{b: {}, a: {}, filepath.Join(dir, "gone.txt"): {}})
	assert.Equal(t, []string{a, b}, got)
}
