package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-assistant/internal/ingest"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/llm"
	"github.com/aihub/rag-assistant/internal/retrieval"
)

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, query string, topK int, threshold float64) (retrieval.Result, error) {
	args := m.Called(ctx, query, topK, threshold)
	return args.Get(0).(retrieval.Result), args.Error(1)
}

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	args := m.Called(ctx, messages)
	return args.String(0), args.Error(1)
}

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Ingest(ctx context.Context, sources []string) (ingest.Report, error) {
	args := m.Called(ctx, sources)
	return args.Get(0).(ingest.Report), args.Error(1)
}

func localResult(texts ...string) retrieval.Result {
	var res retrieval.Result
	for _, t := range texts {
		res.Chunks = append(res.Chunks, knowledge.Result{Chunk: knowledge.Chunk{Text: t}})
	}
	return res
}

func TestSession_AskPassesAssembledContext(t *testing.T) {
	r := new(MockRetriever)
	c := new(MockCompleter)
	r.On("Retrieve", mock.Anything, "what is bolt?", 3, 0.7).Return(localResult("bolt is a kv store", "bolt is a kv store"), nil)
	c.On("Complete", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		return len(msgs) == 2 &&
			msgs[0].Role == llm.RoleSystem &&
			msgs[1].Content == "what is bolt?" &&
			strings.Count(msgs[0].Content, "bolt is a kv store") == 1
	})).Return("an embedded database", nil)

	s := NewSession(r, nil, c, Options{TopK: 3, SimilarityThreshold: 0.7, MaxContextChars: 1000})
	answer, err := s.Ask(context.Background(), "what is bolt?")
	require.NoError(t, err)
	assert.Equal(t, "an embedded database", answer.Text)
	assert.Len(t, answer.Sources, 2)
	r.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestSession_NoInformationSkipsLLM(t *testing.T) {
	r := new(MockRetriever)
	c := new(MockCompleter)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(retrieval.Result{NoInformation: true}, nil)

	s := NewSession(r, nil, c, Options{})
	answer, err := s.Ask(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, answer.NoInformation)
	assert.Equal(t, NoInformationReply, answer.Text)
	c.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestSession_WithoutCompleterReturnsContext(t *testing.T) {
	r := new(MockRetriever)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(localResult("one", "two"), nil)

	s := NewSession(r, nil, nil, Options{})
	answer, err := s.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "one\n\n---\n\ntwo", answer.Text)
}

func TestSession_HistoryIsBounded(t *testing.T) {
	r := new(MockRetriever)
	c := new(MockCompleter)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(localResult("ctx"), nil)
	c.On("Complete", mock.Anything, mock.Anything).Return("reply", nil)

	s := NewSession(r, nil, c, Options{MemoryEnabled: true, HistoryTurns: 2})
	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := s.Ask(context.Background(), q)
		require.NoError(t, err)
	}

	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, "q2", history[0].Content)
	assert.Equal(t, llm.RoleAssistant, history[3].Role)

	// 第三次调用带上前两轮历史
	last := c.Calls[len(c.Calls)-1].Arguments.Get(1).([]llm.Message)
	assert.Len(t, last, 1+4+1)

	s.Reset()
	assert.Empty(t, s.History())
}

func TestSession_MemoryDisabledKeepsNoHistory(t *testing.T) {
	r := new(MockRetriever)
	c := new(MockCompleter)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(localResult("ctx"), nil)
	c.On("Complete", mock.Anything, mock.Anything).Return("reply", nil)

	s := NewSession(r, nil, c, Options{MemoryEnabled: false, HistoryTurns: 5})
	_, err := s.Ask(context.Background(), "q1")
	require.NoError(t, err)
	assert.Empty(t, s.History())
}

func TestSession_LLMErrorPropagates(t *testing.T) {
	r := new(MockRetriever)
	c := new(MockCompleter)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(localResult("ctx"), nil)
	c.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("llm down"))

	s := NewSession(r, nil, c, Options{MemoryEnabled: true, HistoryTurns: 2})
	_, err := s.Ask(context.Background(), "q")
	assert.Error(t, err)
	assert.Empty(t, s.History())
}

func TestSession_HandleCommands(t *testing.T) {
	r := new(MockRetriever)
	ing := new(MockIngester)
	r.On("Retrieve", mock.Anything, "hello", mock.Anything, mock.Anything).Return(retrieval.Result{
		Chunks:          []knowledge.Result{{Chunk: knowledge.Chunk{Text: "web text"}}},
		UsedWebFallback: true,
	}, nil)
	ing.On("Ingest", mock.Anything, []string{"docs/", "notes.md"}).Return(ingest.Report{
		DocumentsProcessed: 2,
		ChunksWritten:      7,
		Errors:             []error{errors.New("ingest bad.txt: boom")},
	}, nil)

	s := NewSession(r, ing, nil, Options{})
	ctx := context.Background()

	reply, err := s.Handle(ctx, "  ")
	require.NoError(t, err)
	assert.Empty(t, reply.Text)

	reply, err = s.Handle(ctx, "hello")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "web text")
	assert.Contains(t, reply.Text, "web search")

	reply, err = s.Handle(ctx, "/ingest docs/ notes.md")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "processed 2")
	assert.Contains(t, reply.Text, "wrote 7 chunks")
	assert.Contains(t, reply.Text, "1 errors")

	reply, err = s.Handle(ctx, "/ingest")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "usage")

	reply, err = s.Handle(ctx, "/bogus")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "unknown command")

	reply, err = s.Handle(ctx, "/exit")
	require.NoError(t, err)
	assert.True(t, reply.Exit)
	ing.AssertExpectations(t)
}

func TestSession_IngestWithoutIngester(t *testing.T) {
	s := NewSession(new(MockRetriever), nil, nil, Options{})
	_, err := s.Ingest(context.Background(), []string{"a.txt"})
	assert.Error(t, err)
}
