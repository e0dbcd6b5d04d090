package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aihub/rag-assistant/internal/ingest"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/llm"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/retrieval"
)

// NoInformationReply 本地和联网都没有内容时的固定回复
const NoInformationReply = "No relevant information is available to answer this question."

const systemPrompt = `You are a helpful assistant. Answer the question using only the context below.
If the context does not contain the answer, say that you do not know.

Context:
%s`

// Retriever 检索流水线
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float64) (retrieval.Result, error)
}

// Ingester 入库流水线
type Ingester interface {
	Ingest(ctx context.Context, sources []string) (ingest.Report, error)
}

// Options 会话配置
type Options struct {
	TopK                int
	SimilarityThreshold float64
	MaxContextChars     int
	MemoryEnabled       bool
	// HistoryTurns 保留的问答轮数
	HistoryTurns int
	Logger       *zap.Logger
}

// Answer 一次问答的结果
type Answer struct {
	Text            string
	Sources         []knowledge.Result
	UsedWebFallback bool
	NoInformation   bool
}

// Session 驱动入库和检索，可选保留对话历史
type Session struct {
	retriever Retriever
	ingester  Ingester
	completer llm.Completer
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	history []llm.Message
}

// NewSession completer 为空时只返回检索到的上下文
func NewSession(retriever Retriever, ingester Ingester, completer llm.Completer, opts Options) *Session {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Session{
		retriever: retriever,
		ingester:  ingester,
		completer: completer,
		opts:      opts,
		logger:    logger.OrDefault(opts.Logger, "conversation"),
	}
}

// Ask 检索并回答问题
func (s *Session) Ask(ctx context.Context, question string) (Answer, error) {
	res, err := s.retriever.Retrieve(ctx, question, s.opts.TopK, s.opts.SimilarityThreshold)
	if err != nil {
		return Answer{}, err
	}
	answer := Answer{Sources: res.Chunks, UsedWebFallback: res.UsedWebFallback, NoInformation: res.NoInformation}
	if res.NoInformation {
		answer.Text = NoInformationReply
		return answer, nil
	}

	contextText := retrieval.Assemble(res.Chunks, s.opts.MaxContextChars)
	if s.completer == nil {
		answer.Text = contextText
		return answer, nil
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: fmt.Sprintf(systemPrompt, contextText)}}
	messages = append(messages, s.History()...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})

	reply, err := s.completer.Complete(ctx, messages)
	if err != nil {
		return Answer{}, err
	}
	answer.Text = reply
	s.remember(question, reply)
	return answer, nil
}

// Ingest 入库文件或目录
func (s *Session) Ingest(ctx context.Context, sources []string) (ingest.Report, error) {
	if s.ingester == nil {
		return ingest.Report{}, fmt.Errorf("ingestion is not available in this session")
	}
	return s.ingester.Ingest(ctx, sources)
}

// History 当前保留的历史消息副本
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// Reset 清空历史
func (s *Session) Reset() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

func (s *Session) remember(question, reply string) {
	if !s.opts.MemoryEnabled || s.opts.HistoryTurns <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	if limit := s.opts.HistoryTurns * 2; len(s.history) > limit {
		s.history = append([]llm.Message(nil), s.history[len(s.history)-limit:]...)
	}
}

// Reply 命令处理结果
type Reply struct {
	Text string
	Exit bool
}

// Handle 处理一行输入：/ingest <路径...>、/reset、/exit，其余作为问题
func (s *Session) Handle(ctx context.Context, line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Reply{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		answer, err := s.Ask(ctx, line)
		if err != nil {
			return Reply{}, err
		}
		text := answer.Text
		if answer.UsedWebFallback {
			text += "\n\n(includes web search results)"
		}
		return Reply{Text: text}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return Reply{Exit: true}, nil
	case "/reset":
		s.Reset()
		return Reply{Text: "history cleared"}, nil
	case "/ingest":
		if len(fields) < 2 {
			return Reply{Text: "usage: /ingest <path> [path...]"}, nil
		}
		report, err := s.Ingest(ctx, fields[1:])
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: FormatReport(report)}, nil
	default:
		return Reply{Text: fmt.Sprintf("unknown command %s (try /ingest, /reset, /exit)", fields[0])}, nil
	}
}

// FormatReport 入库报告的文本摘要
func FormatReport(r ingest.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "processed %d, skipped %d unchanged, wrote %d chunks, deleted %d stale chunks",
		r.DocumentsProcessed, r.DocumentsSkippedUnchanged, r.ChunksWritten, r.StaleChunksDeleted)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, ", %d errors:", len(r.Errors))
		for _, err := range r.Errors {
			fmt.Fprintf(&b, "\n  %v", err)
		}
	}
	return b.String()
}
