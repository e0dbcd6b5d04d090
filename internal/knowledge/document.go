package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// 载荷中保留的元数据键
const (
	MetaDocumentID = "document_id"
	MetaSource     = "source"
	MetaWebURL     = "url"
)

// recordNamespace UUIDv5 命名空间，改动会让所有记录ID失效
var recordNamespace = uuid.MustParse("6f1c8a52-3d0e-5b8e-9a57-2f3c1d4e8b90")

// Document 源文档，内容变化时被新版本取代而不是修改
type Document struct {
	ID       string
	Text     string
	Hash     string
	Metadata map[string]string
}

// NewDocument 创建文档并计算内容哈希
func NewDocument(id, text string, metadata map[string]string) Document {
	return Document{
		ID:       id,
		Text:     text,
		Hash:     ContentHash(text),
		Metadata: maps.Clone(metadata),
	}
}

// ContentHash 文本的 SHA-256 十六进制摘要
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// RecordID 由文档ID和分块序号确定的记录ID
func RecordID(documentID string, index int) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s#%d", documentID, index))).String()
}

// Chunk 文档中连续的 token 窗口
type Chunk struct {
	ID          string
	DocumentID  string
	Index       int
	Text        string
	StartToken  int
	EndToken    int
	StartOffset int
	EndOffset   int
	Metadata    map[string]string
}

// TokenCount 窗口内的 token 数
func (c Chunk) TokenCount() int {
	return c.EndToken - c.StartToken
}

// Record 向量库中持久化的单元
type Record struct {
	ID      string
	Vector  []float32
	Payload Chunk
}

// Collection 集合模式，创建后不可变
type Collection struct {
	Name      string
	Dimension int
	Metric    Metric
}

// Result 检索结果，Score 越高越相关
type Result struct {
	Chunk Chunk
	Score float64
	// DenseScore 向量相似度，仅在 HasDense 为真时有效
	DenseScore float64
	HasDense   bool
}

// Filter 载荷元数据的精确匹配条件
type Filter map[string]string

// Match 所有键值都相等时返回真
func (f Filter) Match(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
