package service

import (
	"context"
	"errors"
	"fmt"
	"msgchain-go/internal/model"
	"msgchain-go/pkg/es"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
)

// ErrSearchDisabled 表示未启用 Elasticsearch。
var ErrSearchDisabled = errors.New("search is disabled")

const (
	defaultSearchSize = 10
	maxSearchSize     = 100
)

// SearchService 定义了对话记录全文检索的接口。
type SearchService interface {
	Search(ctx context.Context, query string, size int) ([]model.EsConversationDocument, error)
}

type searchService struct {
	esClient  *elasticsearch.Client
	indexName string
}

// NewSearchService 创建一个新的 SearchService 实例。esClient 为 nil 时检索被禁用。
func NewSearchService(esClient *elasticsearch.Client, indexName string) SearchService {
	return &searchService{esClient: esClient, indexName: indexName}
}

// Search 在 user 与 ai 字段中检索。
func (s *searchService) Search(ctx context.Context, query string, size int) ([]model.EsConversationDocument, error) {
	if s.esClient == nil {
		return nil, ErrSearchDisabled
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: q is required", ErrValidation)
	}
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}
	return es.SearchEntries(ctx, s.esClient, s.indexName, query, size)
}
