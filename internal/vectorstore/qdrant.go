package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/notekitchen/queryservice/internal/apperrors"
)

// QdrantStore is C4's production backend: a minimal Qdrant HTTP client.
// Wire shapes are grounded on the Kocoro-lab-Shannon vectordb client's
// qdrantQueryRequest/qdrantPoint conventions; unlike that client this one
// is constructed once, eagerly, by the Dependencies container rather than
// stashed behind a package-level singleton (§4.1, §9).
type QdrantStore struct {
	baseURL string
	http    *http.Client
}

// NewQdrantStore constructs a Qdrant client against baseURL (e.g.
// "http://localhost:6333").
func NewQdrantStore(baseURL string, httpClient *http.Client) *QdrantStore {
	return &QdrantStore{baseURL: baseURL, http: httpClient}
}

func (s *QdrantStore) Kind() string { return "qdrant" }

type qdrantCollectionInfo struct {
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
	Status string `json:"status"`
}

// EnsureCollection bootstraps the collection if it doesn't already exist,
// the same idempotent-migrate-on-construct idiom pgvector.go uses (create
// if missing, otherwise proceed silently).
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dim int) error {
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", s.baseURL, collection), nil)
	if err != nil {
		return fmt.Errorf("build collection-info request: %w", err)
	}
	resp, err := s.http.Do(getReq)
	if err != nil {
		return &apperrors.VectorStoreError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return &apperrors.VectorStoreError{Err: fmt.Errorf("collection-info status %d: %s", resp.StatusCode, string(body))}
	}

	createBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	payload, err := json.Marshal(createBody)
	if err != nil {
		return fmt.Errorf("marshal create-collection body: %w", err)
	}
	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", s.baseURL, collection), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build create-collection request: %w", err)
	}
	putReq.Header.Set("Content-Type", "application/json")
	putResp, err := s.http.Do(putReq)
	if err != nil {
		return &apperrors.VectorStoreError{Err: err}
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(putResp.Body)
		return &apperrors.VectorStoreError{Err: fmt.Errorf("create-collection status %d: %s", putResp.StatusCode, string(body))}
	}
	return nil
}

type qdrantQueryRequest struct {
	Query       []float64 `json:"query"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search queries the collection's /points/query endpoint, grounded on the
// Kocoro-lab-Shannon vectordb client's modern-endpoint request shape.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float64, topN int) ([]Match, error) {
	body := qdrantQueryRequest{Query: vector, Limit: topN, WithPayload: true}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", s.baseURL, collection)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, &apperrors.VectorStoreError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperrors.VectorStoreError{Err: fmt.Errorf("read search response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apperrors.VectorStoreError{Err: fmt.Errorf("search status %d: %s", resp.StatusCode, string(respBody))}
	}

	var parsed qdrantQueryResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &apperrors.VectorStoreError{Err: fmt.Errorf("decode search response: %w", err)}
	}

	matches := make([]Match, 0, len(parsed.Result.Points))
	for _, p := range parsed.Result.Points {
		pt, err := pointFromPayload(p)
		if err != nil {
			return nil, &apperrors.VectorStoreError{Err: err}
		}
		matches = append(matches, Match{Point: pt, Score: p.Score})
	}
	return matches, nil
}

type qdrantUpsertPoint struct {
	ID      interface{}            `json:"id"`
	Vector  []float64              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Upsert writes points via the standard PUT /points endpoint.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	upserts := make([]qdrantUpsertPoint, 0, len(points))
	for _, p := range points {
		upserts = append(upserts, qdrantUpsertPoint{
			ID:     p.ID,
			Vector: p.Vector,
			Payload: map[string]interface{}{
				"file_path":        p.FilePath,
				"file_name":        p.FileName,
				"size_bytes":       p.SizeBytes,
				"modified_at_unix": p.ModifiedAtUnix,
			},
		})
	}
	body := map[string]interface{}{"points": upserts}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal upsert body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points", s.baseURL, collection)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build upsert request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return &apperrors.VectorStoreError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &apperrors.VectorStoreError{Err: fmt.Errorf("upsert status %d: %s", resp.StatusCode, string(body))}
	}
	return nil
}

func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/collections", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return &apperrors.VectorStoreError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apperrors.VectorStoreError{Err: fmt.Errorf("health status %d", resp.StatusCode)}
	}
	return nil
}

func pointFromPayload(p qdrantPoint) (Point, error) {
	pt := Point{}
	if v, ok := p.ID.(string); ok {
		pt.ID = v
	} else {
		pt.ID = fmt.Sprintf("%v", p.ID)
	}
	if fp, ok := p.Payload["file_path"].(string); ok {
		pt.FilePath = fp
	}
	if fn, ok := p.Payload["file_name"].(string); ok {
		pt.FileName = fn
	}
	if sz, ok := p.Payload["size_bytes"].(float64); ok {
		pt.SizeBytes = int64(sz)
	}
	if mt, ok := p.Payload["modified_at_unix"].(float64); ok {
		pt.ModifiedAtUnix = int64(mt)
	}
	if pt.FilePath == "" {
		return Point{}, fmt.Errorf("search result missing file_path payload field")
	}
	return pt, nil
}
