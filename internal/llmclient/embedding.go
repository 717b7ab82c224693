package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/notekitchen/queryservice/internal/apperrors"
)

// embedRequest/embedResponse mirror the OpenAI-compatible /v1/embeddings
// shape, grounded on the teacher's internal/embeddings/openai.go OpenAIDriver.
type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedDatum struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embedResponse struct {
	Data  []embedDatum `json:"data"`
	Usage *ccUsage     `json:"usage"`
	Error *ccError     `json:"error,omitempty"`
}

// embeddingBatchSize caps how many texts are sent in a single request,
// matching the teacher's OpenAIDriver default batch guard.
const embeddingBatchSize = 96

// Embed implements C3: it batches texts, retries transient failures with a
// capped exponential backoff (cenkalti/backoff/v4), and reorders the
// response by index the way OpenAIDriver.Embed does, since providers are not
// guaranteed to return embeddings in request order.
func (c *proxyClient) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		result = append(result, batch...)
	}
	return result, nil
}

func (c *proxyClient) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var vectors [][]float64

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 4 * time.Second
	policy.MaxElapsedTime = c.settings.Timeouts.Embedding

	operation := func() error {
		out, retryable, err := c.embedOnce(ctx, texts)
		if err != nil {
			if retryable {
				return err
			}
			return backoff.Permanent(err)
		}
		vectors = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, &apperrors.EmbeddingError{Err: err}
	}
	return vectors, nil
}

func (c *proxyClient) embedOnce(ctx context.Context, texts []string) ([][]float64, bool, error) {
	payload, err := json.Marshal(embedRequest{Input: texts, Model: c.settings.EmbeddingModel})
	if err != nil {
		return nil, false, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.ProxyBaseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.settings.APIToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("embeddings proxy returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("embeddings proxy returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode embed response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("embeddings proxy error: %s", parsed.Error.Message)
	}

	vectors := make([][]float64, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, false, fmt.Errorf("embed response index %d out of range for %d inputs", d.Index, len(texts))
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, false, fmt.Errorf("embed response missing vector for input %d", i)
		}
	}
	return vectors, false, nil
}
