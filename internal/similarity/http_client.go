package similarity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/loopengine/loopagent/internal/graph"
)

// ServiceError is a non-2xx answer from the remote scorer.
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("similarity service: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *ServiceError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPClient queries a remote scorer that owns the score matrix. The remote
// side names handles left (first frame) and right (last frame).
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type compatibleResponse struct {
	QueryNodeID string `json:"query_node_id"`
	QuerySide   string `json:"query_side"`
	Compatible  []struct {
		NodeID string  `json:"node_id"`
		Side   string  `json:"side"`
		Score  float64 `json:"score"`
	} `json:"compatible"`
}

func (c *HTTPClient) Compatible(ctx context.Context, nodeID string, side graph.Side, threshold float64) ([]Result, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", graph.ErrInvalidSide, side)
	}

	q := url.Values{}
	q.Set("side", wireSide(side))
	q.Set("threshold", strconv.FormatFloat(clamp(threshold), 'f', -1, 64))
	endpoint := fmt.Sprintf("%s/api/similarity/compatible/%s?%s", c.baseURL, url.PathEscape(nodeID), q.Encode())

	var resp compatibleResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(resp.Compatible))
	for _, r := range resp.Compatible {
		s, err := graph.ParseSide(r.Side)
		if err != nil {
			return nil, fmt.Errorf("similarity service returned %w", err)
		}
		out = append(out, Result{NodeID: r.NodeID, Side: s, Score: clamp(r.Score)})
	}
	return out, nil
}

func (c *HTTPClient) Matrix(ctx context.Context) (*Matrix, error) {
	var scores map[string]map[string]float64
	if err := c.get(ctx, c.baseURL+"/api/similarity/matrix", &scores); err != nil {
		return nil, err
	}
	return MatrixFrom(scores), nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if c.logger != nil {
		c.logger.Debug("similarity request",
			"url", req.URL.Path,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode similarity response: %w", err)
	}
	return nil
}

func wireSide(s graph.Side) string {
	if s == graph.SideFirst {
		return "left"
	}
	return "right"
}
