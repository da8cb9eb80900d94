// internal/market/interceptor.go
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/browser"
)

// payloadAPI keeps numbers as json.Number so large item IDs survive the
// round trip back to callers unchanged.
var payloadAPI = jsoniter.Config{
	EscapeHTML:             false,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

const defaultBodyTimeout = 15 * time.Second

// Interceptor recognizes the marketplace API responses observed in a
// session and accumulates their rows. It is safe for concurrent use: the
// session invokes Handle once per response, each on its own goroutine.
type Interceptor struct {
	apiPath     string
	bodyTimeout time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	records    []Record
	totalPages int

	once sync.Once
	done chan struct{}
}

// NewInterceptor creates an interceptor for responses whose URL contains apiPath.
func NewInterceptor(apiPath string, bodyTimeout time.Duration, logger *zap.Logger) *Interceptor {
	if bodyTimeout <= 0 {
		bodyTimeout = defaultBodyTimeout
	}
	return &Interceptor{
		apiPath:     apiPath,
		bodyTimeout: bodyTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Handle inspects one response. Failures are logged and swallowed; the
// completion signal is only raised for a payload that decoded cleanly.
func (i *Interceptor) Handle(ctx context.Context, resp browser.Response) {
	if !strings.Contains(resp.URL, i.apiPath) || !resp.OK() {
		return
	}

	bodyCtx, cancel := context.WithTimeout(ctx, i.bodyTimeout)
	defer cancel()
	body, err := resp.Body(bodyCtx)
	if err != nil {
		i.logger.Warn("Could not read API response body.", zap.String("url", resp.URL), zap.Error(err))
		return
	}

	rows, total, err := decodePayload(body, i.logger)
	if err != nil {
		i.logger.Warn("Could not parse API response.", zap.String("url", resp.URL), zap.Error(err))
		return
	}

	i.mu.Lock()
	i.records = append(i.records, rows...)
	if i.totalPages == 0 && total > 0 {
		i.totalPages = total
	}
	i.mu.Unlock()

	i.logger.Debug("API response intercepted.", zap.Int("rows", len(rows)), zap.Int("total_pages", total))
	i.once.Do(func() { close(i.done) })
}

// Done is closed once the first matching response has been processed.
func (i *Interceptor) Done() <-chan struct{} {
	return i.done
}

// Completed reports whether Done has been closed.
func (i *Interceptor) Completed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Records returns a copy of the rows accumulated so far, in arrival order.
func (i *Interceptor) Records() []Record {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Record, len(i.records))
	copy(out, i.records)
	return out
}

// TotalPages returns the first usable total_pages value seen.
func (i *Interceptor) TotalPages() (int, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.totalPages, i.totalPages > 0
}

// decodePayload extracts the rows and total_pages from an API body. A
// missing or null "rows" is an empty page; rows that are not objects are
// skipped. total is 0 when the payload carries no usable page count.
func decodePayload(body []byte, logger *zap.Logger) ([]Record, int, error) {
	var payload map[string]any
	if err := payloadAPI.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if payload == nil {
		return nil, 0, fmt.Errorf("payload is not a JSON object")
	}

	var rows []any
	switch v := payload["rows"].(type) {
	case nil:
	case []any:
		rows = v
	default:
		return nil, 0, fmt.Errorf("rows has unexpected type %T", v)
	}

	records := make([]Record, 0, len(rows))
	for idx, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			logger.Debug("Skipping non-object row.", zap.Int("index", idx))
			continue
		}
		rec := Record(obj)
		rec.stripDescription()
		records = append(records, rec)
	}

	return records, parseTotalPages(payload["total_pages"]), nil
}

// parseTotalPages accepts an integer, an integral float or a numeric string.
func parseTotalPages(v any) int {
	var f float64
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return clampPages(n)
		}
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return clampPages(n)
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	if f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

func clampPages(n int64) int {
	if n <= 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
