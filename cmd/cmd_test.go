// cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/adrg/xdg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/api"
	"github.com/xkilldash9x/marketwatch/internal/config"
	"github.com/xkilldash9x/marketwatch/internal/market"
	"github.com/xkilldash9x/marketwatch/internal/observability"
)

// stubCollector stands in for the browser pipeline.
type stubCollector struct {
	mu      sync.Mutex
	queries []market.Query
	agg     *market.Aggregate
	err     error
}

func (s *stubCollector) Collect(_ context.Context, q market.Query) (*market.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return s.agg, s.err
}

func (s *stubCollector) received() []market.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Query(nil), s.queries...)
}

func sampleAggregate() *market.Aggregate {
	return &market.Aggregate{
		Items: []market.Record{
			{"name": "Red Potion", "price": json.Number("45"), "description": "Restores 45 HP"},
			{"name": "Red Potion", "price": json.Number("50"), "description": "Restores 45 HP"},
		},
		TotalItems:     2,
		PagesProcessed: 1,
	}
}

// testEnv isolates a command run from the developer's environment: no
// config file or .env is picked up and logging stays quiet.
func testEnv(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	t.Setenv("MARKETWATCH_LOGGER_LEVEL", "error")

	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

type testRoot struct {
	cmd       *cobra.Command
	opts      *rootOptions
	out       *bytes.Buffer
	collector *stubCollector
	// registerer is what the factory received.
	registerer prometheus.Registerer
}

func newTestRoot(t *testing.T, collector *stubCollector) *testRoot {
	t.Helper()
	testEnv(t)

	cmd, opts := newRootCmd()
	tr := &testRoot{cmd: cmd, opts: opts, out: new(bytes.Buffer), collector: collector}
	opts.newCollector = func(cfg config.Interface, logger *zap.Logger, reg prometheus.Registerer) (api.Collector, error) {
		tr.registerer = reg
		return collector, nil
	}
	cmd.SetOut(tr.out)
	cmd.SetErr(new(bytes.Buffer))
	return tr
}

func (tr *testRoot) run(ctx context.Context, args ...string) error {
	tr.cmd.SetArgs(args)
	return tr.cmd.ExecuteContext(ctx)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
