package pyrunner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeboard/backtest-backend/internal/data"
	"github.com/tradeboard/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

func fixtureStore(t *testing.T) *data.Store {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		{Timestamp: base, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1)},
	}
	if err := store.SaveBars("BTCUSDT", bars); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	return store
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backtest.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newFixtureRunner(t *testing.T, scriptBody string) *Runner {
	t.Helper()
	return NewRunner(zap.NewNop(), Config{
		InterpreterPath: "/bin/sh",
		ScriptPath:      writeScript(t, scriptBody),
	}, fixtureStore(t))
}

func runnerConfig() *types.BacktestConfig {
	return &types.BacktestConfig{
		Symbol:         "BTCUSDT",
		InitialBalance: decimal.NewFromInt(10000),
		Strategy:       "grid",
		Params: types.GridParams{
			GridSpacing: decimal.NewFromFloat(0.01),
			OrderSize:   decimal.NewFromFloat(0.1),
		},
	}
}

func TestRunSuccessWithPayload(t *testing.T) {
	runner := newFixtureRunner(t, `
echo "PROGRESS 25%"
echo "PROGRESS 50.5%"
echo "==TRADING ENGINE=="
echo "===RESULT_BEGIN==="
echo '{"final_equity":"10500","trades":[],"equity_curve":[],"bars":42}'
echo "===RESULT_END==="
`)

	var progress []float64
	result, err := runner.Run(context.Background(), "job-1", runnerConfig(), func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !result.FinalEquity.Equal(decimal.NewFromInt(10500)) {
		t.Errorf("final equity = %s, want 10500", result.FinalEquity)
	}
	if result.BarsProcessed != 42 {
		t.Errorf("bars processed = %d, want 42", result.BarsProcessed)
	}

	if len(progress) != 2 {
		t.Fatalf("got %d progress callbacks, want 2", len(progress))
	}
	want := progressFloor + 25.0/100*(progressCeil-progressFloor)
	if diff := progress[0] - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("first progress = %f, want %f", progress[0], want)
	}
}

func TestRunExitErrorSurfacesStderr(t *testing.T) {
	runner := newFixtureRunner(t, `
echo "disk read error" >&2
exit 1
`)

	_, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
	if !errors.Is(err, ErrExec) {
		t.Fatalf("expected ErrExec, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk read error") {
		t.Errorf("error should carry stderr text, got %q", err.Error())
	}
}

func TestRunWithoutMarkersYieldsDefaultResult(t *testing.T) {
	runner := newFixtureRunner(t, `
echo "some chatter"
echo "PROGRESS 100%"
`)

	result, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.FinalEquity.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("final equity = %s, want initial balance", result.FinalEquity)
	}
	if len(result.Trades) != 0 {
		t.Errorf("expected no trades, got %d", len(result.Trades))
	}
}

func TestRunBeginWithoutEndMarker(t *testing.T) {
	runner := newFixtureRunner(t, `
echo "===RESULT_BEGIN==="
echo '{"final_equity":"10500"}'
`)

	_, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestRunMalformedPayload(t *testing.T) {
	runner := newFixtureRunner(t, `
echo "===RESULT_BEGIN==="
echo 'not json'
echo "===RESULT_END==="
`)

	_, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	runner := NewRunner(zap.NewNop(), Config{
		InterpreterPath: "/nonexistent/interpreter",
		ScriptPath:      "script.py",
	}, fixtureStore(t))

	_, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestRunUnknownSymbol(t *testing.T) {
	runner := newFixtureRunner(t, `exit 0`)

	config := runnerConfig()
	config.Symbol = "MISSING"
	_, err := runner.Run(context.Background(), "job-1", config, nil)
	if !errors.Is(err, data.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	runner := newFixtureRunner(t, `exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, "job-1", runnerConfig(), nil)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestStopUnknownJob(t *testing.T) {
	runner := newFixtureRunner(t, `exit 0`)
	if runner.Stop("nope") {
		t.Error("stop returned true for unknown job")
	}
}

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		line string
		pct  float64
		ok   bool
	}{
		{"PROGRESS 25%", 25, true},
		{"[engine] PROGRESS: 50.5 %", 50.5, true},
		{"PROGRESS 150%", 100, true},
		{"PROGRESS", 0, false},
		{"25%", 0, false},
		{"50% PROGRESS", 0, false},
		{"plain log line", 0, false},
	}

	for _, c := range cases {
		pct, ok := parseProgressLine(c.line)
		if ok != c.ok || pct != c.pct {
			t.Errorf("parseProgressLine(%q) = (%f, %v), want (%f, %v)", c.line, pct, ok, c.pct, c.ok)
		}
	}
}

func TestExtractPayloadSurroundedByChatter(t *testing.T) {
	stdout := "boot\nnoise\n===RESULT_BEGIN===\n{\"final_equity\":\"123\",\"bars\":7}\n===RESULT_END===\ntrailing\n"
	payload, found, err := extractPayload(stdout)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !found {
		t.Error("found = false, want true")
	}
	if !payload.FinalEquity.Equal(decimal.NewFromInt(123)) {
		t.Errorf("final equity = %s, want 123", payload.FinalEquity)
	}
	if payload.Bars != 7 {
		t.Errorf("bars = %d, want 7", payload.Bars)
	}
}

func TestExtractPayloadAbsentMarkers(t *testing.T) {
	_, found, err := extractPayload("just chatter\n")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if found {
		t.Error("found = true for markerless output")
	}
}

func TestRunZeroEquityPayloadPreserved(t *testing.T) {
	runner := newFixtureRunner(t, `
echo "===RESULT_BEGIN==="
echo '{"final_equity":"0","trades":[],"equity_curve":[],"bars":3}'
echo "===RESULT_END==="
`)

	result, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.FinalEquity.IsZero() {
		t.Errorf("final equity = %s, want reported 0, not initial balance", result.FinalEquity)
	}
}

func TestRunOversizedLineFailsJob(t *testing.T) {
	runner := newFixtureRunner(t, `
head -c 6000000 /dev/zero | tr '\0' 'x'
echo ""
echo "===RESULT_BEGIN==="
echo '{"final_equity":"10500"}'
echo "===RESULT_END==="
`)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "job-1", runnerConfig(), nil)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrParse) {
			t.Errorf("expected ErrParse for oversized output line, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run hung on oversized output line")
	}
}

func TestTimeArg(t *testing.T) {
	if got := timeArg(nil); got != "null" {
		t.Errorf("timeArg(nil) = %q, want null", got)
	}
	ts := time.Unix(1700000000, 0)
	if got := timeArg(&ts); got != "1700000000" {
		t.Errorf("timeArg = %q, want 1700000000", got)
	}
}
