// Package pyrunner runs backtest simulations in an external interpreter
// process and translates its line-oriented stdout protocol into the job
// data model.
package pyrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeboard/backtest-backend/internal/backtester"
	"github.com/tradeboard/backtest-backend/internal/data"
	"github.com/tradeboard/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

// Stdout protocol markers. A progress line carries the marker followed by a
// percentage token; the final payload is a single JSON object between the
// begin and end markers, anywhere in accumulated stdout.
const (
	resultBeginMarker = "===RESULT_BEGIN==="
	resultEndMarker   = "===RESULT_END==="
	progressMarker    = "PROGRESS"
	nullSentinel      = "null"
)

// External progress (0-100%) maps into this job progress sub-range; the
// remainder is reserved for setup and teardown.
const (
	progressFloor = 0.20
	progressCeil  = 0.90
)

var (
	// ErrSpawn indicates the interpreter process could not be started.
	ErrSpawn = errors.New("failed to spawn interpreter process")
	// ErrExec indicates the process exited with a non-zero code.
	ErrExec = errors.New("interpreter process failed")
	// ErrParse indicates the result payload could not be interpreted.
	ErrParse = errors.New("failed to parse interpreter result")
)

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// Config configures the external runner
type Config struct {
	InterpreterPath string
	ScriptPath      string
	RowLimit        int
}

// Runner executes backtests by spawning an external interpreter per job.
// It owns each spawned process handle for the duration of that job and
// releases it on every exit path.
type Runner struct {
	logger *zap.Logger
	config Config
	store  *data.Store

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewRunner creates a new external process runner
func NewRunner(logger *zap.Logger, config Config, store *data.Store) *Runner {
	if config.InterpreterPath == "" {
		config.InterpreterPath = "python3"
	}
	if config.RowLimit <= 0 {
		config.RowLimit = 500000
	}
	return &Runner{
		logger: logger.Named("pyrunner"),
		config: config,
		store:  store,
		procs:  make(map[string]*exec.Cmd),
	}
}

// resultPayload is the wire format of the delimited JSON result
type resultPayload struct {
	FinalEquity decimal.Decimal     `json:"final_equity"`
	Trades      []types.Trade       `json:"trades"`
	EquityCurve []types.EquityPoint `json:"equity_curve"`
	Bars        int                 `json:"bars"`
}

// Run spawns the interpreter for one job and blocks until it exits.
// onProgress receives job progress in [progressFloor, progressCeil].
func (r *Runner) Run(ctx context.Context, jobID string, config *types.BacktestConfig, onProgress func(float64)) (*types.BacktestResult, error) {
	dataFile, err := r.store.ResolveDataFile(config.Symbol)
	if err != nil {
		return nil, err
	}

	args := []string{
		r.config.ScriptPath,
		dataFile,
		timeArg(config.Start),
		timeArg(config.End),
		strconv.Itoa(r.config.RowLimit),
	}

	cmd := exec.CommandContext(ctx, r.config.InterpreterPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	r.register(jobID, cmd)
	defer r.unregister(jobID)

	// Incremental consumption: the scanner rejoins lines split across
	// read chunks, so a progress marker never tears.
	var accumulated strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		accumulated.WriteString(line)
		accumulated.WriteByte('\n')

		if pct, ok := parseProgressLine(line); ok && onProgress != nil {
			onProgress(progressFloor + pct/100*(progressCeil-progressFloor))
		}
	}

	if scanErr := scanner.Err(); scanErr != nil {
		// The child may be blocked writing into the abandoned pipe;
		// kill it so Wait can reap.
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading process output: %v", ErrParse, scanErr)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrExec, msg)
	}

	payload, found, err := extractPayload(accumulated.String())
	if err != nil {
		return nil, err
	}

	finalEquity := payload.FinalEquity
	if !found {
		// Markers absent: fall back to a no-op result rather than
		// failing the job. A marked payload is taken as-is, even when
		// it reports zero equity.
		finalEquity = config.InitialBalance
	}

	completedAt := time.Now()
	result := &types.BacktestResult{
		Config:        config,
		Trades:        payload.Trades,
		EquityCurve:   payload.EquityCurve,
		FinalEquity:   finalEquity,
		Metrics:       backtester.CalculateMetrics(payload.Trades, payload.EquityCurve, config.InitialBalance, finalEquity),
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		Duration:      completedAt.Sub(startedAt),
		BarsProcessed: payload.Bars,
	}

	r.logger.Info("Interpreter run completed",
		zap.String("jobId", jobID),
		zap.Int("trades", len(result.Trades)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Stop sends a kill signal to the job's process, if one is live. It does
// not wait for the process to exit.
func (r *Runner) Stop(jobID string) bool {
	r.mu.Lock()
	cmd, ok := r.procs[jobID]
	r.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	if err := cmd.Process.Kill(); err != nil {
		r.logger.Warn("Failed to kill process",
			zap.String("jobId", jobID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (r *Runner) register(jobID string, cmd *exec.Cmd) {
	r.mu.Lock()
	r.procs[jobID] = cmd
	r.mu.Unlock()
}

func (r *Runner) unregister(jobID string) {
	r.mu.Lock()
	delete(r.procs, jobID)
	r.mu.Unlock()
}

// parseProgressLine extracts the percentage from a marked progress line.
// Only a percent token after the marker counts.
func parseProgressLine(line string) (float64, bool) {
	idx := strings.Index(line, progressMarker)
	if idx < 0 {
		return 0, false
	}
	match := percentPattern.FindStringSubmatch(line[idx+len(progressMarker):])
	if match == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// extractPayload finds and parses the delimited JSON result in accumulated
// stdout. found reports whether the begin marker was present; absent
// markers yield an empty payload, not an error.
func extractPayload(stdout string) (payload resultPayload, found bool, err error) {
	begin := strings.Index(stdout, resultBeginMarker)
	if begin < 0 {
		return payload, false, nil
	}
	rest := stdout[begin+len(resultBeginMarker):]
	end := strings.Index(rest, resultEndMarker)
	if end < 0 {
		return payload, true, fmt.Errorf("%w: begin marker without end marker", ErrParse)
	}

	raw := strings.TrimSpace(rest[:end])
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, true, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return payload, true, nil
}

func timeArg(t *time.Time) string {
	if t == nil {
		return nullSentinel
	}
	return strconv.FormatInt(t.Unix(), 10)
}
