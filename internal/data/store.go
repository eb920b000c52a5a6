// Package data provides access to historical bar data on disk.
package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeboard/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData is returned when a requested symbol/time range yields zero bars.
var ErrNoData = errors.New("no data available for requested range")

// Store provides access to historical bar data. Bar files live in a single
// directory as <SYMBOL>.json or <SYMBOL>.csv; symbols with a slash use an
// underscore on disk (BTC/USDT -> BTC_USDT).
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.Bar
}

// NewStore creates a new data store rooted at dataDir
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]types.Bar),
	}, nil
}

// LoadBars loads bars for a symbol within [start, end], inclusive.
// Returns ErrNoData when the range is empty.
func (s *Store) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	bars, err := s.loadAll(symbol)
	if err != nil {
		return nil, err
	}

	filtered := filterByTimeRange(bars, start, end)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: %s %s..%s", ErrNoData, symbol,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return filtered, nil
}

// Range returns the available data range for a symbol
func (s *Store) Range(symbol string) (start, end time.Time, err error) {
	bars, err := s.loadAll(symbol)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(bars) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, nil
}

// ResolveRange applies the default time-range policy: a nil end means the
// latest available bar, a nil start means end minus defaultSpan. Both ends
// are clamped to the data actually on disk.
func (s *Store) ResolveRange(symbol string, start, end *time.Time, defaultSpan time.Duration) (time.Time, time.Time, error) {
	availStart, availEnd, err := s.Range(symbol)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	e := availEnd
	if end != nil && end.Before(availEnd) {
		e = *end
	}
	st := e.Add(-defaultSpan)
	if start != nil {
		st = *start
	}
	if st.Before(availStart) {
		st = availStart
	}
	return st, e, nil
}

// ResolveDataFile returns the on-disk path holding bars for a symbol.
// Used by the subprocess execution path, which reads the file itself.
func (s *Store) ResolveDataFile(symbol string) (string, error) {
	base := symbolFilename(symbol)
	for _, ext := range []string{".json", ".csv"} {
		path := filepath.Join(s.dataDir, base+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no data file for %s", ErrNoData, symbol)
}

// Symbols returns the symbols with data files on disk
func (s *Store) Symbols() []string {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".json" && ext != ".csv" {
			continue
		}
		symbols = append(symbols, strings.ReplaceAll(strings.TrimSuffix(name, ext), "_", "/"))
	}
	sort.Strings(symbols)
	return symbols
}

// SaveBars writes bars for a symbol to disk as JSON and refreshes the cache
func (s *Store) SaveBars(symbol string, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy so neither the sort nor the cache aliases the caller's slice.
	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	payload, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}

	path := filepath.Join(s.dataDir, symbolFilename(symbol)+".json")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[symbol] = sorted
	return nil
}

// ClearCache clears the in-memory bar cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// loadAll returns all bars for the symbol, sorted, from cache or disk
func (s *Store) loadAll(symbol string) ([]types.Bar, error) {
	s.mu.RLock()
	cached, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[symbol]; ok {
		return cached, nil
	}

	base := symbolFilename(symbol)
	var bars []types.Bar
	var err error

	jsonPath := filepath.Join(s.dataDir, base+".json")
	csvPath := filepath.Join(s.dataDir, base+".csv")
	switch {
	case exists(jsonPath):
		bars, err = loadJSON(jsonPath)
	case exists(csvPath):
		bars, err = loadCSV(csvPath)
	default:
		return nil, fmt.Errorf("%w: no data file for %s", ErrNoData, symbol)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[symbol] = bars
	s.logger.Debug("Loaded bars",
		zap.String("symbol", symbol),
		zap.Int("count", len(bars)),
	)
	return bars, nil
}

func loadJSON(path string) ([]types.Bar, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	var bars []types.Bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data file %s: %w", filepath.Base(path), err)
	}
	return bars, nil
}

// loadCSV reads timestamp,open,high,low,close,volume rows. A header row is
// detected and skipped; timestamps may be Unix seconds, milliseconds, or
// RFC3339.
func loadCSV(path string) ([]types.Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var bars []types.Bar
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		if len(record) < 6 {
			continue
		}
		if first {
			first = false
			if _, err := strconv.ParseFloat(record[1], 64); err != nil {
				continue // header row
			}
		}

		bar, err := parseCSVRecord(record)
		if err != nil {
			continue // skip malformed rows
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseCSVRecord(record []string) (types.Bar, error) {
	ts, err := parseTimestamp(record[0])
	if err != nil {
		return types.Bar{}, err
	}

	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		d, err := decimal.NewFromString(strings.TrimSpace(record[i+1]))
		if err != nil {
			return types.Bar{}, fmt.Errorf("invalid field %d: %w", i+1, err)
		}
		fields[i] = d
	}

	return types.Bar{
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if unix > 1e12 { // milliseconds
			return time.UnixMilli(unix).UTC(), nil
		}
		return time.Unix(unix, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	var filtered []types.Bar
	for _, bar := range bars {
		if (bar.Timestamp.Equal(start) || bar.Timestamp.After(start)) &&
			(bar.Timestamp.Equal(end) || bar.Timestamp.Before(end)) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func symbolFilename(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
