// Package store persists the engine's durable state as a small set of
// well-known JSON documents guarded by OS advisory file locks, so an admin
// process reading the same files never observes a torn document. A sqlite
// archive (archive.go) keeps the full closed-trade history beyond the capped
// hot files.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"ai-perp-trader/logger"
)

// Well-known document names.
const (
	DocPortfolioState    = "portfolio_state.json"
	DocTradeHistory      = "trade_history.json"
	DocCycleHistory      = "cycle_history.json"
	DocPerformanceReport = "performance_report.json"
	DocManualOverride    = "manual_override.json"
	DocBotControl        = "bot_control.json"
	DocAlerts            = "alerts.json"
)

// Retention caps for the hot files.
const (
	MaxTradeHistory      = 100
	MaxCycleHistory      = 50
	MaxPerformanceReport = 50
)

// Store reads and writes JSON documents under a single directory.
type Store struct {
	dir string
	log zerolog.Logger
}

func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir, log: logger.New("store")}, nil
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Read loads a document into the provided destination under a shared lock.
// It returns false (and leaves dest untouched) when the document is missing
// or empty, so callers fall back to their default value.
func (s *Store) Read(name string, dest interface{}) (bool, error) {
	path := s.Path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return false, fmt.Errorf("failed to lock %s for read: %w", name, err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(raw) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

// Write serializes the value and replaces the document under an exclusive
// lock. Last writer wins at document granularity. Non-finite floats become
// JSON null so a document always encodes.
func (s *Store) Write(name string, v interface{}) error {
	raw, err := json.MarshalIndent(sanitizeJSON(v), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	path := s.Path(name)
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s for write: %w", name, err)
	}
	defer lock.Unlock()

	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Delete removes a document. Missing files are not an error; the manual
// override is consumed this way after each read.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// AppendLine appends one JSON object as a newline-delimited record, used for
// the alerts journal.
func (s *Store) AppendLine(name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s line: %w", name, err)
	}

	path := s.Path(name)
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s for append: %w", name, err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

// sanitizeJSON rewrites NaN and ±Inf (which encoding/json rejects) to nil
// before encoding, so they land in the document as null.
func sanitizeJSON(v interface{}) interface{} {
	return sanitizeValue(reflect.ValueOf(v))
}

func sanitizeValue(rv reflect.Value) interface{} {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitizeValue(rv.Elem())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface() // []byte and json.RawMessage encode as-is
		}
		fallthrough
	case reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitizeValue(rv.Index(i))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitizeValue(iter.Value())
		}
		return out
	case reflect.Struct:
		// Types with their own encoding (time.Time and friends) keep it.
		if m, ok := rv.Interface().(json.Marshaler); ok {
			return m
		}
		out := make(map[string]interface{})
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue // unexported
			}
			name := field.Name
			omitempty := false
			if tag, ok := field.Tag.Lookup("json"); ok {
				parts := strings.Split(tag, ",")
				if parts[0] == "-" && len(parts) == 1 {
					continue
				}
				if parts[0] != "" {
					name = parts[0]
				}
				for _, opt := range parts[1:] {
					if opt == "omitempty" {
						omitempty = true
					}
				}
			}
			fv := rv.Field(i)
			if omitempty && fv.IsZero() {
				continue
			}
			out[name] = sanitizeValue(fv)
		}
		return out
	default:
		return rv.Interface()
	}
}

// ReadLines reads an NDJSON journal into a slice of generic records.
func (s *Store) ReadLines(name string) ([]json.RawMessage, error) {
	path := s.Path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock %s for read: %w", name, err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var out []json.RawMessage
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			line := raw[start:i]
			if len(line) > 0 {
				out = append(out, json.RawMessage(append([]byte(nil), line...)))
			}
			start = i + 1
		}
	}
	return out, nil
}
