package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
)

// TradeLog is the append-only source of truth the ledger state is derived
// from.
type TradeLog interface {
	Append(ctx context.Context, t domain.Trade) error
	Load(ctx context.Context) ([]domain.Trade, error)
	Truncate(ctx context.Context) error
}

type logEntry struct {
	Type  string       `json:"type"`
	Trade domain.Trade `json:"trade"`
}

// FileLog keeps one JSON line per trade.
type FileLog struct {
	mu   sync.Mutex
	path string
}

func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create trade log dir")
	}
	return &FileLog{path: path}, nil
}

func (l *FileLog) Append(ctx context.Context, t domain.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(logEntry{Type: "trade", Trade: t})
	if err != nil {
		return errors.Wrap(err, "marshal trade")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open trade log")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "append trade")
	}
	return errors.Wrap(f.Sync(), "sync trade log")
}

// Load returns every trade in file order. A torn final line from a crash
// mid-write is skipped; any other bad line is an error.
func (l *FileLog) Load(ctx context.Context) ([]domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open trade log")
	}
	defer f.Close()

	var (
		out     []domain.Trade
		pending error
		lineNo  int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var e logEntry
		if err := json.Unmarshal(line, &e); err != nil {
			pending = errors.Wrapf(err, "trade log line %d", lineNo)
			continue
		}
		if e.Type != "trade" {
			continue
		}
		out = append(out, e.Trade)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan trade log")
	}
	return out, nil
}

func (l *FileLog) Truncate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "truncate trade log")
	}
	return nil
}

// MemoryLog is a volatile TradeLog for offline replays and tests.
type MemoryLog struct {
	mu     sync.Mutex
	trades []domain.Trade
	// FailNext makes the next Append return this error once.
	FailNext error
}

func (m *MemoryLog) Append(ctx context.Context, t domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	m.trades = append(m.trades, t)
	return nil
}

func (m *MemoryLog) Load(ctx context.Context) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Trade(nil), m.trades...), nil
}

func (m *MemoryLog) Truncate(ctx context.Context) error {
	m.mu.Lock()
	m.trades = nil
	m.mu.Unlock()
	return nil
}
