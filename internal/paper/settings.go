package paper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
)

// Settings is the persisted simulation configuration, including the global
// paper-mode switch.
type Settings struct {
	Enabled      bool            `json:"enabled"`
	Charge       decimal.Decimal `json:"charge"`
	BuySlippage  decimal.Decimal `json:"buy_slippage"`
	SellSlippage decimal.Decimal `json:"sell_slippage"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Patch carries a partial update; nil fields are left alone.
type Patch struct {
	Enabled      *bool            `json:"enabled,omitempty"`
	Charge       *decimal.Decimal `json:"charge,omitempty"`
	BuySlippage  *decimal.Decimal `json:"buy_slippage,omitempty"`
	SellSlippage *decimal.Decimal `json:"sell_slippage,omitempty"`
}

type SettingsStore struct {
	mu       sync.RWMutex
	cur      Settings
	filePath string
}

// NewSettingsStore starts from defaults; call Load to pick up a saved file.
func NewSettingsStore(filePath string, defaults Settings) *SettingsStore {
	return &SettingsStore{cur: defaults, filePath: filePath}
}

// Load reads the saved settings; a missing file keeps the defaults.
func (s *SettingsStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read paper settings")
	}
	var saved Settings
	if err := json.Unmarshal(data, &saved); err != nil {
		return errors.Wrap(err, "parse paper settings")
	}
	s.cur = saved
	return nil
}

func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *SettingsStore) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Enabled
}

func (s *SettingsStore) Charge() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Charge
}

func (s *SettingsStore) SetEnabled(v bool) (Settings, error) {
	return s.Update(Patch{Enabled: &v})
}

// Update validates and applies p, then persists. On a write error the
// in-memory settings are left unchanged.
func (s *SettingsStore) Update(p Patch) (Settings, error) {
	for name, v := range map[string]*decimal.Decimal{
		"charge":        p.Charge,
		"buy_slippage":  p.BuySlippage,
		"sell_slippage": p.SellSlippage,
	} {
		if v != nil && v.IsNegative() {
			return Settings{}, failure.Newf(failure.KindValidation, "%s must not be negative", name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.Charge != nil {
		next.Charge = *p.Charge
	}
	if p.BuySlippage != nil {
		next.BuySlippage = *p.BuySlippage
	}
	if p.SellSlippage != nil {
		next.SellSlippage = *p.SellSlippage
	}
	next.UpdatedAt = time.Now().UTC()
	if err := s.saveUnsafe(next); err != nil {
		return s.cur, err
	}
	s.cur = next
	return next, nil
}

func (s *SettingsStore) saveUnsafe(v Settings) error {
	if s.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return errors.Wrap(err, "create settings dir")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal paper settings")
	}
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return errors.Wrap(err, "write paper settings")
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		return errors.Wrap(err, "replace paper settings")
	}
	return nil
}
