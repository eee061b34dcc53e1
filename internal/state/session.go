package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Session captures the per-symbol grid state a controller needs to resume
// safely after a restart. It is exclusively owned and mutated by its loop
// controller.
type Session struct {
	Symbol        string    `json:"symbol"`
	BaseAsset     string    `json:"baseAsset"`
	QuoteAsset    string    `json:"quoteAsset"`
	BasePrice     float64   `json:"basePrice"`
	GridSize      float64   `json:"gridSize"`
	HighestPrice  float64   `json:"highestPrice"`
	LowestPrice   float64   `json:"lowestPrice"`
	LastBuyPrice  float64   `json:"lastBuyPrice"`
	LastSellPrice float64   `json:"lastSellPrice"`
	Volatility    float64   `json:"volatility"`
	Monitoring    bool      `json:"monitoring"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Validate enforces the session invariants.
func (s Session) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("session symbol is empty")
	}
	if s.BasePrice <= 0 {
		return fmt.Errorf("session base price must be > 0, got %v", s.BasePrice)
	}
	if s.GridSize <= 0 {
		return fmt.Errorf("session grid size must be > 0, got %v", s.GridSize)
	}
	return nil
}

// ObservePrice folds a new quote into the tracked extrema.
func (s *Session) ObservePrice(price float64) {
	if price <= 0 {
		return
	}
	if price > s.HighestPrice {
		s.HighestPrice = price
	}
	if s.LowestPrice == 0 || price < s.LowestPrice {
		s.LowestPrice = price
	}
}

func sessionPath(dir, symbol string) string {
	name := strings.ToLower(strings.ReplaceAll(symbol, "/", "_")) + ".json"
	return filepath.Join(dir, name)
}

// SaveSession writes the session via temp-file-then-rename so the on-disk
// record is never left partially written.
func SaveSession(dir string, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	session.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}

	path := sessionPath(dir, session.Symbol)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadSession reads a persisted session. A missing file is not an error; the
// second return reports whether a session was found.
func LoadSession(dir, symbol string) (Session, bool, error) {
	data, err := os.ReadFile(sessionPath(dir, symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, false, err
	}
	if err := session.Validate(); err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}
