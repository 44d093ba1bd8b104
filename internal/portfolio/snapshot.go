package portfolio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Correlation is one pair entry in a snapshot file.
type Correlation struct {
	A     string  `yaml:"a" json:"a"`
	B     string  `yaml:"b" json:"b"`
	Value float64 `yaml:"value" json:"value"`
}

// Snapshot is the on-disk form of a portfolio handed to the allocator by the
// strategy layer. YAML and JSON are both accepted.
type Snapshot struct {
	Bankroll     decimal.Decimal `yaml:"bankroll" json:"bankroll"`
	Positions    []Position      `yaml:"positions" json:"positions"`
	Correlations []Correlation   `yaml:"correlations,omitempty" json:"correlations,omitempty"`
}

// Validate rejects duplicate ids, invalid positions and bad correlations.
func (s Snapshot) Validate() error {
	if s.Bankroll.IsNegative() {
		return fmt.Errorf("bankroll %s is negative", s.Bankroll)
	}
	seen := make(map[string]bool, len(s.Positions))
	for _, p := range s.Positions {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.MarketID] {
			return fmt.Errorf("%w: duplicate market_id %s", ErrInvalidPosition, p.MarketID)
		}
		seen[p.MarketID] = true
	}
	probe := NewCorrelationMatrix()
	for _, c := range s.Correlations {
		if err := probe.Set(c.A, c.B, c.Value); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot file.
func LoadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read portfolio snapshot: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse portfolio snapshot %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("portfolio snapshot %s: %w", path, err)
	}
	return s, nil
}

// SaveSnapshot writes a snapshot as YAML via temp file + rename.
func SaveSnapshot(path string, s Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename portfolio snapshot: %w", err)
	}
	return nil
}

// ExportSnapshot captures the engine state in file form.
func (e *Engine) ExportSnapshot() Snapshot {
	book := e.Snapshot()
	return Snapshot{
		Bankroll:     decimal.NewFromFloat(book.Bankroll),
		Positions:    book.Positions,
		Correlations: book.Correlations.Pairs(),
	}
}

func sortCorrelations(cs []Correlation) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].A != cs[j].A {
			return cs[i].A < cs[j].A
		}
		return cs[i].B < cs[j].B
	})
}
