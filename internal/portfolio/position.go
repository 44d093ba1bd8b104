package portfolio

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidPosition wraps every validation failure on a Position.
var ErrInvalidPosition = errors.New("invalid position")

// Sector groups markets for exposure caps.
type Sector string

const (
	SectorCrypto   Sector = "CRYPTO"
	SectorPolitics Sector = "POLITICS"
	SectorSports   Sector = "SPORTS"
	SectorOther    Sector = "OTHER"
)

// Sectors lists every sector in display order.
var Sectors = []Sector{SectorCrypto, SectorPolitics, SectorSports, SectorOther}

// ParseSector matches a sector name case-insensitively.
func ParseSector(s string) (Sector, bool) {
	switch Sector(strings.ToUpper(strings.TrimSpace(s))) {
	case SectorCrypto:
		return SectorCrypto, true
	case SectorPolitics:
		return SectorPolitics, true
	case SectorSports:
		return SectorSports, true
	case SectorOther:
		return SectorOther, true
	}
	return SectorOther, false
}

// UnmarshalText rejects unknown sector names at the file boundary.
func (s *Sector) UnmarshalText(text []byte) error {
	parsed, ok := ParseSector(string(text))
	if !ok {
		return fmt.Errorf("unknown sector %q", string(text))
	}
	*s = parsed
	return nil
}

// normalize maps anything unrecognised onto OTHER.
func (s Sector) normalize() Sector {
	parsed, _ := ParseSector(string(s))
	return parsed
}

// Position is a held or candidate stake on the yes side of one binary market.
type Position struct {
	MarketID          string    `yaml:"market_id" json:"market_id"`
	Amount            float64   `yaml:"amount" json:"amount"`
	Probability       float64   `yaml:"probability" json:"probability"`
	MarketPrice       float64   `yaml:"market_price" json:"market_price"`
	Sector            Sector    `yaml:"sector" json:"sector"`
	HistoricalReturns []float64 `yaml:"historical_returns,omitempty" json:"historical_returns,omitempty"`
}

// Edge is the estimated probability minus the market-implied one.
func (p Position) Edge() float64 {
	return p.Probability - p.MarketPrice
}

// ExpectedValue of a $1 stake, simplified to the edge.
func (p Position) ExpectedValue() float64 {
	return p.Edge()
}

// Validate checks the fields the allocator relies on. A market price outside
// (0, 1) is accepted and simply sizes to zero.
func (p Position) Validate() error {
	if strings.TrimSpace(p.MarketID) == "" {
		return fmt.Errorf("%w: empty market_id", ErrInvalidPosition)
	}
	if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) || p.Amount < 0 {
		return fmt.Errorf("%w: %s amount %v must be a non-negative number", ErrInvalidPosition, p.MarketID, p.Amount)
	}
	if math.IsNaN(p.Probability) || p.Probability < 0 || p.Probability > 1 {
		return fmt.Errorf("%w: %s probability %v outside [0,1]", ErrInvalidPosition, p.MarketID, p.Probability)
	}
	if math.IsNaN(p.MarketPrice) || math.IsInf(p.MarketPrice, 0) {
		return fmt.Errorf("%w: %s market_price is not a number", ErrInvalidPosition, p.MarketID)
	}
	for i, r := range p.HistoricalReturns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: %s historical_returns[%d] is not a number", ErrInvalidPosition, p.MarketID, i)
		}
	}
	return nil
}

func (p Position) clone() Position {
	if p.HistoricalReturns != nil {
		returns := make([]float64, len(p.HistoricalReturns))
		copy(returns, p.HistoricalReturns)
		p.HistoricalReturns = returns
	}
	return p
}
