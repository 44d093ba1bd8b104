package portfolio

import "sort"

// capTolerance keeps ApplySectorCaps idempotent: a sector already scaled to
// its cap sums to the cap only up to float rounding.
const capTolerance = 1e-9

// SectorLimits caps each sector at a fraction of bankroll. Caps are ceilings;
// under-allocation is always allowed. A sector with no entry is uncapped.
type SectorLimits map[Sector]float64

// DefaultSectorLimits returns 30% crypto, 30% politics, 20% sports, 20% other.
func DefaultSectorLimits() SectorLimits {
	return SectorLimits{
		SectorCrypto:   0.30,
		SectorPolitics: 0.30,
		SectorSports:   0.20,
		SectorOther:    0.20,
	}
}

// Limit returns the cap fraction for a sector and whether one is set.
func (l SectorLimits) Limit(s Sector) (float64, bool) {
	v, ok := l[s.normalize()]
	return v, ok
}

// ApplySectorCaps scales every position of an over-cap sector by the same
// ratio cap/total so the sector sums to exactly its cap. Other sectors are
// untouched. The input map is not modified.
func ApplySectorCaps(alloc map[string]float64, positions []Position, limits SectorLimits, bankroll float64) map[string]float64 {
	out := make(map[string]float64, len(alloc))
	for id, v := range alloc {
		out[id] = v
	}
	if bankroll <= 0 || len(limits) == 0 {
		return out
	}

	sectorOf := make(map[string]Sector, len(positions))
	for _, p := range positions {
		sectorOf[p.MarketID] = p.Sector.normalize()
	}

	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	members := make(map[Sector][]string)
	totals := make(map[Sector]float64)
	for _, id := range ids {
		sector, ok := sectorOf[id]
		if !ok {
			sector = SectorOther
		}
		members[sector] = append(members[sector], id)
		totals[sector] += out[id]
	}

	for sector, total := range totals {
		limit, ok := limits[sector]
		if !ok || total <= 0 {
			continue
		}
		capUSD := limit * bankroll
		if capUSD < 0 {
			capUSD = 0
		}
		if total <= capUSD*(1+capTolerance) {
			continue
		}
		ratio := capUSD / total
		for _, id := range members[sector] {
			out[id] *= ratio
		}
	}
	return out
}

// sectorTotals sums amounts by sector.
func sectorTotals(positions []Position, amount func(Position) float64) map[Sector]float64 {
	totals := make(map[Sector]float64)
	for _, p := range positions {
		totals[p.Sector.normalize()] += amount(p)
	}
	return totals
}
