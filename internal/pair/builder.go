// Package pair builds the cross-exchange FundingRatePair view for a symbol:
// time-basis normalization, best long/short selection and the derived
// spread and price-direction fields.
package pair

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/exchange"
)

// ErrSymbolMismatch reports input data whose record symbol disagrees with
// the requested symbol.
var ErrSymbolMismatch = errors.New("rate record symbol mismatch")

// AdverseDiffTolerance is the fraction of adverse short-vs-long price
// difference still considered acceptable for entry.
const AdverseDiffTolerance = 0.0005

var validBases = map[int]bool{1: true, 4: true, 8: true, 24: true}

// NormalizedRate converts an exchange rate to the requested basis in hours.
// Pre-normalized values win when the native interval differs from the
// basis; a known native interval scales linearly; an unknown interval
// passes the raw rate through with a warning.
func NormalizedRate(data exchange.ExchangeRateData, basisHours int) decimal.Decimal {
	if pre, ok := data.Normalized[basisHours]; ok && data.OriginalFundingInterval != basisHours {
		return pre
	}
	if data.OriginalFundingInterval == basisHours {
		return data.Rate.FundingRate
	}
	if data.OriginalFundingInterval > 0 {
		ratio := decimal.NewFromInt(int64(basisHours)).
			Div(decimal.NewFromInt(int64(data.OriginalFundingInterval)))
		return data.Rate.FundingRate.Mul(ratio)
	}
	log.Warn().
		Str("exchange", string(data.Rate.Exchange)).
		Str("symbol", data.Rate.Symbol).
		Int("basisHours", basisHours).
		Msg("Funding interval unknown, using raw rate")
	return data.Rate.FundingRate
}

// Build assembles the FundingRatePair for symbol from per-exchange data,
// normalizing every rate to basisHours and selecting the best pair.
// basisHours must be one of 1, 4, 8, 24.
func Build(symbol string, exchanges map[exchange.ExchangeID]exchange.ExchangeRateData, basisHours int) (exchange.FundingRatePair, error) {
	if symbol == "" {
		return exchange.FundingRatePair{}, exchange.ErrEmptySymbol
	}
	if !validBases[basisHours] {
		return exchange.FundingRatePair{}, fmt.Errorf("invalid basis hours %d", basisHours)
	}
	for ex, data := range exchanges {
		if data.Rate.Symbol != symbol {
			return exchange.FundingRatePair{}, fmt.Errorf("%w: %s reports %q, want %q",
				ErrSymbolMismatch, ex, data.Rate.Symbol, symbol)
		}
	}

	out := exchange.FundingRatePair{
		Symbol:    symbol,
		Exchanges: make(map[exchange.ExchangeID]exchange.ExchangeRateData, len(exchanges)),
	}
	normalized := make(map[exchange.ExchangeID]decimal.Decimal, len(exchanges))
	for ex, data := range exchanges {
		out.Exchanges[ex] = data
		normalized[ex] = NormalizedRate(data, basisHours)
		if data.Rate.RecordedAt.After(out.RecordedAt) {
			out.RecordedAt = data.Rate.RecordedAt
		}
	}
	out.BestPair = bestPair(exchanges, normalized, basisHours)
	return out, nil
}

// bestPair scans every unordered exchange pair in stable enum order and
// keeps the maximum-spread combination. Long is the smaller rate (receives
// funding), short the larger.
func bestPair(exchanges map[exchange.ExchangeID]exchange.ExchangeRateData, normalized map[exchange.ExchangeID]decimal.Decimal, basisHours int) *exchange.BestArbitragePair {
	present := make([]exchange.ExchangeID, 0, len(normalized))
	for _, ex := range exchange.All() {
		if _, ok := normalized[ex]; ok {
			present = append(present, ex)
		}
	}
	if len(present) < 2 {
		return nil
	}

	var (
		bestLong, bestShort exchange.ExchangeID
		bestSpread          decimal.Decimal
		found               bool
	)
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			e1, e2 := present[i], present[j]
			r1, r2 := normalized[e1], normalized[e2]
			spread := r1.Sub(r2).Abs()
			// Strict > keeps the first enum-order pair on ties.
			if !found || spread.GreaterThan(bestSpread) {
				found = true
				bestSpread = spread
				if r1.LessThanOrEqual(r2) {
					bestLong, bestShort = e1, e2
				} else {
					bestLong, bestShort = e2, e1
				}
			}
		}
	}

	annualFactor := 365.0 * 24.0 / float64(basisHours) * 100.0
	spreadF, _ := bestSpread.Float64()
	bp := &exchange.BestArbitragePair{
		LongExchange:     bestLong,
		ShortExchange:    bestShort,
		SpreadPercent:    spreadF * 100.0,
		SpreadAnnualized: spreadF * annualFactor,
	}

	longPrice := exchanges[bestLong].Price
	shortPrice := exchanges[bestShort].Price
	if longPrice != nil && shortPrice != nil && !longPrice.IsZero() && !shortPrice.IsZero() {
		lp, _ := longPrice.Float64()
		sp, _ := shortPrice.Float64()
		mid := (lp + sp) / 2.0
		diffPct := (sp - lp) / mid * 100.0
		bp.PriceDiffPercent = &diffPct

		// Entering short above long is favorable; a small adverse gap is
		// tolerated up to AdverseDiffTolerance of the short price.
		rel := (sp - lp) / sp
		ok := rel >= 0 || -rel <= AdverseDiffTolerance
		bp.PriceDirectionOK = &ok
	}
	return bp
}
