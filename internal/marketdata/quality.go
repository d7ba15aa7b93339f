package marketdata

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/sentinel-ingest/internal/provider"
)

// PriceQuality summarizes a fetched price payload.
type PriceQuality struct {
	Fetched     int
	Valid       int
	Zero        int
	Invalid     int // unparseable date or inconsistent high/low
	MeanClose   float64
	StdDevClose float64
	FirstDate   string
	LastDate    string
}

// AllZero reports a non-empty payload in which every close is zero, which
// providers return for delisted or unknown symbols.
func (q PriceQuality) AllZero() bool {
	return q.Fetched > 0 && q.Zero == q.Fetched
}

// Metadata renders the summary for fetch log entries.
func (q PriceQuality) Metadata() map[string]any {
	m := map[string]any{
		"total_fetched": q.Fetched,
		"valid_prices":  q.Valid,
		"zero_prices":   q.Zero,
	}
	if q.Invalid > 0 {
		m["invalid_prices"] = q.Invalid
	}
	if q.Valid > 0 {
		m["mean_close"] = q.MeanClose
		m["stddev_close"] = q.StdDevClose
		m["first_date"] = q.FirstDate
		m["last_date"] = q.LastDate
	}
	return m
}

// ValidBar reports whether a bar can be stored.
func ValidBar(b provider.PriceBar) bool {
	if _, err := time.Parse(provider.DateLayout, b.Date); err != nil {
		return false
	}
	return b.Close > 0 && b.High >= b.Low
}

// AssessPrices splits bars into storable ones and a quality summary.
func AssessPrices(bars []provider.PriceBar) ([]provider.PriceBar, PriceQuality) {
	q := PriceQuality{Fetched: len(bars)}
	valid := make([]provider.PriceBar, 0, len(bars))
	closes := make([]float64, 0, len(bars))

	for _, b := range bars {
		switch {
		case b.Close == 0:
			q.Zero++
		case !ValidBar(b):
			q.Invalid++
		default:
			valid = append(valid, b)
			closes = append(closes, b.Close)
			if q.FirstDate == "" || b.Date < q.FirstDate {
				q.FirstDate = b.Date
			}
			if b.Date > q.LastDate {
				q.LastDate = b.Date
			}
		}
	}

	q.Valid = len(valid)
	if len(closes) > 0 {
		q.MeanClose, q.StdDevClose = stat.MeanStdDev(closes, nil)
		if len(closes) == 1 {
			q.StdDevClose = 0
		}
	}
	return valid, q
}
