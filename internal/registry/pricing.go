package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Pricing mirrors the pricing block of counterparty metadata, for example
// {"model": "per_call", "rate": "0.01 HBAR"}.
type Pricing struct {
	Model string `json:"model"`
	Rate  string `json:"rate"`
}

// Amount parses the numeric part and unit of Rate.
func (p Pricing) Amount() (float64, string, error) {
	fields := strings.Fields(strings.TrimSpace(p.Rate))
	if len(fields) == 0 {
		return 0, "", fmt.Errorf("pricing rate is empty")
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse pricing rate %q: %w", p.Rate, err)
	}
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, "", fmt.Errorf("pricing rate %q out of range", p.Rate)
	}
	unit := ""
	if len(fields) > 1 {
		unit = strings.ToUpper(fields[1])
	}
	return value, unit, nil
}

// Price returns the numeric rate, or +Inf when the rate cannot be parsed so
// that unpriced counterparties sort after priced ones.
func (p Pricing) Price() float64 {
	value, _, err := p.Amount()
	if err != nil {
		return math.Inf(1)
	}
	return value
}
