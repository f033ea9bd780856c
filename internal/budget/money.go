package budget

import (
	"fmt"
	"math"
	"strings"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// Money is an exact monetary amount held as a count of thousandths of a
// euro. All budget arithmetic happens on this integer representation;
// floating point never touches a stored amount.
type Money int64

const milliPerEuro = 1000

// ParseMoney parses a decimal euro amount with at most three decimal
// places, e.g. "1500.00" or "0.005".
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.NewValidationError("amount must not be empty")
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}

	if whole == "" && frac == "" {
		return 0, errors.NewValidationError(fmt.Sprintf("malformed amount %q", s))
	}
	if len(frac) > 3 {
		return 0, errors.NewValidationError(fmt.Sprintf("amount %q exceeds 0.001 precision", s))
	}

	var millis int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, errors.NewValidationError(fmt.Sprintf("malformed amount %q", s))
		}
		millis = millis*10 + int64(r-'0')
	}
	millis *= milliPerEuro

	scale := int64(100)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, errors.NewValidationError(fmt.Sprintf("malformed amount %q", s))
		}
		millis += int64(r-'0') * scale
		scale /= 10
	}

	if negative {
		millis = -millis
	}
	return Money(millis), nil
}

// String renders the amount with three decimal places
func (m Money) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%03d", sign, v/milliPerEuro, v%milliPerEuro)
}

// Euros returns a float approximation, for gauges and display only
func (m Money) Euros() float64 {
	return float64(m) / milliPerEuro
}

// ThresholdAmount computes cap * percent / 100 rounded half-up to whole
// cents. The kill switch arms only when a projection strictly exceeds
// this amount.
func ThresholdAmount(cap Money, percent float64) Money {
	bp := int64(math.Round(percent * 100)) // basis points
	raw := int64(cap) * bp                 // milli-euro basis points
	cents := (raw + 50000) / 100000        // half-up to cents
	return Money(cents * 10)
}

// UtilizationMilliPercent returns spend/cap as thousandths of a percent,
// rounded half-up. 93337 means 93.337%.
func UtilizationMilliPercent(spend, cap Money) int64 {
	if cap <= 0 {
		return 0
	}
	num := int64(spend) * 100000
	return (2*num + int64(cap)) / (2 * int64(cap))
}

// UtilizationPercent returns the utilization as a percentage with three
// decimal places of significance.
func UtilizationPercent(spend, cap Money) float64 {
	return float64(UtilizationMilliPercent(spend, cap)) / 1000
}

// Status is the budget ladder position for a utilization level
type Status string

const (
	StatusNormal     Status = "normal"
	StatusWarning    Status = "warning"
	StatusAlert      Status = "alert"
	StatusEscalation Status = "escalation"
	StatusKillSwitch Status = "kill_switch"
)

// StatusForUtilization maps a milli-percent utilization onto the ladder
func StatusForUtilization(milliPct int64) Status {
	switch {
	case milliPct >= 95000:
		return StatusKillSwitch
	case milliPct >= 90000:
		return StatusEscalation
	case milliPct >= 80000:
		return StatusAlert
	case milliPct >= 50000:
		return StatusWarning
	default:
		return StatusNormal
	}
}
