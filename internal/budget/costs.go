package budget

import (
	"fmt"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// Per-call prices for the paid upstream API, in exact euro amounts.
// Search calls are cheap lookups; task calls run managed processors and
// cost an order of magnitude more.
var apiCosts = map[string]map[string]Money{
	"search": {
		"base": 1, // 0.001 EUR
		"pro":  5, // 0.005 EUR
	},
	"task": {
		"base": 10, // 0.010 EUR
		"core": 20, // 0.020 EUR
		"pro":  50, // 0.050 EUR
	},
}

// CostOf returns the exact cost of one call. Unknown api types or
// processors are configuration mistakes and fail fast.
func CostOf(apiType, processor string) (Money, error) {
	processors, ok := apiCosts[apiType]
	if !ok {
		return 0, errors.NewValidationError(fmt.Sprintf("unknown api type %q", apiType))
	}

	cost, ok := processors[processor]
	if !ok {
		return 0, errors.NewValidationError(fmt.Sprintf("unknown processor %q for api type %q", processor, apiType))
	}

	return cost, nil
}

// CallTypes returns every known (api type, processor) pair
func CallTypes() []string {
	var out []string
	for apiType, processors := range apiCosts {
		for processor := range processors {
			out = append(out, apiType+":"+processor)
		}
	}
	return out
}
