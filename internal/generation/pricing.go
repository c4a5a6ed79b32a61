package generation

import (
	"math"
	"sort"
	"strings"
)

// Pricing maps model prefixes to a per-output unit price.
type Pricing struct {
	Prices       map[string]float64 `yaml:"prices" json:"prices"`
	DefaultPrice float64            `yaml:"default_price" json:"default_price"`
}

// UnitPrice returns the price of one output of model.
func (p Pricing) UnitPrice(model string) float64 {
	if price, ok := p.Prices[model]; ok {
		return price
	}
	prefixes := make([]string, 0, len(p.Prices))
	for prefix := range p.Prices {
		if strings.HasPrefix(model, prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) == 0 {
		return p.DefaultPrice
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return p.Prices[prefixes[0]]
}

// Cost is the charge for task: unit price times the requested output count.
func (p Pricing) Cost(task *Task) float64 {
	n := 1.0
	if v, ok := numberParam(task.Params, "n"); ok && v > 0 {
		n = v
	}
	return math.Round(p.UnitPrice(task.Model)*n*1e6) / 1e6
}

func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
