package llm

import (
	"math"
	"strings"
)

// price is USD per million tokens.
type price struct {
	input  float64
	output float64
}

// Matched by substring of the model id, most specific first.
var pricing = []struct {
	match string
	price price
}{
	{"claude-3-5-haiku", price{0.80, 4.00}},
	{"claude-3-haiku", price{0.25, 1.25}},
	{"haiku", price{1.00, 5.00}},
	{"opus", price{15.00, 75.00}},
	{"sonnet", price{3.00, 15.00}},
}

var defaultPrice = price{3.00, 15.00}

// Cost returns the USD cost of one call, rounded to 6 decimals.
func Cost(model string, u Usage) float64 {
	p := defaultPrice
	m := strings.ToLower(model)
	for _, e := range pricing {
		if strings.Contains(m, e.match) {
			p = e.price
			break
		}
	}
	c := float64(u.InputTokens)*p.input/1e6 + float64(u.OutputTokens)*p.output/1e6
	return math.Round(c*1e6) / 1e6
}

// MessageCost is Cost, except cached responses are free.
func MessageCost(m *Message) float64 {
	if m == nil || m.Cached {
		return 0
	}
	return Cost(m.Model, m.Usage)
}
