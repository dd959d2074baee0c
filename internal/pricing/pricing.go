// Package pricing computes the credit cost of a generation request.
// Every rule is a pure function of the tool id and the decoded input.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	maxDurationSeconds = 600
	maxCount           = 16
	maxFrames          = 48
)

// Params are the input fields any pricing rule may read. Unknown fields are ignored.
type Params struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Resolution      string  `json:"resolution"`
	Quality         string  `json:"quality"`
	Count           int     `json:"count"`
	Frames          int     `json:"frames"`
}

// Rule prices one tool.
type Rule func(p Params) (int64, error)

// Catalog maps tool ids to pricing rules.
type Catalog struct {
	rules map[string]Rule
}

// DefaultCatalog returns the built-in per-tool rules.
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]Rule{
		"logo-machine": perUnit(2, 4, maxCount, func(p Params) int { return p.Count }),
		"thumbnail":    perUnit(2, 1, maxCount, func(p Params) int { return p.Count }),
		"music":        music,
		"avatar":       perSecond(map[string]int64{"720p": 1, "1080p": 2, "4k": 4}, "720p", 10),
		"storyboard":   storyboard,
		"video-editor": perSecond(map[string]int64{"720p": 2, "1080p": 3, "4k": 6}, "1080p", 20),
	})
}

func NewCatalog(rules map[string]Rule) *Catalog {
	c := &Catalog{rules: make(map[string]Rule, len(rules))}
	for tool, r := range rules {
		c.rules[strings.ToLower(strings.TrimSpace(tool))] = r
	}
	return c
}

// Estimate returns the credits a submission for toolID will reserve.
func (c *Catalog) Estimate(toolID string, input json.RawMessage) (int64, error) {
	rule, ok := c.rules[strings.ToLower(strings.TrimSpace(toolID))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTool, toolID)
	}

	var p Params
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &p); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return rule(p)
}

// Tools lists priced tools in sorted order.
func (c *Catalog) Tools() []string {
	out := make([]string, 0, len(c.rules))
	for t := range c.rules {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Has(toolID string) bool {
	_, ok := c.rules[strings.ToLower(strings.TrimSpace(toolID))]
	return ok
}

func perUnit(rate int64, def, max int, field func(Params) int) Rule {
	return func(p Params) (int64, error) {
		n := field(p)
		if n == 0 {
			n = def
		}
		if n < 0 || n > max {
			return 0, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidInput, max)
		}
		return rate * int64(n), nil
	}
}

func perSecond(rates map[string]int64, defRes string, min int64) Rule {
	return func(p Params) (int64, error) {
		d, err := duration(p)
		if err != nil {
			return 0, err
		}
		res := strings.ToLower(p.Resolution)
		if res == "" {
			res = defRes
		}
		rate, ok := rates[res]
		if !ok {
			return 0, fmt.Errorf("%w: unsupported resolution %q", ErrInvalidInput, p.Resolution)
		}
		return max64(rate*int64(math.Ceil(d)), min), nil
	}
}

func music(p Params) (int64, error) {
	d, err := duration(p)
	if err != nil {
		return 0, err
	}
	credits := max64(int64(math.Ceil(d/10)), 5)
	switch strings.ToLower(p.Quality) {
	case "", "standard":
	case "high":
		credits *= 2
	default:
		return 0, fmt.Errorf("%w: unsupported quality %q", ErrInvalidInput, p.Quality)
	}
	return credits, nil
}

func storyboard(p Params) (int64, error) {
	n := p.Frames
	if n == 0 {
		n = 6
	}
	if n < 0 || n > maxFrames {
		return 0, fmt.Errorf("%w: frames must be between 1 and %d", ErrInvalidInput, maxFrames)
	}
	return 5 + int64(n), nil
}

func duration(p Params) (float64, error) {
	d := p.DurationSeconds
	if d < 0 || d > maxDurationSeconds || math.IsNaN(d) {
		return 0, fmt.Errorf("%w: duration_seconds must be between 0 and %d", ErrInvalidInput, maxDurationSeconds)
	}
	return d, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
