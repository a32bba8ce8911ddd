package benefits

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"
)

// Timing is the cadence on which a benefit's cap resets.
type Timing string

const (
	Monthly    Timing = "monthly"
	Quarterly  Timing = "quarterly"
	SemiAnnual Timing = "semiannual"
	Annual     Timing = "annual"
)

// Rule is one card-benefit matching rule. Rules are static configuration:
// compiled once at load, never mutated in place.
type Rule struct {
	BenefitID        string
	Name             string
	ProductID        string
	Timing           Timing
	Patterns         []*regexp.Regexp
	Categories       []string // optional filter; empty = any
	MinAmountCents   int64    // 0 = no floor
	MaxAmountCents   int64    // 0 = no ceiling
	PeriodLimitCents int64
	AnnualLimitCents int64 // may exceed PeriodLimit * periods/year for bonus modelling
}

// RuleSet is an immutable compiled snapshot keyed by product id. Rule
// order within a product is the configured order; first match wins.
type RuleSet struct {
	byProduct map[string][]Rule
	byID      map[string]Rule
}

// ForProduct returns the product's rules in configured order.
func (rs *RuleSet) ForProduct(productID string) []Rule {
	if rs == nil {
		return nil
	}
	return rs.byProduct[productID]
}

func (rs *RuleSet) ByID(benefitID string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	r, ok := rs.byID[benefitID]
	return r, ok
}

// Matches applies the rule's three gates: merchant pattern, category
// intersection, amount band (inclusive, on the absolute amount).
func (r Rule) Matches(merchantName, displayName string, categories []string, amountCents int64) bool {
	if amountCents < 0 {
		amountCents = -amountCents
	}
	if r.MinAmountCents > 0 && amountCents < r.MinAmountCents {
		return false
	}
	if r.MaxAmountCents > 0 && amountCents > r.MaxAmountCents {
		return false
	}
	matched := false
	for _, p := range r.Patterns {
		if (merchantName != "" && p.MatchString(merchantName)) || (displayName != "" && p.MatchString(displayName)) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(r.Categories) == 0 {
		return true
	}
	for _, want := range r.Categories {
		for _, have := range categories {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Snapshot holds the live RuleSet and supports atomic replacement when
// rules change at runtime.
type Snapshot struct {
	ptr atomic.Pointer[RuleSet]
}

func NewSnapshot(rs *RuleSet) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(rs)
	return s
}

func (s *Snapshot) Current() *RuleSet { return s.ptr.Load() }
func (s *Snapshot) Swap(rs *RuleSet)  { s.ptr.Store(rs) }

// RuleSpec is the on-disk shape of one rule.
type RuleSpec struct {
	BenefitID   string   `mapstructure:"benefit_id"`
	Name        string   `mapstructure:"name"`
	ProductID   string   `mapstructure:"product_id"`
	Timing      string   `mapstructure:"timing"`
	Patterns    []string `mapstructure:"patterns"`
	Categories  []string `mapstructure:"categories"`
	MinAmount   float64  `mapstructure:"min_amount"`
	MaxAmount   float64  `mapstructure:"max_amount"`
	PeriodLimit float64  `mapstructure:"period_limit"`
	AnnualLimit float64  `mapstructure:"annual_limit"`
}

// LoadRules reads and compiles the rule file (TOML). Any invalid pattern,
// duplicate benefit id or patternless rule fails the whole load: a rule
// table that half-compiles is worse than none.
func LoadRules(path string) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var specs struct {
		Rules []RuleSpec `mapstructure:"rules"`
	}
	if err := v.Unmarshal(&specs); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	return Compile(specs.Rules)
}

// Compile turns rule specs into an immutable RuleSet.
func Compile(specs []RuleSpec) (*RuleSet, error) {
	rs := &RuleSet{
		byProduct: map[string][]Rule{},
		byID:      map[string]Rule{},
	}
	for _, spec := range specs {
		if spec.BenefitID == "" {
			return nil, fmt.Errorf("rule %q: benefit_id required", spec.Name)
		}
		if _, dup := rs.byID[spec.BenefitID]; dup {
			return nil, fmt.Errorf("rule %s: duplicate benefit_id", spec.BenefitID)
		}
		if len(spec.Patterns) == 0 {
			return nil, fmt.Errorf("rule %s: at least one merchant pattern required", spec.BenefitID)
		}
		timing := Timing(strings.ToLower(strings.TrimSpace(spec.Timing)))
		switch timing {
		case Monthly, Quarterly, SemiAnnual, Annual:
		case "":
			timing = Monthly
		default:
			return nil, fmt.Errorf("rule %s: unknown timing %q", spec.BenefitID, spec.Timing)
		}
		r := Rule{
			BenefitID:        spec.BenefitID,
			Name:             spec.Name,
			ProductID:        spec.ProductID,
			Timing:           timing,
			Categories:       spec.Categories,
			MinAmountCents:   toCents(spec.MinAmount),
			MaxAmountCents:   toCents(spec.MaxAmount),
			PeriodLimitCents: toCents(spec.PeriodLimit),
			AnnualLimitCents: toCents(spec.AnnualLimit),
		}
		for _, pat := range spec.Patterns {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				return nil, fmt.Errorf("rule %s: pattern %q: %w", spec.BenefitID, pat, err)
			}
			r.Patterns = append(r.Patterns, re)
		}
		rs.byID[r.BenefitID] = r
		rs.byProduct[r.ProductID] = append(rs.byProduct[r.ProductID], r)
	}
	return rs, nil
}

// MustCompile is a test/fixture helper.
func MustCompile(specs []RuleSpec) *RuleSet {
	rs, err := Compile(specs)
	if err != nil {
		panic(err)
	}
	return rs
}

func toCents(dollars float64) int64 {
	if dollars == 0 {
		return 0
	}
	cents := dollars * 100
	if cents < 0 {
		return int64(cents - 0.5)
	}
	return int64(cents + 0.5)
}
