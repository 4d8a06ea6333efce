package materializer

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

//go:embed categories.yaml
var defaultRulesYAML []byte

// Rule maps keywords to a category.
type Rule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// Rules is the keyword heuristic configuration.
type Rules struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// ParseRules decodes YAML rules.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ParseRules: %w", err)
	}
	if r.Default == "" {
		r.Default = domain.DefaultItemCategory
	}
	for i, rule := range r.Rules {
		if strings.TrimSpace(rule.Category) == "" {
			return nil, fmt.Errorf("ParseRules: rule %d has no category", i)
		}
	}
	return &r, nil
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return r
}

// Categorizer infers a transaction category from a receipt.
type Categorizer struct {
	rules *Rules
	// keywords[i] holds rule i's keywords, folded.
	keywords [][]string
}

// NewCategorizer prepares rules for matching.
func NewCategorizer(rules *Rules) *Categorizer {
	c := &Categorizer{rules: rules}
	c.keywords = make([][]string, len(rules.Rules))
	for i, rule := range rules.Rules {
		for _, kw := range rule.Keywords {
			if words := c.words(kw); words != "" {
				c.keywords[i] = append(c.keywords[i], words)
			}
		}
	}
	return c
}

// Categorize picks the most frequent explicit item category, with ties
// going to the first seen. Items without a category, or carrying the generic
// default, do not count. Without explicit categories the keyword rules are
// applied to item names and the merchant, matching any name that contains a
// keyword; otherwise the default is returned.
func (c *Categorizer) Categorize(rec *domain.ReceiptRecord) string {
	if cat := c.explicit(rec.LineItems); cat != "" {
		return cat
	}
	if cat := c.heuristic(rec); cat != "" {
		return cat
	}
	return c.rules.Default
}

func (c *Categorizer) explicit(items []domain.LineItem) string {
	generic := fold(domain.DefaultItemCategory)

	counts := map[string]int{}
	var order []string
	display := map[string]string{}
	for _, li := range items {
		name := strings.TrimSpace(li.Category)
		key := fold(name)
		if key == "" || key == generic {
			continue
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
			display[key] = name
		}
		counts[key]++
	}

	best, bestCount := "", 0
	for _, key := range order {
		if counts[key] > bestCount {
			best, bestCount = key, counts[key]
		}
	}
	return display[best]
}

func (c *Categorizer) heuristic(rec *domain.ReceiptRecord) string {
	texts := make([]string, 0, len(rec.LineItems)+1)
	for _, li := range rec.LineItems {
		if li.Name != domain.SyntheticItemName {
			texts = append(texts, c.words(li.Name))
		}
	}
	if rec.MerchantName != domain.DefaultMerchantName {
		texts = append(texts, c.words(rec.MerchantName))
	}

	best, bestHits := "", 0
	for i, rule := range c.rules.Rules {
		hits := 0
		for _, text := range texts {
			for _, kw := range c.keywords[i] {
				if strings.Contains(text, kw) {
					hits++
				}
			}
		}
		if hits > bestHits {
			best, bestHits = rule.Category, hits
		}
	}
	return best
}

// fold case-folds s. Casers are stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// words folds s and reduces it to space-separated letter/digit runs.
func (c *Categorizer) words(s string) string {
	return strings.Join(strings.FieldsFunc(fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
