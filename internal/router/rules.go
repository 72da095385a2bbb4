package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"omnibridge/internal/domain"
)

// rulesFile is the on-disk shape of the routing rules document.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an ordered rule list from a YAML file. A missing file is
// not an error: routing falls back to channel defaults with no classifier.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read rules file %s: %w", path, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse rules file %s: %w", path, err)
	}

	for i, rule := range f.Rules {
		if !domain.ValidDomain(string(rule.Domain)) {
			return nil, fmt.Errorf("rules file %s: rule %d has unknown domain %q", path, i, rule.Domain)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("rules file %s: rule %d (%s) has no keywords", path, i, rule.Domain)
		}
	}
	return f.Rules, nil
}

// DefaultRules is the built-in classifier used when no rules file exists but
// the config asks for keyword routing.
func DefaultRules() []Rule {
	return []Rule{
		{Domain: domain.DomainFinance, Keywords: []string{"stock", "quote", "price", "invoice", "budget", "portfolio"}},
		{Domain: domain.DomainTravel, Keywords: []string{"flight", "hotel", "itinerary", "booking", "trip"}},
		{Domain: domain.DomainProductivity, Keywords: []string{"todo", "remind", "schedule", "meeting", "calendar"}},
		{Domain: domain.DomainInformation, Keywords: []string{"weather", "news", "search", "define", "wiki"}},
		{Domain: domain.DomainEntertainment, Keywords: []string{"movie", "song", "playlist", "game"}},
	}
}
