// Package router decides which cognitive domain an inbound message belongs
// to. Every message resolves to exactly one domain; the channel default is
// the guaranteed fallback.
package router

import (
	"log/slog"
	"strings"

	"omnibridge/internal/domain"
)

// Intent records how a routing decision was reached.
type Intent string

const (
	IntentExplicitCommand        Intent = "explicit_command"
	IntentClassified             Intent = "classified"
	IntentImplicitChannelDefault Intent = "implicit_channel_default"
)

// Decision is the routing outcome. It is never empty: step 3 always fires.
type Decision struct {
	Domain domain.ChannelDomain
	Intent Intent
	// Text is the message text with any explicit selector token stripped.
	Text string
}

// Rule maps keywords to a target domain. Rules are scored in file order;
// first rule wins ties.
type Rule struct {
	Domain   domain.ChannelDomain `yaml:"domain"`
	Keywords []string             `yaml:"keywords"`
}

// Router classifies messages. The keyword classifier is deliberately a
// heuristic; an external classifier can replace it without changing Decision.
type Router struct {
	rules         []Rule
	lowerKeywords [][]string // pre-computed lowercase keywords per rule
	logger        *slog.Logger
}

// New creates a Router from an ordered rule list.
func New(rules []Rule, logger *slog.Logger) *Router {
	lowerKW := make([][]string, len(rules))
	for i, rule := range rules {
		kws := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		lowerKW[i] = kws
	}
	return &Router{
		rules:         rules,
		lowerKeywords: lowerKW,
		logger:        logger,
	}
}

// Route resolves the target domain for a message given the originating
// channel's default domain.
func (r *Router) Route(text string, channelDefault domain.ChannelDomain) Decision {
	// Step 1: explicit domain selector, e.g. "/finance quote AAPL".
	if stripped, d, ok := parseSelector(text); ok {
		r.logger.Debug("explicit domain selector", "domain", d)
		return Decision{Domain: d, Intent: IntentExplicitCommand, Text: stripped}
	}

	// Step 2: keyword classification.
	if d, ok := r.classify(text); ok {
		r.logger.Debug("router classified message", "domain", d)
		return Decision{Domain: d, Intent: IntentClassified, Text: text}
	}

	// Step 3: channel default. Always fires.
	return Decision{Domain: channelDefault, Intent: IntentImplicitChannelDefault, Text: text}
}

// parseSelector recognizes a leading "/<domain>" token naming a valid
// domain. Unknown slash tokens are left alone for the agent runtime.
func parseSelector(text string) (string, domain.ChannelDomain, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	token := trimmed[1:]
	rest := ""
	if idx := strings.IndexAny(token, " \t\n"); idx >= 0 {
		rest = strings.TrimSpace(token[idx:])
		token = token[:idx]
	}
	token = strings.ToLower(token)
	if !domain.ValidDomain(token) {
		return "", "", false
	}
	return rest, domain.ChannelDomain(token), true
}

// classify scores the message against each rule's keywords. A rule needs at
// least one hit; the highest score wins and earlier rules win ties.
func (r *Router) classify(text string) (domain.ChannelDomain, bool) {
	lower := strings.ToLower(text)

	bestIdx := -1
	bestScore := 0
	for i, keywords := range r.lowerKeywords {
		score := 0
		for _, kw := range keywords {
			if kw != "" && strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return "", false
	}
	return r.rules[bestIdx].Domain, true
}
