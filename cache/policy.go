package cache

import (
	"strings"
	"time"
)

// TTLRule maps subsection-name keywords to a TTL. Rules are evaluated in
// order; the first rule with a matching keyword wins.
type TTLRule struct {
	Keywords []string
	TTL      time.Duration
}

// TTLPolicy selects a TTL for a cache key by substring match on the key.
// The tiers reflect how fast each humanitarian data category changes
// upstream: casualty figures within minutes, infrastructure and health
// status within hours, economic/settlement/prisoner statistics daily.
type TTLPolicy struct {
	Rules      []TTLRule
	DefaultTTL time.Duration
}

// DefaultTTLPolicy returns the standard category table.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Rules: []TTLRule{
			{Keywords: []string{"casualt"}, TTL: 5 * time.Minute},
			{Keywords: []string{"infrastructure", "health"}, TTL: time.Hour},
			{Keywords: []string{"economic", "settlement", "prisoner"}, TTL: 24 * time.Hour},
		},
		DefaultTTL: 30 * time.Minute,
	}
}

// Lookup returns the TTL for the given cache key.
func (p TTLPolicy) Lookup(key string) time.Duration {
	lower := strings.ToLower(key)
	for _, rule := range p.Rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.TTL
			}
		}
	}
	if p.DefaultTTL > 0 {
		return p.DefaultTTL
	}
	return 30 * time.Minute
}
