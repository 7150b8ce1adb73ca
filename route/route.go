// Package route resolves model identifiers to the provider and model family
// that serve them. Resolution is longest-prefix match over a rule table,
// normalizing regional id variants before lookup, and is a pure function of
// the model id: the same id always yields the same target, which makes the
// per-id memo safe to share across requests.
package route

import (
	"sort"
	"strings"
	"sync"

	"goa.design/aigw/chat"
)

// Provider names an upstream backend.
type Provider string

const (
	// ProviderOpenAI is the OpenAI chat-completions API.
	ProviderOpenAI Provider = "openai"
	// ProviderBedrock is the AWS Bedrock runtime.
	ProviderBedrock Provider = "bedrock"
)

// Family names a model family with a registered request strategy. Adding a
// family means adding a strategy for it and a rule that routes to it.
type Family string

const (
	// FamilyOpenAI covers models speaking the OpenAI chat shape natively.
	FamilyOpenAI Family = "openai-chat"
	// FamilyClaude covers Anthropic models on Bedrock.
	FamilyClaude Family = "claude"
	// FamilyTitan covers Amazon Titan text models on Bedrock.
	FamilyTitan Family = "titan"
)

// Target is the routing result for one model id.
type Target struct {
	Provider Provider
	Family   Family

	// ModelID is the id to hand the provider: the input id with any regional
	// token already stripped.
	ModelID string
}

// Rule maps a model-id prefix to its provider and family. An empty Family
// marks a prefix that is recognized as a provider's but has no request
// strategy; such ids fail with a precise unsupported-model error instead of
// the generic no-match one.
type Rule struct {
	Prefix   string
	Provider Provider
	Family   Family
}

// DefaultRules is the built-in routing table.
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "gpt-", Provider: ProviderOpenAI, Family: FamilyOpenAI},
		{Prefix: "text-", Provider: ProviderOpenAI, Family: FamilyOpenAI},
		{Prefix: "dall-e-", Provider: ProviderOpenAI, Family: FamilyOpenAI},
		{Prefix: "anthropic.", Provider: ProviderBedrock, Family: FamilyClaude},
		{Prefix: "amazon.titan-", Provider: ProviderBedrock, Family: FamilyTitan},
		{Prefix: "ai21.", Provider: ProviderBedrock},
		{Prefix: "cohere.", Provider: ProviderBedrock},
		{Prefix: "meta.", Provider: ProviderBedrock},
		{Prefix: "mistral.", Provider: ProviderBedrock},
	}
}

// Router resolves model ids against a rule table. The zero value is not
// usable; construct with NewRouter.
type Router struct {
	rules []Rule
	memo  sync.Map // model id -> Target
}

// NewRouter builds a router over the default table plus any extra rules.
// Extra rules with a prefix equal to a built-in one override it. Rules are
// kept sorted by descending prefix length so the first match is the longest.
func NewRouter(extra ...Rule) *Router {
	byPrefix := make(map[string]Rule)
	for _, r := range DefaultRules() {
		byPrefix[r.Prefix] = r
	}
	for _, r := range extra {
		byPrefix[r.Prefix] = r
	}
	rules := make([]Rule, 0, len(byPrefix))
	for _, r := range byPrefix {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].Prefix) != len(rules[j].Prefix) {
			return len(rules[i].Prefix) > len(rules[j].Prefix)
		}
		return rules[i].Prefix < rules[j].Prefix
	})
	return &Router{rules: rules}
}

// Route resolves a model id to its target. Regional variants ("us.", "eu.",
// "apac." and "ap-<zone>." ahead of a recognized prefix) are stripped before
// lookup and the stripped id is what the provider receives. Unknown ids and
// ids of recognized families without a strategy fail with UnsupportedModel.
func (r *Router) Route(model string) (Target, error) {
	if model == "" {
		return Target{}, chat.NewError(chat.KindValidation, "model is required")
	}
	if t, ok := r.memo.Load(model); ok {
		return t.(Target), nil
	}
	normalized := stripRegion(model, r.rules)
	rule, ok := r.match(normalized)
	if !ok {
		return Target{}, chat.Errorf(chat.KindUnsupportedModel,
			"model %q does not match any supported family", model)
	}
	if rule.Family == "" {
		return Target{}, chat.Errorf(chat.KindUnsupportedModel,
			"model %q: Bedrock family %q has no request strategy", model, strings.TrimSuffix(rule.Prefix, "."))
	}
	t := Target{Provider: rule.Provider, Family: rule.Family, ModelID: normalized}
	r.memo.Store(model, t)
	return t, nil
}

func (r *Router) match(model string) (Rule, bool) {
	for _, rule := range r.rules {
		if strings.HasPrefix(model, rule.Prefix) {
			return rule, true
		}
	}
	return Rule{}, false
}

// stripRegion removes a leading regional token when the remainder matches a
// known prefix. Tokens that do not precede a recognized family pass through
// untouched.
func stripRegion(model string, rules []Rule) string {
	head, tail, found := strings.Cut(model, ".")
	if !found || tail == "" {
		return model
	}
	if head != "us" && head != "eu" && head != "apac" && !strings.HasPrefix(head, "ap-") {
		return model
	}
	for _, rule := range rules {
		if strings.HasPrefix(tail, rule.Prefix) {
			return tail
		}
	}
	return model
}
