package contracts

// DefaultPolicy controls how Enforce resolves an action that matches no
// rule. A Contract is ALLOW-by-default unless it explicitly opts into
// DENY.
type DefaultPolicy string

const (
	DefaultAllow DefaultPolicy = "ALLOW"
	DefaultDeny  DefaultPolicy = "DENY"
)

// RuleEffect is the outcome a Rule applies once matched.
type RuleEffect string

const (
	EffectAllow RuleEffect = "ALLOW"
	EffectDeny  RuleEffect = "DENY"
)

// Scope names the contract's owning unit.
type Scope struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

// Match is a subset-match predicate over a ProposedAction's fields.
// A missing key is a wildcard. Every field is a single string compared
// for equality; there are no array-valued match fields. PathPrefix
// matches when the action's PathPrefix (or, if that is empty, its
// Resource) starts with the given prefix. When is an optional CEL boolean
// expression evaluated against the action after all literal fields
// already agree — see pkg/enforce/cel.go.
type Match struct {
	ActionType string `json:"action_type,omitempty"`
	Tool       string `json:"tool,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty"`
	Resource   string `json:"resource,omitempty"`
	When       string `json:"when,omitempty"`
}

// Rule is one ordered precedence entry in a Contract. Rule order
// defines precedence: first match wins within one action.
type Rule struct {
	ID        string     `json:"id"`
	Effect    RuleEffect `json:"effect"`
	Match     Match      `json:"match"`
	Rationale string     `json:"rationale"`
}

// Contract is the ordered rule set Enforce matches proposed actions
// against.
type Contract struct {
	Version string        `json:"version"`
	Scope   Scope         `json:"scope"`
	Rules   []Rule        `json:"rules"`
	Default DefaultPolicy `json:"default,omitempty"`
}

// EffectiveDefault returns the contract's default policy, defaulting to
// ALLOW when unset.
func (c Contract) EffectiveDefault() DefaultPolicy {
	if c.Default == "" {
		return DefaultAllow
	}
	return c.Default
}
