package contracts

import "encoding/json"

// ProposedAction is one action an agent intends to take. Opaque extra
// fields beyond the well-known ones are preserved round-trip in Extra.
type ProposedAction struct {
	ActionType string         `json:"action_type"`
	Tool       string         `json:"tool,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	PathPrefix string         `json:"path_prefix,omitempty"`
	Extra      map[string]any `json:"-"`
}

// Field returns the value of a named field, including well-known ones,
// for use by the Enforce match algorithm and Gate predicates.
func (a ProposedAction) Field(name string) (any, bool) {
	switch name {
	case "action_type":
		if a.ActionType == "" {
			return nil, false
		}
		return a.ActionType, true
	case "tool":
		if a.Tool == "" {
			return nil, false
		}
		return a.Tool, true
	case "resource":
		if a.Resource == "" {
			return nil, false
		}
		return a.Resource, true
	case "path_prefix":
		if a.PathPrefix == "" {
			return nil, false
		}
		return a.PathPrefix, true
	default:
		v, ok := a.Extra[name]
		return v, ok
	}
}

// MarshalJSON flattens Extra alongside the well-known fields so opaque
// fields round-trip without a nested "extra" key.
func (a ProposedAction) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Extra)+4)
	for k, v := range a.Extra {
		m[k] = v
	}
	if a.ActionType != "" {
		m["action_type"] = a.ActionType
	}
	if a.Tool != "" {
		m["tool"] = a.Tool
	}
	if a.Resource != "" {
		m["resource"] = a.Resource
	}
	if a.PathPrefix != "" {
		m["path_prefix"] = a.PathPrefix
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits known fields out of the generic object, leaving
// the rest in Extra.
func (a *ProposedAction) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	a.Extra = make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case "action_type":
			a.ActionType, _ = v.(string)
		case "tool":
			a.Tool, _ = v.(string)
		case "resource":
			a.Resource, _ = v.(string)
		case "path_prefix":
			a.PathPrefix, _ = v.(string)
		default:
			a.Extra[k] = v
		}
	}
	return nil
}
