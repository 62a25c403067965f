package schemas

// rawSchemas holds the frozen JSON Schema text for every kind. All
// schemas set "additionalProperties": false so unrecognized fields are
// rejected rather than silently dropped.
var rawSchemas = map[Kind]string{
	KindTraceEvent: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["trace_id", "seq", "ts", "type", "payload", "prev_hash", "hash"],
		"additionalProperties": false,
		"properties": {
			"trace_id": {"type": "string", "minLength": 1},
			"seq": {"type": "integer", "minimum": 0},
			"ts": {"type": "string"},
			"type": {"enum": ["gate_start", "gate_end", "enforce_start", "enforce_end", "verdict_emitted", "replay_start", "replay_end", "error"]},
			"payload": {},
			"prev_hash": {"type": "string"},
			"hash": {"type": "string", "minLength": 1}
		}
	}`,
	KindGateReport: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["version", "trace_id", "decision", "risks", "unknowns"],
		"additionalProperties": false,
		"properties": {
			"version": {"type": "string"},
			"trace_id": {"type": "string"},
			"decision": {"enum": ["ALLOW", "BLOCK", "DEGRADE", "UNKNOWN"]},
			"risks": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "severity", "description", "triggered_by"],
					"additionalProperties": false,
					"properties": {
						"id": {"type": "string"},
						"severity": {"enum": ["info", "low", "medium", "high", "critical"]},
						"description": {"type": "string"},
						"triggered_by": {"type": "string"}
					}
				}
			},
			"unknowns": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "description"],
					"additionalProperties": false,
					"properties": {
						"id": {"type": "string"},
						"description": {"type": "string"}
					}
				}
			}
		}
	}`,
	KindContract: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["version", "scope", "rules"],
		"additionalProperties": false,
		"properties": {
			"version": {"type": "string"},
			"default": {"enum": ["ALLOW", "DENY"]},
			"scope": {
				"type": "object",
				"required": ["name"],
				"additionalProperties": false,
				"properties": {
					"name": {"type": "string"},
					"owner": {"type": "string"}
				}
			},
			"rules": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "effect", "match", "rationale"],
					"additionalProperties": false,
					"properties": {
						"id": {"type": "string"},
						"effect": {"enum": ["ALLOW", "DENY"]},
						"rationale": {"type": "string"},
						"match": {
							"type": "object",
							"additionalProperties": false,
							"properties": {
								"action_type": {"type": "string"},
								"tool": {"type": "string"},
								"path_prefix": {"type": "string"},
								"resource": {"type": "string"},
								"when": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}`,
	KindVerdict: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["version", "trace_id", "summary", "why", "next_steps", "confidence", "evidence_refs"],
		"additionalProperties": false,
		"properties": {
			"version": {"type": "string"},
			"trace_id": {"type": "string"},
			"summary": {"enum": ["ALLOW", "BLOCK", "DEGRADE", "UNKNOWN"]},
			"why": {"type": "array", "items": {"type": "string"}},
			"next_steps": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"evidence_refs": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindManifest: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["bundle_version", "schema_version", "created_at", "git_sha", "contracts", "bundle_sha256", "included_policies", "files"],
		"additionalProperties": false,
		"properties": {
			"bundle_version": {"type": "string"},
			"schema_version": {"type": "string"},
			"created_at": {"type": "string"},
			"git_sha": {"type": "string"},
			"contracts": {"type": "object"},
			"bundle_sha256": {"type": "string"},
			"signature": {"type": "string"},
			"included_policies": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "scope", "policy_hash"],
					"additionalProperties": false,
					"properties": {
						"name": {"type": "string"},
						"scope": {"type": "string"},
						"policy_hash": {"type": "string"}
					}
				}
			},
			"files": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["path", "sha256", "size"],
					"additionalProperties": false,
					"properties": {
						"path": {"type": "string"},
						"sha256": {"type": "string"},
						"size": {"type": "integer", "minimum": 0}
					}
				}
			}
		}
	}`,
	KindPolicy: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["schema_version", "policy_id", "domain", "learned_at", "scope", "risk_level", "validation_status", "confidence", "actions", "success_signals", "evaluation_window_days", "evidence"],
		"additionalProperties": false,
		"properties": {
			"schema_version": {"type": "string"},
			"policy_id": {"type": "string"},
			"domain": {"type": "string"},
			"learned_at": {"type": "string"},
			"scope": {
				"type": "object",
				"required": ["type"],
				"additionalProperties": false,
				"properties": {
					"type": {"type": "string"},
					"keys": {"type": "object"}
				}
			},
			"risk_level": {"type": "string"},
			"validation_status": {"enum": ["sandbox", "candidate", "production", "disabled", "quarantine"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"preconditions": {"type": "array", "items": {"type": "string"}},
			"actions": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["action_type", "dry_run_compatible"],
					"additionalProperties": false,
					"properties": {
						"action_type": {"type": "string"},
						"parameters": {"type": "object"},
						"dry_run_compatible": {"type": "boolean"}
					}
				}
			},
			"constraints": {"type": "array", "items": {"type": "string"}},
			"require_approval": {"type": "boolean"},
			"rollback_plan": {"type": "string"},
			"success_signals": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"exec": {"type": "array", "items": {"type": "string"}},
					"operator": {"type": "array", "items": {"type": "string"}},
					"business": {"type": "array", "items": {"type": "string"}}
				}
			},
			"evaluation_window_days": {"type": "integer", "minimum": 0},
			"expiry_at": {"type": "string"},
			"evidence": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}
