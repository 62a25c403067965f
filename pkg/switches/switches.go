// Package switches resolves runtime switches (booleans, integers,
// enums) from, in priority order, a process-wide kill switch, an
// environment variable, a persisted state-file value, and finally a
// baked-in default. Every parse failure is fail-closed: it returns a
// KernelError rather than silently falling back, so a misconfigured
// environment surfaces as a startup error instead of the wrong default.
package switches

import (
	"os"
	"strconv"
	"strings"

	"github.com/liyecom/governance-kernel/pkg/contracts"
)

// StateReader reads persisted switch values, typically the orchestrator's
// JSON state file. A nil StateReader means no state-file layer exists.
type StateReader interface {
	GetString(key string) (string, bool)
}

// Resolver resolves switches in priority order: kill switch, ENV, state
// file, default.
type Resolver struct {
	KillSwitch bool
	EnvPrefix  string
	State      StateReader
}

// New builds a Resolver. envPrefix is prepended to every key when
// checking the environment, e.g. "GOVERNANCE_" + "AUTONOMY_ENABLED".
func New(envPrefix string, state StateReader) *Resolver {
	return &Resolver{EnvPrefix: envPrefix, State: state}
}

// Bool resolves a boolean switch. The kill switch short-circuits to
// false; otherwise ENV takes priority over state over def. An ENV or
// state value that is present but not one of true/false/1/0/yes/no/on/off
// (case-insensitive) is a fatal configuration error rather than a silent
// fallback.
func (r *Resolver) Bool(key string, def bool) (bool, error) {
	if r.KillSwitch {
		return false, nil
	}
	if raw, ok := os.LookupEnv(r.EnvPrefix + key); ok {
		v, err := parseBool(raw)
		if err != nil {
			return false, contracts.NewConfigError(contracts.CodeEnvBoolInvalid,
				"env "+r.EnvPrefix+key+": "+err.Error())
		}
		return v, nil
	}
	if r.State != nil {
		if raw, ok := r.State.GetString(key); ok {
			v, err := parseBool(raw)
			if err != nil {
				return false, contracts.NewConfigError(contracts.CodeEnvBoolInvalid,
					"state key "+key+": "+err.Error())
			}
			return v, nil
		}
	}
	return def, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, contracts.NewConfigError(contracts.CodeEnvBoolInvalid, "not a boolean: "+raw)
	}
}

// Int resolves an integer switch bounded to [min, max] inclusive. A
// present-but-unparseable or out-of-range ENV/state value is fatal.
func (r *Resolver) Int(key string, def, min, max int) (int, error) {
	resolve := func(raw string) (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, contracts.NewConfigError(contracts.CodeEnvNumberRange, "not an integer: "+raw)
		}
		if n < min || n > max {
			return 0, contracts.NewConfigError(contracts.CodeEnvNumberRange,
				"out of range ["+strconv.Itoa(min)+","+strconv.Itoa(max)+"]: "+raw)
		}
		return n, nil
	}
	if raw, ok := os.LookupEnv(r.EnvPrefix + key); ok {
		return resolve(raw)
	}
	if r.State != nil {
		if raw, ok := r.State.GetString(key); ok {
			return resolve(raw)
		}
	}
	return def, nil
}

// NotifyPolicy is a validated enum of notification verbosity levels.
type NotifyPolicy string

const (
	NotifyNone     NotifyPolicy = "off"
	NotifyFailures NotifyPolicy = "bundle_or_error"
	NotifyAll      NotifyPolicy = "always"
)

var validNotifyPolicies = map[NotifyPolicy]bool{
	NotifyNone: true, NotifyFailures: true, NotifyAll: true,
}

// NotifyPolicy resolves the notification-verbosity switch, rejecting
// any value outside {off, bundle_or_error, always}.
func (r *Resolver) NotifyPolicy(key string, def NotifyPolicy) (NotifyPolicy, error) {
	resolve := func(raw string) (NotifyPolicy, error) {
		p := NotifyPolicy(strings.ToLower(strings.TrimSpace(raw)))
		if !validNotifyPolicies[p] {
			return "", contracts.NewConfigError(contracts.CodeEnvNotifyInvalid, "invalid notify policy: "+raw)
		}
		return p, nil
	}
	if raw, ok := os.LookupEnv(r.EnvPrefix + key); ok {
		return resolve(raw)
	}
	if r.State != nil {
		if raw, ok := r.State.GetString(key); ok {
			return resolve(raw)
		}
	}
	return def, nil
}
