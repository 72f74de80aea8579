package sipfront

import (
	"path"

	"github.com/stellarvoice/voicegw/internal/config"
)

// matchPattern matches s against a routing pattern supporting the wildcards
// "*" (any run) and "?" (any single character). An empty pattern matches
// everything.
func matchPattern(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// routeCall evaluates the ordered routing rules against a call. The first
// matching rule wins; when nothing matches the call is rejected.
func routeCall(rules []config.RoutingRule, caller, called, trunk string, headers map[string]string) config.RoutingRule {
	for _, rule := range rules {
		if !matchPattern(rule.CallerPattern, caller) {
			continue
		}
		if !matchPattern(rule.CalledPattern, called) {
			continue
		}
		if !matchPattern(rule.TrunkPattern, trunk) {
			continue
		}
		if !matchHeaders(rule.HeaderConditions, headers) {
			continue
		}
		return rule
	}
	return config.RoutingRule{Action: config.ActionReject}
}

// matchHeaders requires every condition to match a present header.
func matchHeaders(conditions map[string]string, headers map[string]string) bool {
	for name, pattern := range conditions {
		value, ok := headers[name]
		if !ok || !matchPattern(pattern, value) {
			return false
		}
	}
	return true
}
