/*
Copyright 2023-2024 SmartDC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package validator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/server/errors"
)

// firewallTargets are the target kinds the rule DSL accepts on either
// side of FROM/TO.
//
//nolint:gochecknoglobals
var firewallTargets = map[string]bool{
	"any":    true,
	"all":    true,
	"ip":     true,
	"subnet": true,
	"vm":     true,
	"tag":    true,
}

// CheckFirewallRules validates the firewall_rules parameter: an array
// of rule objects, each carrying a UUID, a parsable rule, an owner and
// an enabled flag.  Global rules cannot be managed through this
// surface.
func CheckFirewallRules(rules []api.FirewallRule) error {
	for i := range rules {
		if err := checkFirewallRule(&rules[i]); err != nil {
			return err
		}
	}

	return nil
}

func checkFirewallRule(rule *api.FirewallRule) error {
	if _, err := uuid.Parse(rule.UUID); err != nil {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("firewall_rules", fmt.Sprintf("Invalid rule: uuid %q is not a UUID", rule.UUID)))
	}

	if _, err := uuid.Parse(rule.OwnerUUID); err != nil {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("firewall_rules", fmt.Sprintf("Invalid rule: owner_uuid %q is not a UUID", rule.OwnerUUID)))
	}

	if rule.Enabled == nil {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("firewall_rules", "Invalid rule: enabled is required"))
	}

	if rule.Global {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("firewall_rules", "Invalid rule: global rules may not be created here"))
	}

	if err := parseFirewallRule(rule.Rule); err != nil {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("firewall_rules", fmt.Sprintf("Invalid rule: %s", err)))
	}

	return nil
}

// parseFirewallRule checks the structural form of the rule DSL:
//
//	FROM <targets> TO <targets> (ALLOW|BLOCK) <protocol> ...
func parseFirewallRule(rule string) error {
	if rule == "" {
		return fmt.Errorf("rule must be a non-empty string")
	}

	tokens := strings.Fields(rule)

	if len(tokens) < 6 {
		return fmt.Errorf("rule %q is too short", rule)
	}

	if !strings.EqualFold(tokens[0], "FROM") {
		return fmt.Errorf("rule %q must begin with FROM", rule)
	}

	toIndex := -1

	for i, token := range tokens {
		if strings.EqualFold(token, "TO") {
			toIndex = i

			break
		}
	}

	if toIndex < 2 {
		return fmt.Errorf("rule %q has no TO clause", rule)
	}

	if err := checkFirewallTarget(tokens[1]); err != nil {
		return err
	}

	if toIndex+1 >= len(tokens) {
		return fmt.Errorf("rule %q has an empty TO clause", rule)
	}

	if err := checkFirewallTarget(tokens[toIndex+1]); err != nil {
		return err
	}

	actionIndex := -1

	for i, token := range tokens {
		if strings.EqualFold(token, "ALLOW") || strings.EqualFold(token, "BLOCK") {
			actionIndex = i

			break
		}
	}

	if actionIndex < 0 {
		return fmt.Errorf("rule %q has no ALLOW or BLOCK action", rule)
	}

	if actionIndex+1 >= len(tokens) {
		return fmt.Errorf("rule %q has no protocol", rule)
	}

	switch strings.ToLower(tokens[actionIndex+1]) {
	case "tcp", "udp", "icmp", "icmp6", "ah", "esp":
	default:
		return fmt.Errorf("rule %q has unknown protocol %q", rule, tokens[actionIndex+1])
	}

	return nil
}

// checkFirewallTarget validates a single target expression, which is
// either a bare keyword (any, all) or a parenthesized or plain
// kind/value pair.
func checkFirewallTarget(target string) error {
	kind := strings.ToLower(strings.TrimLeft(target, "("))

	if index := strings.IndexAny(kind, " \t"); index >= 0 {
		kind = kind[:index]
	}

	if !firewallTargets[kind] {
		return fmt.Errorf("unknown target %q", target)
	}

	return nil
}
