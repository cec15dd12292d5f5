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

package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/validator"
)

func firewallRule(rule string) []api.FirewallRule {
	enabled := true

	return []api.FirewallRule{{
		UUID:      "2f3a74c6-7da5-4d96-b0f6-8aab0e1b3f01",
		OwnerUUID: "930896af-bf8c-48d4-885c-6573a94b1853",
		Rule:      rule,
		Enabled:   &enabled,
	}}
}

func TestFirewallRuleAccepted(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validator.CheckFirewallRules(firewallRule("FROM any TO all vms ALLOW tcp PORT 22")))
	assert.NoError(t, validator.CheckFirewallRules(firewallRule("FROM subnet 10.0.0.0/8 TO tag role ALLOW udp PORT 53")))
}

func TestFirewallRuleBadUUID(t *testing.T) {
	t.Parallel()

	rules := firewallRule("FROM any TO all vms ALLOW tcp PORT 22")
	rules[0].UUID = "nope"

	apiErr := apiError(t, validator.CheckFirewallRules(rules))
	assert.Equal(t, "ValidationFailed", apiErr.Code())
}

func TestFirewallRuleEnabledRequired(t *testing.T) {
	t.Parallel()

	rules := firewallRule("FROM any TO all vms ALLOW tcp PORT 22")
	rules[0].Enabled = nil

	apiErr := apiError(t, validator.CheckFirewallRules(rules))
	assert.Equal(t, "ValidationFailed", apiErr.Code())
	assert.Contains(t, apiErr.Fields()[0].Message, "enabled is required")
}

func TestFirewallRuleGlobalRejected(t *testing.T) {
	t.Parallel()

	rules := firewallRule("FROM any TO all vms ALLOW tcp PORT 22")
	rules[0].Global = true

	assert.Error(t, validator.CheckFirewallRules(rules))
}

func TestFirewallRuleMalformed(t *testing.T) {
	t.Parallel()

	for _, rule := range []string{
		"",
		"ALLOW tcp PORT 22",
		"FROM any ALLOW tcp PORT 22",
		"FROM any TO all vms ALLOW carrier-pigeon PORT 22",
		"FROM martian x TO all vms ALLOW tcp PORT 22",
	} {
		assert.Error(t, validator.CheckFirewallRules(firewallRule(rule)), rule)
	}
}
