// Package bastion implements the create_bastion and cleanup_bastion actions.
package bastion

import (
	"fmt"

	"github.com/lvonguyen/bastionguard/internal/cloud"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

// Action names.
const (
	ActionCreate  = "create_bastion"
	ActionCleanup = "cleanup_bastion"
)

// Outcome detail keys.
const (
	DetailSkipped   = "skipped"
	DetailCreated   = "created"
	DetailRemoved   = "removed"
	DetailAbsent    = "absent"
	DetailPreserved = "preserved"
)

const (
	defaultNamePrefix   = "bastion-"
	defaultSubnetPrefix = "10.0.255.0/26"
	defaultSKU          = "Basic"

	// Azure caps bastion host names at 80 characters.
	maxNameLength = 80
)

// settings are the handler parameters, read per invocation.
type settings struct {
	namePrefix   string
	subnetPrefix string
	sku          string
	hint         cloud.TargetHint
	retry        retryPolicy
	// cleanup only
	deleteUnmanaged bool
}

func settingsFrom(p remediation.Params) settings {
	return settings{
		namePrefix:   p.String("name_prefix", defaultNamePrefix),
		subnetPrefix: p.String("subnet_prefix", defaultSubnetPrefix),
		sku:          p.String("sku", defaultSKU),
		hint: cloud.TargetHint{
			VNetName:          p.String("vnet_name", ""),
			VNetResourceGroup: p.String("vnet_resource_group", ""),
		},
		retry:           policyFrom(p),
		deleteUnmanaged: p.Bool("delete_unmanaged", false),
	}
}

func bastionName(prefix, vnet string) string {
	name := prefix + vnet
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

func targetDetails(t cloud.Target) map[string]any {
	return map[string]any{
		"vnet":           t.VNetName,
		"resource_group": t.VNetResourceGroup,
	}
}

// failure builds a failed outcome for a cloud error at a named stage.
func failure(stage string, attempts int, err error) remediation.ActionOutcome {
	return remediation.Failed(fmt.Sprintf("%s failed: %v", stage, err), map[string]any{
		"stage":     stage,
		"attempts":  attempts,
		"transient": cloud.IsTransient(err),
		"error":     err.Error(),
	})
}
