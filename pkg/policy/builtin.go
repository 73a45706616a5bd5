package policy

// BuiltinRules returns the guardrails that ship with the installer.
func BuiltinRules() []Rule {
	return []Rule{
		protectSystemDiskRule(),
		minimumDiskSizeRule(),
		mountedTargetRule(),
		knownFamilyRule(),
	}
}

// protectSystemDiskRule refuses to flash the disk the running system
// booted from, dry-run or not.
func protectSystemDiskRule() Rule {
	return Rule{
		Name:        "protect-system-disk",
		Description: "Refuses targets that back the running root filesystem",
		Enabled:     true,
		Rego: `package sdburn.guardrails.systemdisk

import rego.v1

deny contains violation if {
	input.system_disk
	violation := {
		"message": sprintf("disk %s backs the running root filesystem", [input.disk]),
		"severity": "error",
	}
}
`,
	}
}

// minimumDiskSizeRule blocks targets too small for the four partition
// layout. Unknown sizes (zero) pass, probing reports them separately.
func minimumDiskSizeRule() Rule {
	return Rule{
		Name:        "minimum-disk-size",
		Description: "Requires at least 16 GiB of target capacity",
		Enabled:     true,
		Rego: `package sdburn.guardrails.disksize

import rego.v1

min_bytes := 17179869184

deny contains violation if {
	input.disk_size_bytes > 0
	input.disk_size_bytes < min_bytes
	violation := {
		"message": sprintf("disk %s is smaller than the required 16 GiB", [input.disk]),
		"severity": "error",
	}
}
`,
	}
}

// mountedTargetRule blocks mounted targets unless the operator opted
// into automatic unmounting.
func mountedTargetRule() Rule {
	return Rule{
		Name:        "mounted-target",
		Description: "Blocks mounted targets without auto-unmount consent",
		Enabled:     true,
		Rego: `package sdburn.guardrails.mounted

import rego.v1

deny contains violation if {
	input.mounted
	not input.auto_unmount
	violation := {
		"message": sprintf("disk %s has mounted partitions and auto-unmount was not requested", [input.disk]),
		"severity": "error",
	}
}

deny contains violation if {
	input.mounted
	input.auto_unmount
	violation := {
		"message": sprintf("disk %s has mounted partitions that will be unmounted", [input.disk]),
		"severity": "warning",
	}
}
`,
	}
}

// knownFamilyRule warns when the image family carries a forbidden data
// partition policy, since the layout silently drops partition four.
func knownFamilyRule() Rule {
	return Rule{
		Name:        "data-partition-policy",
		Description: "Warns when the image family forbids the data partition",
		Enabled:     true,
		Rego: `package sdburn.guardrails.datapolicy

import rego.v1

deny contains violation if {
	input.data_policy == "forbidden"
	violation := {
		"message": sprintf("family %s forbids the data partition, root will extend to the end of the disk", [input.os_family]),
		"severity": "warning",
	}
}
`,
	}
}
