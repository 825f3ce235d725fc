// Package api holds the public plan types consumed by the CLI and SDK
// users. A plan is an ordered list of bootstrap steps executed against
// a node after it boots.
package api

type StepKind string

const (
	StepScript     StepKind = "script"      // inline script text
	StepScriptFile StepKind = "script_file" // script read from a local file
	StepFile       StepKind = "file"        // plain file upload
	StepSSHKey     StepKind = "ssh_key"     // authorized_keys install
)

type StepSpec struct {
	Kind StepKind `json:"kind" yaml:"kind"`
	// Script holds inline script text for kind=script.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
	// Source is a local path: the script for kind=script_file, the
	// payload for kind=file.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Target is the remote path for kind=file; optional remote script
	// path for the script kinds.
	Target         string   `json:"target,omitempty" yaml:"target,omitempty"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	DeleteAfter    bool     `json:"delete_after,omitempty" yaml:"delete_after,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// Key is public key material for kind=ssh_key.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`
}

type PlanSpec struct {
	Name  string     `json:"name" yaml:"name"`
	Steps []StepSpec `json:"steps" yaml:"steps"`
}

type DeployStatus string

const (
	DeployPending   DeployStatus = "pending"
	DeployRunning   DeployStatus = "running"
	DeploySucceeded DeployStatus = "succeeded"
	DeployFailed    DeployStatus = "failed"
)
