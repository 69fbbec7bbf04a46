package rollback

import (
	"encoding/json"
	"time"
)

// StepKind identifies one of the fixed recovery actions.
// The order of the constants is the execution order.
type StepKind int

const (
	StepRemoveTargetDisks StepKind = iota
	StepUnregisterTargetMachine
	StepReleaseTargetResources
	StepVerifySourceConfig
	StepVerifyNetworkConfig
	StepRestartSourceMachine
)

var stepNames = map[StepKind]string{
	StepRemoveTargetDisks:       "remove-target-disks",
	StepUnregisterTargetMachine: "unregister-target-machine",
	StepReleaseTargetResources:  "release-target-resources",
	StepVerifySourceConfig:      "verify-source-config",
	StepVerifyNetworkConfig:     "verify-network-config",
	StepRestartSourceMachine:    "restart-source-machine",
}

var stepDescriptions = map[StepKind]string{
	StepRemoveTargetDisks:       "remove partially copied disk images from the target node",
	StepUnregisterTargetMachine: "remove the machine registration from the target node",
	StepReleaseTargetResources:  "release machine resources on the target node",
	StepVerifySourceConfig:      "verify the machine configuration on the source node",
	StepVerifyNetworkConfig:     "verify the machine network configuration",
	StepRestartSourceMachine:    "restart the machine on the source node",
}

func (k StepKind) String() string {
	if v, ok := stepNames[k]; ok {
		return v
	}

	return "unknown"
}

// Description is the human-readable form of the step.
func (k StepKind) Description() string {
	return stepDescriptions[k]
}

func (k StepKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Step records the outcome of a single recovery action.
type Step struct {
	Kind        StepKind `json:"kind"`
	Description string   `json:"description"`

	Executed bool   `json:"executed"`
	Success  bool   `json:"success"`
	Err      string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Plan is the full recovery record of one failed migration.
// All steps always execute, a failed step never skips the rest.
type Plan struct {
	JobID      string `json:"job_id"`
	Machine    string `json:"machine"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`

	Steps []*Step `json:"steps"`

	// Success is true only when every step succeeded.
	Success bool `json:"success"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func newPlan(jobID, machine, sourceNode, targetNode string) *Plan {
	kinds := []StepKind{
		StepRemoveTargetDisks,
		StepUnregisterTargetMachine,
		StepReleaseTargetResources,
		StepVerifySourceConfig,
		StepVerifyNetworkConfig,
		StepRestartSourceMachine,
	}

	steps := make([]*Step, 0, len(kinds))

	for _, k := range kinds {
		steps = append(steps, &Step{Kind: k, Description: k.Description()})
	}

	return &Plan{
		JobID:      jobID,
		Machine:    machine,
		SourceNode: sourceNode,
		TargetNode: targetNode,
		Steps:      steps,
		StartedAt:  time.Now(),
	}
}

func (p *Plan) clone() *Plan {
	c := *p

	c.Steps = make([]*Step, 0, len(p.Steps))

	for _, s := range p.Steps {
		sc := *s

		c.Steps = append(c.Steps, &sc)
	}

	return &c
}

// Summary is an aggregated view of a recovery plan.
type Summary struct {
	JobID string `json:"job_id"`

	TotalSteps      int `json:"total_steps"`
	ExecutedSteps   int `json:"executed_steps"`
	SuccessfulSteps int `json:"successful_steps"`
	FailedSteps     int `json:"failed_steps"`

	Success bool `json:"success"`
}

func (p *Plan) Summary() *Summary {
	s := Summary{
		JobID:      p.JobID,
		TotalSteps: len(p.Steps),
		Success:    p.Success,
	}

	for _, st := range p.Steps {
		if !st.Executed {
			continue
		}

		s.ExecutedSteps++

		if st.Success {
			s.SuccessfulSteps++
		} else {
			s.FailedSteps++
		}
	}

	return &s
}
