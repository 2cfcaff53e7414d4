package eidos

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vibeship/eidos/internal/eidos/model"
	"github.com/vibeship/eidos/internal/eidos/store"
)

// PolicyPatch is an externally-sourced policy assertion, bypassing the
// distillation pipeline entirely — a human or an upstream collaborator
// asserting a constraint EIDOS must respect starting now.
type PolicyPatch struct {
	Statement string
	Scope     model.PolicyScope
	Priority  int
}

// PolicyPatchEngine lets an external collaborator register user-sourced
// policies through the same store path distilled policies use. EidosContext
// holds a reference to one rather than implementing it directly, so a host
// can swap in a version that applies additional approval workflow before
// the patch reaches the store.
type PolicyPatchEngine interface {
	ApplyPatch(patch PolicyPatch) (*model.Policy, error)
}

// StorePolicyPatchEngine is the default PolicyPatchEngine: it writes the
// patch straight to the canonical store as a Policy with source=USER.
type StorePolicyPatchEngine struct {
	store *store.Store
}

// ApplyPatch persists patch as a USER-sourced policy.
func (e *StorePolicyPatchEngine) ApplyPatch(patch PolicyPatch) (*model.Policy, error) {
	if patch.Statement == "" {
		return nil, fmt.Errorf("policy patch: statement is required")
	}
	p := &model.Policy{
		PolicyID:  uuid.NewString(),
		Statement: patch.Statement,
		Scope:     patch.Scope,
		Priority:  patch.Priority,
		Source:    model.SourceUser,
		CreatedAt: time.Now(),
	}
	if p.Scope == "" {
		p.Scope = model.ScopeSession
	}
	// Hard user language reads as a hard constraint: absolute wording with
	// no explicit priority lands well above distilled policies.
	if p.Priority == 0 {
		lower := strings.ToLower(p.Statement)
		if strings.Contains(lower, "always") || strings.Contains(lower, "never") {
			p.Priority = 60
		}
	}
	if err := e.store.SavePolicy(p); err != nil {
		return nil, fmt.Errorf("policy patch: %w", err)
	}
	return p, nil
}

// ApplyPolicyPatch runs patch through the configured PolicyPatchEngine.
func (ec *EidosContext) ApplyPolicyPatch(patch PolicyPatch) (*model.Policy, error) {
	return ec.policyPatcher.ApplyPatch(patch)
}

// PatchTrigger names the step/episode signals a PolicyPatchEvaluator may
// key its conditions on. The core guarantees these are populated on the
// episode/step it hands over; what the evaluator does with them is its own
// business.
type PatchTrigger string

const (
	TriggerErrorCount     PatchTrigger = "error_count"
	TriggerPhaseEntry     PatchTrigger = "phase_entry"
	TriggerToolUse        PatchTrigger = "tool_use"
	TriggerFileTouch      PatchTrigger = "file_touch"
	TriggerConfidenceDrop PatchTrigger = "confidence_drop"
	TriggerPatternMatch   PatchTrigger = "pattern_match"
	TriggerStepCount      PatchTrigger = "step_count"
)

// PolicyPatchEvaluator is an external hook consulted after every completed
// step. Patches it returns are applied through the PolicyPatchEngine. A
// nil evaluator means no external policy injection.
type PolicyPatchEvaluator interface {
	Evaluate(episode *model.Episode, step *model.Step) []PolicyPatch
}

// SetPolicyPatchEvaluator registers the external patch hook.
func (ec *EidosContext) SetPolicyPatchEvaluator(e PolicyPatchEvaluator) {
	ec.patchEvaluator = e
}

// MetaQualityGate is an optional external second opinion on candidate
// distillation statements. Absence is pass-through: a nil gate rejects
// nothing.
type MetaQualityGate interface {
	Roast(text, source string) (pass bool, score int)
}

// SetMetaQualityGate registers the external quality gate.
func (ec *EidosContext) SetMetaQualityGate(g MetaQualityGate) {
	ec.metaGate = g
}

func (ec *EidosContext) metaGatePasses(statement string) bool {
	if ec.metaGate == nil {
		return true
	}
	pass, _ := ec.metaGate.Roast(statement, "distillation_engine")
	return pass
}
