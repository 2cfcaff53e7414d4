package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vibeship/eidos/internal/eidos/model"
)

// DeferralLimits caps how long a deferred validation may remain outstanding
// before it counts as overdue, keyed by deferral reason.
var DeferralLimits = map[string]time.Duration{
	"needs_deploy":  24 * time.Hour,
	"needs_data":    48 * time.Hour,
	"needs_human":   72 * time.Hour,
	"async_process": 4 * time.Hour,
}

const defaultMaxDeferral = 24 * time.Hour

// ValidationResult is the control plane's verdict on whether a step's
// after-action fields satisfy the validation gate.
type ValidationResult struct {
	Valid          bool
	Method         string
	Deferred       bool
	Error          string
	DeferralReason string
	MaxWait        time.Duration
}

// ValidateStep checks a step against the validation gate: explicitly
// validated, deferred with a reason, or invalid. A step that fails this
// gate cannot produce distillations.
func ValidateStep(step *model.Step) ValidationResult {
	if step.Validated && step.ValidationMethod != "" {
		return ValidationResult{Valid: true, Method: step.ValidationMethod}
	}

	if strings.HasPrefix(step.ValidationMethod, "deferred:") {
		reason := strings.TrimSpace(strings.TrimPrefix(step.ValidationMethod, "deferred:"))
		if reason == "" {
			return ValidationResult{Valid: false, Error: "deferred validation requires a reason"}
		}
		maxWait, ok := DeferralLimits[reason]
		if !ok {
			maxWait = defaultMaxDeferral
		}
		return ValidationResult{
			Valid:          true,
			Method:         step.ValidationMethod,
			Deferred:       true,
			DeferralReason: reason,
			MaxWait:        maxWait,
		}
	}

	return ValidationResult{Valid: false, Error: "step must be validated or explicitly deferred with a reason"}
}

var positiveValidationCodes = map[string]bool{
	"test:passed": true, "build:success": true, "lint:clean": true,
	"output:expected": true, "error:resolved": true,
	"manual:checked": true, "manual:approved": true,
}

var negativeValidationCodes = map[string]bool{
	"test:failed": true, "build:failed": true, "lint:errors": true,
	"output:unexpected": true, "error:persists": true,
}

// IsPositiveValidation reports whether a validation method code indicates
// the step's action succeeded.
func IsPositiveValidation(method string) bool {
	return positiveValidationCodes[strings.ToLower(method)]
}

// IsNegativeValidation reports whether a validation method code indicates
// the step's action failed.
func IsNegativeValidation(method string) bool {
	return negativeValidationCodes[strings.ToLower(method)]
}

// beforeEnvelope and afterEnvelope mirror the step envelope's mandatory
// fields as validator-tagged structs, letting ValidateBeforeEnvelope and
// ValidateAfterEnvelope reuse go-playground/validator instead of
// hand-rolled presence checks wherever the mandatory-field set grows beyond
// a simple != "" test.
type beforeEnvelope struct {
	Intent     string `validate:"required"`
	Decision   string `validate:"required"`
	Prediction string `validate:"required"`
}

type afterEnvelope struct {
	Result     string `validate:"required"`
	Evaluation string `validate:"required,ne=unknown"`
}

var envelopeValidator = validator.New()

// ValidateBeforeEnvelope checks a step's mandatory before-action fields.
func ValidateBeforeEnvelope(step *model.Step) error {
	if err := envelopeValidator.Struct(beforeEnvelope{
		Intent: step.Intent, Decision: step.Decision, Prediction: step.Prediction,
	}); err != nil {
		return fmt.Errorf("control: before-action envelope incomplete: %w", err)
	}
	return nil
}

// ValidateAfterEnvelope checks a step's mandatory after-action fields,
// including that the validation gate itself passes.
func ValidateAfterEnvelope(step *model.Step) error {
	if err := envelopeValidator.Struct(afterEnvelope{
		Result: step.Result, Evaluation: string(step.Evaluation),
	}); err != nil {
		return fmt.Errorf("control: after-action envelope incomplete: %w", err)
	}
	if result := ValidateStep(step); !result.Valid {
		return fmt.Errorf("control: %s", result.Error)
	}
	return nil
}
