package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/rcmflow/model"
)

// Development agent names. They match the agent_involved values of the
// built-in templates.
const (
	CodingAgent           = "coding-agent"
	EligibilityAgent      = "eligibility-agent"
	ClaimSubmissionAgent  = "claim-submission-agent"
	DenialClassifierAgent = "denial-classifier-agent"
	AppealLetterAgent     = "appeal-letter-agent"
)

// FakeAgent is an in-process agent that validates its input the way the
// deployed agent does and returns canned development results.
type FakeAgent struct {
	name     string
	validate func(model.AgentInput) error
	respond  func(model.AgentInput) map[string]any
	now      func() time.Time
}

// Name implements model.Agent.
func (f *FakeAgent) Name() string { return f.name }

// Invoke implements model.Agent. Input that fails validation is reported as
// a validation failure and is never retried.
func (f *FakeAgent) Invoke(ctx context.Context, input model.AgentInput) (model.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return model.AgentResult{}, model.NewAgentTransientError("invocation cancelled", err)
	}
	if f.validate != nil {
		if err := f.validate(input); err != nil {
			return model.AgentResult{}, model.NewAgentValidationError(err.Error())
		}
	}
	data := f.respond(input)
	data["development_mode"] = true
	data["generated_at"] = f.now().UTC().Format(time.RFC3339)
	return model.AgentResult{
		Status: model.AgentSuccess,
		Data:   data,
		RunID:  uuid.NewString(),
		Extension: map[string]any{
			"model_used": "development_mock",
		},
	}, nil
}

// DevelopmentAgents returns the development fakes of every known agent.
func DevelopmentAgents() []*FakeAgent {
	return []*FakeAgent{
		newCodingAgent(),
		newEligibilityAgent(),
		newClaimSubmissionAgent(),
		newDenialClassifierAgent(),
		newAppealLetterAgent(),
	}
}

func newCodingAgent() *FakeAgent {
	return &FakeAgent{
		name: CodingAgent,
		now:  time.Now,
		respond: func(model.AgentInput) map[string]any {
			return map[string]any{
				"cpt_codes": []any{
					map[string]any{
						"code":        "99213",
						"description": "Office or other outpatient visit for evaluation and management",
						"confidence":  95,
					},
					map[string]any{
						"code":        "36415",
						"description": "Collection of venous blood by venipuncture",
						"confidence":  88,
					},
				},
				"icd_codes": []any{
					map[string]any{
						"code":        "Z00.00",
						"description": "Encounter for general adult medical examination without abnormal findings",
						"confidence":  92,
					},
				},
				"model_used": "development_mock",
			}
		},
	}
}

// newEligibilityAgent reports coverage as active unless the claim marks the
// insurance inactive or requests prior authorization.
func newEligibilityAgent() *FakeAgent {
	return &FakeAgent{
		name: EligibilityAgent,
		now:  time.Now,
		respond: func(in model.AgentInput) map[string]any {
			insurance, _ := lookupMap(in, "insurance")
			status := "active"
			if s, ok := insurance["status"].(string); ok && s != "" {
				status = s
			}
			authRequired, _ := insurance["priorAuthorization"].(bool)
			return map[string]any{
				"eligibility_status":     status,
				"authorization_required": authRequired,
				"eligibilityIssues":      status != "active",
				"copay":                  25,
				"deductible_remaining":   500,
			}
		},
	}
}

func newClaimSubmissionAgent() *FakeAgent {
	return &FakeAgent{
		name: ClaimSubmissionAgent,
		now:  time.Now,
		validate: func(in model.AgentInput) error {
			claim := section(in, "claimData")
			if len(claim) == 0 {
				return fmt.Errorf("missing required field: claimData")
			}
			for _, field := range []string{"claimId", "patientId", "providerId", "serviceDate"} {
				if isEmpty(claim[field]) {
					return fmt.Errorf("missing required claim field: %s", field)
				}
			}
			if isEmpty(claim["services"]) {
				return fmt.Errorf("at least one service must be provided")
			}
			return nil
		},
		respond: func(in model.AgentInput) map[string]any {
			id := fmt.Sprint(section(in, "claimData")["claimId"])
			return map[string]any{
				"claim_id":               id,
				"claimmd_batch_id":       "BATCH-DEV-" + id,
				"claimmd_claim_id":       "CMD-DEV-" + id,
				"submission_status":      "submitted",
				"tracking_number":        "TRK-DEV-" + id,
				"expected_response_time": "24-48 hours",
			}
		},
	}
}

func newDenialClassifierAgent() *FakeAgent {
	return &FakeAgent{
		name: DenialClassifierAgent,
		now:  time.Now,
		validate: func(in model.AgentInput) error {
			denial := section(in, "denialData")
			if len(denial) == 0 {
				return fmt.Errorf("missing required field: denialData")
			}
			if isEmpty(denial["denialReason"]) {
				return fmt.Errorf("missing denial reason")
			}
			if isEmpty(denial["claimId"]) {
				return fmt.Errorf("missing claim ID")
			}
			return nil
		},
		respond: func(in model.AgentInput) map[string]any {
			return map[string]any{
				"claim_id":          fmt.Sprint(section(in, "denialData")["claimId"]),
				"denial_category":   "coding_error",
				"suggested_action":  "recode_and_resubmit",
				"confidence":        0.92,
				"appeal_likelihood": 0.75,
				"prevention_tips": []any{
					"Review CPT code specificity requirements",
					"Ensure diagnosis supports medical necessity",
				},
				"requiresDocumentation": false,
			}
		},
	}
}

func newAppealLetterAgent() *FakeAgent {
	f := &FakeAgent{
		name: AppealLetterAgent,
		now:  time.Now,
		validate: func(in model.AgentInput) error {
			appeal := section(in, "appealData")
			if len(appeal) == 0 {
				return fmt.Errorf("missing required field: appealData")
			}
			if isEmpty(appeal["claimId"]) {
				return fmt.Errorf("missing claim ID")
			}
			if isEmpty(appeal["denialReason"]) {
				return fmt.Errorf("missing denial reason")
			}
			return nil
		},
	}
	f.respond = func(in model.AgentInput) map[string]any {
		appeal := section(in, "appealData")
		id := fmt.Sprint(appeal["claimId"])
		now := f.now()
		letter := fmt.Sprintf("Dear Claims Administrator,\n\nRE: Appeal for Claim #%s\n\n"+
			"We are formally appealing your denial of the above-referenced claim. "+
			"The denial reason cited was %q.\n\n"+
			"The services provided were medically necessary and the enclosed documentation supports them. "+
			"We respectfully request that you reverse your decision and process payment for this claim.\n\n"+
			"Sincerely,\nMedical Billing Department\n", id, fmt.Sprint(appeal["denialReason"]))
		return map[string]any{
			"claim_id":            id,
			"appeal_id":           "APPEAL-DEV-" + id,
			"appeal_letter":       letter,
			"appeal_deadline":     now.AddDate(0, 0, 30).UTC().Format(time.RFC3339),
			"success_probability": 0.75,
			"supporting_documents_needed": []any{
				"Clinical notes from date of service",
				"Diagnostic test results",
				"Medical necessity documentation",
			},
		}
	}
	return f
}

// section resolves a named input object. Working data wins over the claim
// snapshot; when neither carries the key, snapshot and data are merged and
// treated as the object.
func section(in model.AgentInput, key string) map[string]any {
	if m, ok := lookupMap(in, key); ok {
		return m
	}
	merged := make(map[string]any, len(in.Claim)+len(in.Data))
	for k, v := range in.Claim {
		merged[k] = v
	}
	for k, v := range in.Data {
		merged[k] = v
	}
	return merged
}

func lookupMap(in model.AgentInput, key string) (map[string]any, bool) {
	if m, ok := in.Data[key].(map[string]any); ok {
		return m, true
	}
	m, ok := in.Claim[key].(map[string]any)
	return m, ok
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
