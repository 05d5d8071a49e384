package condition

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() Env {
	return Env{
		Data: map[string]any{
			"eligibilityIssues": true,
			"amount":            1250,
			"priority":          float64(2),
			"payer":             "acme",
			"empty":             "",
			"codes":             []any{"99213"},
		},
		Claim: map[string]any{
			"payer":   "medicare",
			"patient": map[string]any{"age": json.Number("67"), "state": "TX"},
			"authorization_required": false,
		},
		Steps: map[string]map[string]any{
			"denial-classification": {"appealable": true, "category": "coding"},
		},
	}
}

func TestEvaluate(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src  string
		want bool
	}{
		{"eligibilityIssues == true", true},
		{"data.eligibilityIssues == true", true},
		{"eligibilityIssues", true},
		{"!eligibilityIssues", false},
		{"not eligibilityIssues", false},
		{"amount >= 1000", true},
		{"amount > 1250", false},
		{"amount <= 1250.0", true},
		{"priority == 2", true},
		{"priority != 2", false},
		{"payer == 'acme'", true},
		{`claim.payer == "medicare"`, true},
		{"claim.patient.age > 65", true},
		{"patient.state == 'TX'", true},
		{"authorization_required == true", false},
		{"steps.denial-classification.appealable", true},
		{"steps.denial-classification.category == 'coding'", true},
		{"steps.missing-step.anything", false},
		{"missing == null", true},
		{"missing", false},
		{"missing != null", false},
		{"empty", false},
		{"codes", true},
		{"amount > 1000 && payer == 'acme'", true},
		{"amount > 5000 and payer == 'acme'", false},
		{"amount > 5000 || payer == 'acme'", true},
		{"amount > 5000 or missing", false},
		{"!(amount > 5000) && (priority < 3 || missing)", true},
		{"payer > 'aaa'", true},
		{"payer < 5", false},
		{"payer == 5", false},
		{"true", true},
		{"false || null", false},
		{"-1 < 0", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := Evaluate(tt.src, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_dataOverridesClaim(t *testing.T) {
	got, err := Evaluate("payer == 'acme'", testEnv())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate("claim.payer == 'acme'", testEnv())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluate_emptyIsTrue(t *testing.T) {
	got, err := Evaluate("   ", Env{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompile_syntaxErrors(t *testing.T) {
	tests := []struct {
		src string
		pos int
	}{
		{"a = 1", 2},
		{"a == ", 5},
		{"(a == 1", 7},
		{"a == 'open", 5},
		{"a & b", 2},
		{"a == 1 b", 7},
		{"data", 0},
		{"steps", 0},
		{"a.", 2},
		{"a == #", 5},
		{"1.2.3 == a", 0},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Compile(tt.src)
			require.Error(t, err)
			var se *SyntaxError
			require.True(t, errors.As(err, &se), "error %T is not *SyntaxError", err)
			assert.Equal(t, tt.pos, se.Pos)
			assert.Equal(t, tt.src, se.Source)
		})
	}
}

func TestCompile_cachesPrograms(t *testing.T) {
	p1, err := Compile("amount > 10")
	require.NoError(t, err)
	p2, err := Compile("  amount > 10 ")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, "amount > 10", p1.Source())
}

func TestProgram_Eval_nilEnv(t *testing.T) {
	p, err := Compile("claim.patient.age > 65 || steps.x.y")
	require.NoError(t, err)
	assert.False(t, p.Eval(Env{}))
}
