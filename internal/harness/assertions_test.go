package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func intp(n int) *int    { return &n }
func boolp(b bool) *bool { return &b }

func TestCheckStep(t *testing.T) {
	ok := StepResult{Step: 2, Action: "deliver", Outcome: OutcomeOK, Quantity: 4, Paid: "20.0", Status: "ACTIVE"}
	rejected := StepResult{Step: 3, Action: "cancel", Outcome: "VALIDATION", Err: errors.New("cancel VALIDATION: actor is not the placer")}

	tests := []struct {
		name string
		res  StepResult
		exp  *StepExpect
		want []string
	}{
		{name: "nil_expect_success", res: ok},
		{
			name: "nil_expect_failure",
			res:  rejected,
			want: []string{"step 3 (cancel): expected OK, got VALIDATION: cancel VALIDATION: actor is not the placer"},
		},
		{
			name: "decimal_values_compare_numerically",
			res:  ok,
			exp:  &StepExpect{Paid: "20", Quantity: intp(4), Status: "ACTIVE"},
		},
		{
			name: "mismatches",
			res:  ok,
			exp:  &StepExpect{Paid: "21", Quantity: intp(5), Deleted: boolp(true)},
			want: []string{
				"step 2 (deliver): quantity: expected 5, got 4",
				"step 2 (deliver): paid: expected 21, got 20.0",
				"step 2 (deliver): deleted: expected true, got false",
			},
		},
		{
			name: "expected_error",
			res:  rejected,
			exp:  &StepExpect{Code: "VALIDATION", Error: "not the placer"},
		},
		{
			name: "wrong_error_text",
			res:  rejected,
			exp:  &StepExpect{Code: "VALIDATION", Error: "insufficient funds"},
			want: []string{`step 3 (cancel): expected error containing "insufficient funds", got cancel VALIDATION: actor is not the placer`},
		},
		{
			name: "outcome_counts",
			res:  StepResult{Step: 1, Action: "concurrent", Outcome: OutcomeOK, Outcomes: map[string]int{"OK": 1, "UNAVAILABLE": 2}},
			exp:  &StepExpect{Outcomes: map[string]int{"OK": 1, "DESYNC": 1}},
			want: []string{
				"step 1 (concurrent): outcome DESYNC: expected 1, got 0",
				"step 1 (concurrent): outcome UNAVAILABLE: expected 0, got 2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checkStep(tt.res, tt.exp))
		})
	}
}

func TestParseItem(t *testing.T) {
	plain, err := parseItem("diamond")
	assert.NoError(t, err)
	assert.Equal(t, "diamond", plain.Type)

	keyed, err := parseItem(`{"type":"sword","meta":{"enchant":"sharpness"}}`)
	assert.NoError(t, err)
	assert.Equal(t, "sharpness", keyed.Meta["enchant"])

	_, err = parseItem("{broken")
	assert.Error(t, err)
}

func TestDecimalMatches(t *testing.T) {
	assert.True(t, decimalMatches("10", "10.00"))
	assert.False(t, decimalMatches("10", "10.01"))
	assert.False(t, decimalMatches("10", ""))
	assert.False(t, decimalMatches("ten", "10"))
}
