package controlflow

import (
	"testing"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScriptReturn(t *testing.T) {
	tests := []struct {
		name        string
		raw         any
		wantResult  any
		wantControl map[string]any
	}{
		{
			name:       "json object without result is wrapped",
			raw:        `{"foo":1}`,
			wantResult: map[string]any{"foo": float64(1)},
		},
		{
			name:        "json object with result and control",
			raw:         `{"result":5,"control":{"next":[3]}}`,
			wantResult:  float64(5),
			wantControl: map[string]any{"next": []any{float64(3)}},
		},
		{
			name:       "plain string is wrapped",
			raw:        "not json",
			wantResult: "not json",
		},
		{
			name:       "object with result is used as is",
			raw:        map[string]any{"result": "ok"},
			wantResult: "ok",
		},
		{
			name:       "object without result is wrapped",
			raw:        map[string]any{"rows": 2},
			wantResult: map[string]any{"rows": 2},
		},
		{
			name:       "null control is absent",
			raw:        `{"result":true,"control":null}`,
			wantResult: true,
		},
		{
			name:       "json scalar string",
			raw:        `42`,
			wantResult: float64(42),
		},
		{
			name:       "non object value",
			raw:        []int{1, 2},
			wantResult: []int{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret, err := ParseScriptReturn(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, ret.Result)
			assert.Equal(t, tt.wantControl, ret.Control)
		})
	}
}

func TestParseScriptReturn_RejectsNonObjectControl(t *testing.T) {
	_, err := ParseScriptReturn(`{"result":1,"control":[3]}`)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestValidateControlFlow(t *testing.T) {
	tests := []struct {
		name    string
		control map[string]any
		wantErr bool
		want    *Control
	}{
		{name: "empty", control: map[string]any{}, want: &Control{}},
		{name: "null next", control: map[string]any{"next": nil}, want: &Control{HasNext: true}},
		{name: "string entry", control: map[string]any{"next": []any{"a"}}, wantErr: true},
		{name: "fractional entry", control: map[string]any{"next": []any{1.5}}, wantErr: true},
		{name: "zero entry", control: map[string]any{"next": []any{float64(0)}}, wantErr: true},
		{name: "next not array", control: map[string]any{"next": "3"}, wantErr: true},
		{name: "reason not string", control: map[string]any{"reason": 3}, wantErr: true},
		{
			name:    "duplicates collapse",
			control: map[string]any{"next": []any{float64(3), float64(4), float64(3)}, "reason": "branch b"},
			want:    &Control{HasNext: true, Next: []int{3, 4}, Reason: "branch b"},
		},
		{
			name:    "go ints",
			control: map[string]any{"next": []int{7}},
			want:    &Control{HasNext: true, Next: []int{7}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateControlFlow(tt.control)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, models.IsValidationError(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	defaults := []int{5, 6}

	tests := []struct {
		name string
		raw  any
		want Decision
	}{
		{
			name: "no control falls back to dependencies",
			raw:  `{"foo":1}`,
			want: Decision{Mode: ModeDefault, Next: defaults},
		},
		{
			name: "empty next is terminal",
			raw:  `{"result":1,"control":{"next":[],"reason":"done early"}}`,
			want: Decision{Mode: ModeTerminal, Reason: "done early"},
		},
		{
			name: "null next is terminal",
			raw:  `{"result":1,"control":{"next":null}}`,
			want: Decision{Mode: ModeTerminal},
		},
		{
			name: "explicit successors",
			raw:  `{"result":1,"control":{"next":[2,3]}}`,
			want: Decision{Mode: ModeExplicit, Next: []int{2, 3}},
		},
		{
			name: "reason only keeps defaults",
			raw:  `{"result":1,"control":{"reason":"noted"}}`,
			want: Decision{Mode: ModeDefault, Next: defaults, Reason: "noted"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret, err := ParseScriptReturn(tt.raw)
			require.NoError(t, err)

			got, err := Resolve(ret, defaults)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_InvalidControl(t *testing.T) {
	ret, err := ParseScriptReturn(`{"result":1,"control":{"next":["a"]}}`)
	require.NoError(t, err)

	_, err = Resolve(ret, nil)
	assert.True(t, models.IsValidationError(err))
}
