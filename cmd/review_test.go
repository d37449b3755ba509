package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func parseReviewFlags(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	fs := pflag.NewFlagSet("review", pflag.ContinueOnError)
	addReviewFlags(fs)
	require.NoError(t, fs.Parse(args))
	return reviewFlags(fs)
}

func TestReviewFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]any
	}{
		{
			name: "nothing set",
			args: []string{"-m", "hi"},
			want: map[string]any{},
		},
		{
			name: "votes and submit",
			args: []string{"-m", "looks good", "--code-review", "2", "--submit"},
			want: map[string]any{"code-review": 2, "submit": true},
		},
		{
			name: "zero vote is still sent",
			args: []string{"--verified", "0"},
			want: map[string]any{"verified": 0},
		},
		{
			name: "explicit false bool is dropped",
			args: []string{"--abandon=false", "--restore"},
			want: map[string]any{"restore": true},
		},
		{
			name: "label and notify",
			args: []string{"--label", "Workflow=1", "--notify", "NONE"},
			want: map[string]any{"label": "Workflow=1", "notify": "NONE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReviewFlags(t, tt.args...)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReviewFlags_BadLabel(t *testing.T) {
	_, err := parseReviewFlags(t, "--label", "Workflow")
	require.ErrorContains(t, err, "NAME=VALUE")
}

func TestPrintQueryResult(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printQueryResult(&out, "12345", map[string]any{"number": "12345", "status": "NEW"}, true))
	require.JSONEq(t, `{"number":"12345","status":"NEW"}`, out.String())

	err := printQueryResult(&out, "999", nil, false)
	require.EqualError(t, err, "change 999 not found")
}
