package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAllowsPlainComputation(t *testing.T) {
	policy := DefaultPolicy()
	code := `
import math
import statistics

values = [1.0, 2.5, 3.7]
mean = statistics.mean(values)
print("VERDICT: SUPPORTED" if mean > 2 else "VERDICT: REFUTED")
`
	assert.Nil(t, policy.Check(code))
}

func TestPolicyRejectsDeniedImports(t *testing.T) {
	policy := DefaultPolicy()
	cases := []struct {
		name string
		code string
	}{
		{"plain import", "import os"},
		{"from import", "from subprocess import run"},
		{"dotted import", "import os.path"},
		{"socket", "import socket"},
		{"pickle", "import pickle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := policy.Check(tc.code)
			require.NotNil(t, v)
			assert.Equal(t, "dangerous_import", v.Rule)
			assert.Equal(t, 1, v.Line)
		})
	}
}

func TestPolicyRejectsDynamicCode(t *testing.T) {
	policy := DefaultPolicy()
	v := policy.Check("x = 1\nresult = eval('x + 1')\n")
	require.NotNil(t, v)
	assert.Equal(t, "dangerous_call", v.Rule)
	assert.Equal(t, 2, v.Line)
	assert.Contains(t, v.Detail, "eval")
}

func TestPolicyRejectsPathEscape(t *testing.T) {
	policy := DefaultPolicy()

	v := policy.Check(`data = read_csv("../../secrets.csv")`)
	require.NotNil(t, v)
	assert.Equal(t, "path_escape", v.Rule)

	v = policy.Check(`path = "/etc/passwd"`)
	require.NotNil(t, v)
	assert.Equal(t, "path_escape", v.Rule)
}

func TestPolicyRejectsWriteModeOpen(t *testing.T) {
	policy := DefaultPolicy()
	v := policy.Check(`f = open("out.txt", "w")`)
	require.NotNil(t, v)
	assert.Equal(t, "file_write", v.Rule)

	policy.AllowFileWrite = true
	assert.Nil(t, policy.Check(`f = open("out.txt", "w")`))
}

func TestPolicyNetworkKeywordsToggles(t *testing.T) {
	policy := DefaultPolicy()
	v := policy.Check(`url = "http://example.com/data"`)
	require.NotNil(t, v)
	assert.Equal(t, "network", v.Rule)

	policy.AllowNetwork = true
	assert.Nil(t, policy.Check(`url = "http://example.com/data"`))
}

func TestPolicySkipsCommentsAndBlankLines(t *testing.T) {
	policy := DefaultPolicy()
	code := "# import os would be bad\n\nprint('fine')\n"
	assert.Nil(t, policy.Check(code))
}

func TestViolationReportIsStructured(t *testing.T) {
	policy := DefaultPolicy()
	v := policy.Check("import socket")
	require.NotNil(t, v)
	report := v.Report()
	assert.Contains(t, report, "rule=dangerous_import")
	assert.Contains(t, report, "line=1")
	assert.Contains(t, report, "socket")
}
