package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acolita/console-e2e/internal/adapters/realfs"
)

const entityMenuYAML = `
name: entity-menu
description: drives the menu and checks the pass count
command: om-expect-tests
args: [--menu]
env:
  OM_DB: test
  LANG: C
default_timeout: 5m
platforms: [linux]
steps:
  - name: menu
    expect: "choice:"
    send_line: "2"
  - name: count
    regex: '# of expected passes\s+(\d+)'
    group: 1
    equals: "476"
    fail_on: ['Error: .*']
  - name: end
    eof: true
expect_exit: 0
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte(entityMenuYAML))
	require.NoError(t, err)

	assert.Equal(t, "entity-menu", sc.Name)
	assert.Equal(t, "om-expect-tests", sc.Command)
	assert.Equal(t, 5*time.Minute, sc.DefaultTimeout)
	assert.Equal(t, []string{"LANG=C", "OM_DB=test"}, sc.EnvList())
	require.NotNil(t, sc.ExpectExit)
	assert.Equal(t, 0, *sc.ExpectExit)

	require.Len(t, sc.Steps, 3)
	assert.Equal(t, `contains("choice:")`, sc.Steps[0].Pattern().String())
	require.NotNil(t, sc.Steps[0].SendLine)
	assert.Equal(t, "2", *sc.Steps[0].SendLine)
	assert.Len(t, sc.Steps[1].failOn, 1)
	assert.Equal(t, "eof()", sc.Steps[2].Pattern().String())
}

func TestParseScenario_EmptySendLine(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: enter
command: om
steps:
  - expect: "Press Enter"
    send_line: ""
`))
	require.NoError(t, err)
	require.NotNil(t, sc.Steps[0].SendLine)
	assert.Equal(t, "", *sc.Steps[0].SendLine)
}

func TestScenarioValidate(t *testing.T) {
	one := "1"
	tests := []struct {
		name    string
		sc      Scenario
		wantErr string
	}{
		{"no name", Scenario{Command: "x", Steps: []Step{{Expect: "a"}}}, "name is required"},
		{"no command", Scenario{Name: "n", Steps: []Step{{Expect: "a"}}}, "command is required"},
		{"no steps", Scenario{Name: "n", Command: "x"}, "at least one step"},
		{"bad regex", Scenario{Name: "n", Command: "x", Steps: []Step{{Regex: "("}}}, "regex"},
		{"two milestones", Scenario{Name: "n", Command: "x", Steps: []Step{{Expect: "a", EOF: true}}}, "only one of expect"},
		{"empty step", Scenario{Name: "n", Command: "x", Steps: []Step{{Name: "noop"}}}, "step does nothing"},
		{"fail_on alone", Scenario{Name: "n", Command: "x", Steps: []Step{{FailOn: []string{"E"}, Send: "x"}}}, "fail_on needs"},
		{"bad fail_on", Scenario{Name: "n", Command: "x", Steps: []Step{{Expect: "a", FailOn: []string{"("}}}}, "fail_on"},
		{"group out of range", Scenario{Name: "n", Command: "x", Steps: []Step{{Regex: "a(b)", Group: 2, Equals: &one}}}, "group 2"},
		{"group on literal", Scenario{Name: "n", Command: "x", Steps: []Step{{Expect: "a", Group: 1}}}, "group needs regex"},
		{"equals on eof", Scenario{Name: "n", Command: "x", Steps: []Step{{EOF: true, Equals: &one}}}, "equals needs"},
		{"two sends", Scenario{Name: "n", Command: "x", Steps: []Step{{Send: "a", Control: "C"}}}, "only one of send"},
		{"long control", Scenario{Name: "n", Command: "x", Steps: []Step{{Control: "CC"}}}, "single character"},
		{"negative timeout", Scenario{Name: "n", Command: "x", Steps: []Step{{Expect: "a", Timeout: -time.Second}}}, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sc.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScenarioValidate_SendOnlyStep(t *testing.T) {
	sc := Scenario{Name: "n", Command: "x", Steps: []Step{{Control: "C"}}}
	require.NoError(t, sc.Validate())
	assert.Nil(t, sc.Steps[0].Pattern())
}

func TestLoadScenario_NameFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search-menu.yaml")
	writeFile(t, path, "command: om\nsteps:\n  - expect: x\n")

	sc, err := LoadScenario(path, realfs.New())
	require.NoError(t, err)
	assert.Equal(t, "search-menu", sc.Name)
	assert.Equal(t, path, sc.Path)
}

func TestLoadScenario_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadScenario(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "steps: [")
	_, err = LoadScenario(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse scenario")

	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, "name: x\nsteps:\n  - expect: y\n")
	_, err = LoadScenario(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), invalid)
}

func TestExpandPatterns(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "nested", "deep", "b.yaml")
	writeFile(t, a, "")
	writeFile(t, b, "")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")

	paths, err := ExpandPatterns([]string{
		filepath.Join(dir, "**", "*.yaml"),
		a,
		filepath.Join(dir, "none-*.yaml"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, paths)

	_, err = ExpandPatterns([]string{filepath.Join(dir, "absent.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadScenarios_ReportsAllInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.yaml"), "command: om\nsteps:\n  - expect: x\n")
	writeFile(t, filepath.Join(dir, "bad1.yaml"), "steps: [")
	writeFile(t, filepath.Join(dir, "bad2.yaml"), "name: x\n")

	scenarios, err := LoadScenarios([]string{filepath.Join(dir, "*.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad1.yaml")
	assert.Contains(t, err.Error(), "bad2.yaml")
	require.Len(t, scenarios, 1)
	assert.Equal(t, "good", scenarios[0].Name)
}

func TestStepPatterns(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: menu
command: om
steps:
  - expect: "Main menu"
  - regex: 'passes: (\d+)'
  - eof: true
  - send_line: "q"
`))
	require.NoError(t, err)

	var got []string
	for i := range sc.Steps {
		if p := sc.Steps[i].Pattern(); p != nil {
			got = append(got, p.String())
		} else {
			got = append(got, "")
		}
	}
	want := []string{
		`contains("Main menu")`,
		`regexp("passes: (\\d+)")`,
		"eof()",
		"",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("step patterns mismatch (-want +got):\n%s", diff)
	}
}
