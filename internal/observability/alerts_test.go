package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertFile struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

func loadAlertRules(t *testing.T) map[string]alertRule {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "reconciler.yml"))
	require.NoError(t, err)

	var file alertFile
	require.NoError(t, yaml.Unmarshal(raw, &file))

	rules := map[string]alertRule{}
	for _, group := range file.Groups {
		if group.Name != "reconciler" {
			continue
		}
		for _, rule := range group.Rules {
			rules[rule.Alert] = rule
		}
	}
	require.NotEmpty(t, rules, "reconciler alert group missing")
	return rules
}

func TestReconcilerAlertRules(t *testing.T) {
	rules := loadAlertRules(t)

	cases := []struct {
		alert    string
		severity string
		metric   string
	}{
		{"HighErrorRate", "critical", "reconciler_operations_total"},
		{"MatchFailureSpike", "warning", "reconciler_match_results_total"},
		{"LockContention", "warning", "reconciler_operations_total"},
		{"MissingExchangeRates", "warning", "reconciler_fx_coverage_gaps"},
		{"JobFailures", "warning", "reconciler_jobs_failures_total"},
	}
	require.Len(t, rules, len(cases))

	for _, tc := range cases {
		t.Run(tc.alert, func(t *testing.T) {
			rule, ok := rules[tc.alert]
			require.True(t, ok, "rule missing")
			require.Equal(t, tc.severity, rule.Labels["severity"])
			require.Contains(t, rule.Expr, tc.metric)
			require.NotEmpty(t, rule.For)
			require.NotEmpty(t, rule.Annotations["summary"])

			anchor := "docs/runbook.md#" + strings.ToLower(kebab(tc.alert))
			require.Equal(t, anchor, rule.Annotations["runbook"])
		})
	}
}

func TestRunbookCoversEveryAlert(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook.md"))
	require.NoError(t, err)
	runbook := strings.ToLower(string(raw))

	for name := range loadAlertRules(t) {
		heading := "## " + strings.ReplaceAll(strings.ToLower(kebab(name)), "-", " ")
		require.Contains(t, runbook, heading, "runbook section for %s", name)
	}
}

// kebab turns MatchFailureSpike into Match-Failure-Spike.
func kebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
