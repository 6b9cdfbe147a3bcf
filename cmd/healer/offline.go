package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-healer/internal/classifier"
	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/safety"
)

type classifyResult struct {
	Classification models.Classification `json:"classification"`
	Fingerprint    models.Fingerprint    `json:"fingerprint"`
	RulesVersion   string                `json:"rules_version"`
}

func classifyCmd() *cobra.Command {
	var (
		event     models.FailureEvent
		rulesPath string
	)
	cmd := &cobra.Command{
		Use:   "classify <error text|->",
		Short: "Classify an error text and print its fingerprint",
		Long: `Classify an error text offline with the configured rule table.

Pass "-" to read the error text from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := argOrStdin(cmd, args[0])
			if err != nil {
				return err
			}
			rules, err := classifier.LoadRules(rulesPath)
			if err != nil {
				return err
			}
			c, err := classifier.New(rules)
			if err != nil {
				return err
			}

			event.ErrorText = text
			class, fp := c.Classify(event)
			return writeJSON(cmd.OutOrStdout(), classifyResult{
				Classification: class,
				Fingerprint:    fp,
				RulesVersion:   c.Version(),
			})
		},
	}
	cmd.Flags().StringVar(&event.Source, "source", "cli", "Pipeline source")
	cmd.Flags().StringVar(&event.JobName, "job", "", "Job name")
	cmd.Flags().StringVar(&event.Stage, "stage", "", "Stage name")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Classifier rule file (built-in table when empty)")
	return cmd
}

func assessCmd() *cobra.Command {
	var (
		severity  string
		rulesPath string
	)
	cmd := &cobra.Command{
		Use:   "assess <plan.yaml|->",
		Short: "Score a remediation plan against the safety rules",
		Long: `Assess a remediation plan offline. The plan file is YAML or JSON with
diagnostics, fix, verification, rationale and risk keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			var plan models.RemediationPlan
			if err := yaml.Unmarshal(data, &plan); err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}

			sev := models.Severity(strings.ToLower(severity))
			if sev.Rank() == 0 {
				return fmt.Errorf("unknown severity %q", severity)
			}
			rules, err := safety.LoadRules(rulesPath)
			if err != nil {
				return err
			}
			v, err := safety.New(rules)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v.AssessWeighted(plan, sev))
		},
	}
	cmd.Flags().StringVar(&severity, "severity", string(models.SeverityMedium), "Event severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Safety rule file (built-in table when empty)")
	return cmd
}

func argOrStdin(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
