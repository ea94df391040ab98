package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

// ruleFile is the YAML document accepted by "rules import".
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name                 string                 `yaml:"name"`
	Description          string                 `yaml:"description"`
	Type                 string                 `yaml:"type"`
	Enabled              *bool                  `yaml:"enabled"`
	Priority             int                    `yaml:"priority"`
	Conditions           map[string]interface{} `yaml:"conditions"`
	BlockDurationMinutes int                    `yaml:"block_duration_minutes"`
	AutoUnblock          bool                   `yaml:"auto_unblock"`
	NotifyOnTrigger      bool                   `yaml:"notify_on_trigger"`
}

// parseRuleFile decodes a rule file and validates every rule's conditions. Unknown keys
// are rejected so typos do not silently disable a condition.
func parseRuleFile(r io.Reader) ([]models.BlockingRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file ruleFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("rule file is empty")
		}
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	rules := make([]models.BlockingRule, 0, len(file.Rules))
	seen := make(map[string]bool, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i+1)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", spec.Name)
		}
		seen[spec.Name] = true

		conditions := spec.Conditions
		if conditions == nil {
			conditions = map[string]interface{}{}
		}
		raw, err := json.Marshal(conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %q: conditions: %w", spec.Name, err)
		}
		rule := models.BlockingRule{
			Name:                 spec.Name,
			Description:          spec.Description,
			RuleType:             spec.Type,
			IsEnabled:            spec.Enabled == nil || *spec.Enabled,
			Priority:             spec.Priority,
			Conditions:           datatypes.JSON(raw),
			BlockDurationMinutes: spec.BlockDurationMinutes,
			AutoUnblock:          spec.AutoUnblock,
			NotifyOnTrigger:      spec.NotifyOnTrigger,
			CreatedBy:            "wardenctl",
		}
		if _, err := services.DecodeConditions(&rule); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (a *app) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage blocking rules",
	}

	var dryRun bool
	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update rules from a YAML file",
		Long: `Create or update blocking rules from a YAML file. Rules are matched by
name; an existing rule keeps its trigger counters.

Example:

  rules:
    - name: SSH brute force
      type: brute_force
      priority: 100
      conditions:
        threshold: 5
        time_window_minutes: 10
      block_duration_minutes: 60
      auto_unblock: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read rule file: %w", err)
			}
			rules, err := parseRuleFile(bytes.NewReader(data))
			if err != nil {
				return err
			}
			for i := range rules {
				if !dryRun {
					if err := a.c.Rules.SaveRule(cmd.Context(), &rules[i]); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s)\n", rules[i].Name, rules[i].RuleType)
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid, nothing saved (dry run)\n", len(rules))
			}
			return nil
		},
	}
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without saving")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.c.Rules.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tNAME\tTYPE\tENABLED\tTRIGGERED")
			for _, r := range rules {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%d\n", r.Priority, r.Name, r.RuleType, r.IsEnabled, r.TimesTriggered)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}
