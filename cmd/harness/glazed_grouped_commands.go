package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/spf13/cobra"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/ledger"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/orchestrator"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/sandbox"
)

func ledgerFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"project",
			parameters.ParameterTypeString,
			parameters.WithHelp("Project directory"),
			parameters.WithDefault("."),
		),
		parameters.NewParameterDefinition(
			"file",
			parameters.ParameterTypeString,
			parameters.WithHelp("Ledger file name (defaults to the policy's ledger.file)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .harness/policy.json)"),
			parameters.WithDefault(""),
		),
	}
}

type ledgerSettings struct {
	Project    string `glazed.parameter:"project"`
	File       string `glazed.parameter:"file"`
	PolicyPath string `glazed.parameter:"policy"`
}

func resolveLedgerPath(settings *ledgerSettings) (string, error) {
	file := strings.TrimSpace(settings.File)
	if file == "" {
		cfg, _, err := policy.Load(settings.PolicyPath)
		if err != nil {
			return "", err
		}
		file = cfg.Ledger.File
	}
	project, err := filepath.Abs(settings.Project)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return filepath.Join(project, file), nil
}

type ledgerValidateGlazedCommand struct {
	*cmds.CommandDescription
}

func newLedgerValidateGlazedCommand() (*ledgerValidateGlazedCommand, error) {
	return &ledgerValidateGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"validate",
			cmds.WithShort("Validate ledger format"),
			cmds.WithLong("Parse the ledger file and report format violations."),
			cmds.WithFlags(ledgerFlags()...),
		),
	}, nil
}

func (c *ledgerValidateGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &ledgerSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	path, err := resolveLedgerPath(settings)
	if err != nil {
		return err
	}
	records, err := ledger.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid: %s\n", path, ledger.Completion(records))
	return nil
}

var _ cmds.BareCommand = &ledgerValidateGlazedCommand{}

type ledgerShowGlazedCommand struct {
	*cmds.CommandDescription
}

type ledgerShowSettings struct {
	Pending bool `glazed.parameter:"pending"`
}

func newLedgerShowGlazedCommand() (*ledgerShowGlazedCommand, error) {
	flags := append(ledgerFlags(),
		parameters.NewParameterDefinition(
			"pending",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Show only records that are not passing yet"),
			parameters.WithDefault(false),
		),
	)
	return &ledgerShowGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Show ledger records"),
			cmds.WithLong("Print ledger records in priority order with their pass state."),
			cmds.WithFlags(flags...),
		),
	}, nil
}

func (c *ledgerShowGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &ledgerSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	show := &ledgerShowSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, show); err != nil {
		return err
	}
	path, err := resolveLedgerPath(settings)
	if err != nil {
		return err
	}
	records, err := ledger.Load(path)
	if err != nil {
		return err
	}
	for i, record := range records {
		if show.Pending && record.Passes {
			continue
		}
		marker := " "
		if record.Passes {
			marker = "x"
		}
		fmt.Printf("[%3d] [%s] %-14s %s\n", i, marker, record.Category, record.Description)
	}
	fmt.Println(ledger.Completion(records))
	return nil
}

var _ cmds.BareCommand = &ledgerShowGlazedCommand{}

type ledgerNextGlazedCommand struct {
	*cmds.CommandDescription
}

func newLedgerNextGlazedCommand() (*ledgerNextGlazedCommand, error) {
	return &ledgerNextGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"next",
			cmds.WithShort("Show the next pending record"),
			cmds.WithLong("Print the record the next coding session would work on."),
			cmds.WithFlags(ledgerFlags()...),
		),
	}, nil
}

func (c *ledgerNextGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &ledgerSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	path, err := resolveLedgerPath(settings)
	if err != nil {
		return err
	}
	records, err := ledger.Load(path)
	if err != nil {
		return err
	}
	index, ok := ledger.NextPending(records)
	if !ok {
		fmt.Println("All records passing.")
		return nil
	}
	record := records[index]
	fmt.Printf("Next: #%d (%s) %s\n", index, record.Category, record.Description)
	for _, step := range record.Steps {
		fmt.Printf("  - %s\n", step)
	}
	return nil
}

var _ cmds.BareCommand = &ledgerNextGlazedCommand{}

type sandboxCheckGlazedCommand struct {
	*cmds.CommandDescription
}

type sandboxCheckSettings struct {
	Command    string `glazed.parameter:"command"`
	Cwd        string `glazed.parameter:"cwd"`
	Project    string `glazed.parameter:"project"`
	PolicyPath string `glazed.parameter:"policy"`
	RunID      string `glazed.parameter:"run-id"`
	DBPath     string `glazed.parameter:"db"`
}

func newSandboxCheckGlazedCommand() (*sandboxCheckGlazedCommand, error) {
	return &sandboxCheckGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"check",
			cmds.WithShort("Check a command against the sandbox policy"),
			cmds.WithLong("Evaluate a shell line against the sandbox rules; exits non-zero on denial. "+
				"With --run-id the decision is recorded on the run's event log."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"command",
					parameters.ParameterTypeString,
					parameters.WithHelp("Shell line to evaluate"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"cwd",
					parameters.ParameterTypeString,
					parameters.WithHelp("Working directory of the command, relative to the project"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"project",
					parameters.ParameterTypeString,
					parameters.WithHelp("Project directory (sandbox root)"),
					parameters.WithDefault("."),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .harness/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"run-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Record the decision against this run"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(defaultDBPath),
				),
			),
		),
	}, nil
}

func (c *sandboxCheckGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &sandboxCheckSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Command) == "" {
		return fmt.Errorf("--command is required")
	}

	var decision sandbox.Decision
	if strings.TrimSpace(settings.RunID) != "" {
		service, err := orchestrator.NewService(settings.DBPath)
		if err != nil {
			return err
		}
		defer service.Close()
		decision, err = service.CheckOperation(settings.RunID, settings.Command, settings.Cwd)
		if err != nil {
			return err
		}
	} else {
		cfg, _, err := policy.Load(settings.PolicyPath)
		if err != nil {
			return err
		}
		project, err := filepath.Abs(settings.Project)
		if err != nil {
			return fmt.Errorf("resolve project dir: %w", err)
		}
		decision = sandbox.New(project, cfg.Sandbox).EvaluateShell(settings.Command, settings.Cwd)
	}

	if !decision.Allowed {
		return fmt.Errorf("denied: %s", decision.Reason)
	}
	fmt.Println("allowed")
	return nil
}

var _ cmds.BareCommand = &sandboxCheckGlazedCommand{}

func addGroupedCommandTrees(rootCmd *cobra.Command) error {
	ledgerRoot := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger subcommands",
	}
	ledgerValidateCmd, err := newLedgerValidateGlazedCommand()
	if err != nil {
		return err
	}
	ledgerShowCmd, err := newLedgerShowGlazedCommand()
	if err != nil {
		return err
	}
	ledgerNextCmd, err := newLedgerNextGlazedCommand()
	if err != nil {
		return err
	}
	for _, command := range []cmds.Command{ledgerValidateCmd, ledgerShowCmd, ledgerNextCmd} {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return err
		}
		ledgerRoot.AddCommand(cobraCommand)
	}
	rootCmd.AddCommand(ledgerRoot)

	sandboxRoot := &cobra.Command{
		Use:   "sandbox",
		Short: "Sandbox subcommands",
	}
	sandboxCheckCmd, err := newSandboxCheckGlazedCommand()
	if err != nil {
		return err
	}
	sandboxCheckCobraCmd, err := buildGlazedCobraCommand(sandboxCheckCmd)
	if err != nil {
		return err
	}
	sandboxRoot.AddCommand(sandboxCheckCobraCmd)
	rootCmd.AddCommand(sandboxRoot)

	return nil
}
