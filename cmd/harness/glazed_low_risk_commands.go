package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/orchestrator"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default harness policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type policyShowGlazedCommand struct {
	*cmds.CommandDescription
}

type policyShowSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
}

func newPolicyShowGlazedCommand() (*policyShowGlazedCommand, error) {
	return &policyShowGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-show",
			cmds.WithShort("Print the effective policy"),
			cmds.WithLong("Load the policy file, apply defaults and print the effective configuration."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .harness/policy.json)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *policyShowGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyShowSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, path, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("Policy: %s\n%s\n", path, b)
	return nil
}

var _ cmds.BareCommand = &policyShowGlazedCommand{}

type doctorGlazedCommand struct {
	*cmds.CommandDescription
}

type doctorSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
}

func newDoctorGlazedCommand() (*doctorGlazedCommand, error) {
	return &doctorGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"doctor",
			cmds.WithShort("Check local prerequisites"),
			cmds.WithLong("Verify the binaries and services the harness depends on."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(defaultDBPath),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .harness/policy.json)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *doctorGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &doctorSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	failures := 0
	checkBinary := func(name string, required bool, hint string) {
		if _, err := exec.LookPath(name); err != nil {
			marker := "warn"
			if required {
				marker = "FAIL"
				failures++
			}
			fmt.Printf("  [%s] %s not found (%s)\n", marker, name, hint)
			return
		}
		fmt.Printf("  [ok]   %s\n", name)
	}

	fmt.Println("Binaries:")
	checkBinary("sqlite3", true, "required for the run database")
	checkBinary("git", true, "required for checkpoints")

	cfg, path, err := policy.Load(settings.PolicyPath)
	fmt.Println("Policy:")
	if err != nil {
		failures++
		fmt.Printf("  [FAIL] %s: %v\n", path, err)
	} else {
		fmt.Printf("  [ok]   %s\n", path)
		checkBinary(cfg.Agent.Command, false, "configured agent; sessions will fail without it")
	}

	fmt.Println("Database:")
	service, err := orchestrator.NewService(settings.DBPath)
	if err != nil {
		failures++
		fmt.Printf("  [FAIL] %s: %v\n", settings.DBPath, err)
	} else {
		defer service.Close()
		fmt.Printf("  [ok]   %s\n", settings.DBPath)
		fmt.Println("Notifications:")
		if err := service.NotifyHealth(ctx); err != nil {
			fmt.Printf("  [warn] %v\n", err)
		} else {
			fmt.Println("  [ok]   notification bus")
		}
	}

	if failures > 0 {
		return fmt.Errorf("doctor found %d problem(s)", failures)
	}
	fmt.Println("All checks passed.")
	return nil
}

var _ cmds.BareCommand = &doctorGlazedCommand{}
