package main

import (
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

type legacyPassthroughSpec struct {
	Use     string
	Short   string
	Aliases []string
	Run     func(args []string) error
}

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "harness",
		Short:         "autonomous multi-session coding agent harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	migrated := []cmds.Command{}
	statusCmd, err := newStatusGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, statusCmd)

	stopCmd, err := newStopGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, stopCmd)

	lsCmd, err := newLsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, lsCmd)

	checkpointsCmd, err := newCheckpointsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, checkpointsCmd)

	eventsCmd, err := newEventsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, eventsCmd)

	policyInitCmd, err := newPolicyInitGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, policyInitCmd)

	policyShowCmd, err := newPolicyShowGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, policyShowCmd)

	doctorCmd, err := newDoctorGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, doctorCmd)

	watchCmd, err := newWatchGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, watchCmd)

	tuiCmd, err := newTUIGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, tuiCmd)

	for _, command := range migrated {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	if err := addGroupedCommandTrees(rootCmd); err != nil {
		return nil, err
	}

	legacySpecs := []legacyPassthroughSpec{
		{Use: "run", Short: "Start or resume a run and drive the session loop", Run: runCommand},
		{Use: "pipeline", Short: "Run the role pipeline for a project", Run: pipelineCommand},
	}
	for _, spec := range legacySpecs {
		addLegacyPassthroughCommand(rootCmd, spec)
	}

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

func addLegacyPassthroughCommand(rootCmd *cobra.Command, spec legacyPassthroughSpec) {
	cmd := &cobra.Command{
		Use:                spec.Use,
		Short:              spec.Short,
		Aliases:            spec.Aliases,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return spec.Run(args)
		},
	}
	rootCmd.AddCommand(cmd)
}
