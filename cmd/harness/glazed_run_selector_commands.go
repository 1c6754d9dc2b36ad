package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/orchestrator"
)

const runSelectorLayerSlug = "run-selector"

type runSelectorSettings struct {
	RunID   string `glazed.parameter:"run-id"`
	Project string `glazed.parameter:"project"`
	DBPath  string `glazed.parameter:"db"`
}

func newRunSelectorLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(runSelectorLayerSlug, "Run selector")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"run-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Run identifier"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"project",
			parameters.ParameterTypeString,
			parameters.WithHelp("Project directory (use latest run for this project)"),
			parameters.WithDefault("."),
		),
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to SQLite DB"),
			parameters.WithDefault(defaultDBPath),
		),
	)
	return layer, nil
}

func newRunSelectorCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	runSelectorLayer, err := newRunSelectorLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(runSelectorLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeRunSelector(parsedLayers *layers.ParsedLayers) (*runSelectorSettings, error) {
	settings := &runSelectorSettings{}
	if err := parsedLayers.InitializeStruct(runSelectorLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func resolveRunSelectorToRunID(selector *runSelectorSettings) (*orchestrator.Service, string, error) {
	service, err := orchestrator.NewService(selector.DBPath)
	if err != nil {
		return nil, "", err
	}
	runID, err := service.ResolveRunID(selector.RunID, selector.Project)
	if err != nil {
		service.Close()
		return nil, "", err
	}
	return service, runID, nil
}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc, err := newRunSelectorCommandDescription(
		"status",
		"Print run status",
		"Show status, progress and recent activity for the selected run.",
	)
	if err != nil {
		return nil, err
	}
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	selector, err := initializeRunSelector(parsedLayers)
	if err != nil {
		return err
	}
	service, runID, err := resolveRunSelectorToRunID(selector)
	if err != nil {
		return err
	}
	defer service.Close()
	status, err := service.RunStatus(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Print(status)
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type stopGlazedCommand struct {
	*cmds.CommandDescription
}

func newStopGlazedCommand() (*stopGlazedCommand, error) {
	desc, err := newRunSelectorCommandDescription(
		"stop",
		"Request a graceful stop",
		"Request a stop for the selected run; the loop honors it at the next phase boundary.",
	)
	if err != nil {
		return nil, err
	}
	return &stopGlazedCommand{CommandDescription: desc}, nil
}

func (c *stopGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	selector, err := initializeRunSelector(parsedLayers)
	if err != nil {
		return err
	}
	service, runID, err := resolveRunSelectorToRunID(selector)
	if err != nil {
		return err
	}
	defer service.Close()
	if err := service.StopRun(ctx, runID); err != nil {
		return err
	}
	fmt.Printf("Stop requested for run %s.\n", runID)
	return nil
}

var _ cmds.BareCommand = &stopGlazedCommand{}

type lsGlazedCommand struct {
	*cmds.CommandDescription
}

type lsSettings struct {
	DBPath string `glazed.parameter:"db"`
	Limit  int    `glazed.parameter:"limit"`
}

func newLsGlazedCommand() (*lsGlazedCommand, error) {
	return &lsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"ls",
			cmds.WithShort("List runs"),
			cmds.WithLong("List runs across all projects in the database, newest first."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(defaultDBPath),
				),
				parameters.NewParameterDefinition(
					"limit",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Maximum number of runs to list (0 = all)"),
					parameters.WithDefault(20),
				),
			),
		),
	}, nil
}

func (c *lsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &lsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := orchestrator.NewService(settings.DBPath)
	if err != nil {
		return err
	}
	defer service.Close()
	runs, err := service.ListRuns(settings.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}
	fmt.Printf("%-22s %-10s %-10s %-14s %8s  %s\n", "RUN", "ROLE", "STATUS", "PHASE", "SESSIONS", "PROJECT")
	for _, run := range runs {
		fmt.Printf("%-22s %-10s %-10s %-14s %8d  %s\n",
			run.RunID, emptyValue(string(run.Role), "-"), run.Status, run.Phase, run.SessionCount, run.ProjectDir)
	}
	return nil
}

var _ cmds.BareCommand = &lsGlazedCommand{}

type checkpointsGlazedCommand struct {
	*cmds.CommandDescription
}

type checkpointsSettings struct {
	Limit int `glazed.parameter:"limit"`
}

func newCheckpointsGlazedCommand() (*checkpointsGlazedCommand, error) {
	desc, err := newRunSelectorCommandDescription(
		"checkpoints",
		"List run checkpoints",
		"List recorded checkpoints for the selected run, newest first.",
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Maximum number of checkpoints to list"),
			parameters.WithDefault(20),
		),
	)
	if err != nil {
		return nil, err
	}
	return &checkpointsGlazedCommand{CommandDescription: desc}, nil
}

func (c *checkpointsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeRunSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &checkpointsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, runID, err := resolveRunSelectorToRunID(selector)
	if err != nil {
		return err
	}
	defer service.Close()
	checkpoints, err := service.RunCheckpoints(runID, settings.Limit)
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		fmt.Printf("No checkpoints for run %s.\n", runID)
		return nil
	}
	for _, cp := range checkpoints {
		fmt.Printf("%s  %-12s  %3d/%-3d  %s\n",
			cp.CreatedAt.Format("2006-01-02 15:04:05"), shortRevision(cp.Revision), cp.Passing, cp.Total, cp.Label)
	}
	return nil
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

var _ cmds.BareCommand = &checkpointsGlazedCommand{}

type eventsGlazedCommand struct {
	*cmds.CommandDescription
}

type eventsSettings struct {
	Limit int `glazed.parameter:"limit"`
}

func newEventsGlazedCommand() (*eventsGlazedCommand, error) {
	desc, err := newRunSelectorCommandDescription(
		"events",
		"List run events",
		"List transition and audit events for the selected run, newest first.",
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Maximum number of events to list"),
			parameters.WithDefault(50),
		),
	)
	if err != nil {
		return nil, err
	}
	return &eventsGlazedCommand{CommandDescription: desc}, nil
}

func (c *eventsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	selector, err := initializeRunSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &eventsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, runID, err := resolveRunSelectorToRunID(selector)
	if err != nil {
		return err
	}
	defer service.Close()
	events, err := service.RunEvents(runID, settings.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("No events for run %s.\n", runID)
		return nil
	}
	for _, event := range events {
		printEventLine(event)
	}
	return nil
}

var _ cmds.BareCommand = &eventsGlazedCommand{}
