package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

func appendStringFlag(args []string, name string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return args
	}
	return append(args, "--"+name, value)
}

func appendIntFlag(args []string, name string, value int, defaultValue int) []string {
	if value == defaultValue {
		return args
	}
	return append(args, fmt.Sprintf("--%s=%d", name, value))
}

func appendBoolFlag(args []string, name string, value bool, defaultValue bool) []string {
	if value == defaultValue {
		return args
	}
	return append(args, fmt.Sprintf("--%s=%t", name, value))
}

type watchGlazedCommand struct {
	*cmds.CommandDescription
}

type watchSettings struct {
	RunID     string `glazed.parameter:"run-id"`
	Project   string `glazed.parameter:"project"`
	DBPath    string `glazed.parameter:"db"`
	Interval  int    `glazed.parameter:"interval"`
	Bell      bool   `glazed.parameter:"bell"`
	NotifyCmd string `glazed.parameter:"notify-cmd"`
}

func newWatchGlazedCommand() (*watchGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Tail run events"),
		cmds.WithLong("Tail the event log for the selected run, printing new events as they land."),
		cmds.WithFlags(
			parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Run identifier"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("project", parameters.ParameterTypeString, parameters.WithHelp("Project directory (use latest run for this project)"), parameters.WithDefault(".")),
			parameters.NewParameterDefinition("db", parameters.ParameterTypeString, parameters.WithHelp("Path to SQLite DB"), parameters.WithDefault(defaultDBPath)),
			parameters.NewParameterDefinition("interval", parameters.ParameterTypeInteger, parameters.WithHelp("Poll interval in seconds"), parameters.WithDefault(2)),
			parameters.NewParameterDefinition("bell", parameters.ParameterTypeBool, parameters.WithHelp("Emit terminal bell on phase transitions"), parameters.WithDefault(true)),
			parameters.NewParameterDefinition("notify-cmd", parameters.ParameterTypeString, parameters.WithHelp("Optional shell command to run on phase transitions"), parameters.WithDefault("")),
		),
	)
	return &watchGlazedCommand{CommandDescription: desc}, nil
}

func (c *watchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &watchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := []string{}
	args = appendStringFlag(args, "run-id", settings.RunID)
	args = appendStringFlag(args, "project", settings.Project)
	args = appendStringFlag(args, "db", settings.DBPath)
	args = appendIntFlag(args, "interval", settings.Interval, 2)
	args = appendBoolFlag(args, "bell", settings.Bell, true)
	args = appendStringFlag(args, "notify-cmd", settings.NotifyCmd)
	return watchCommand(args)
}

var _ cmds.BareCommand = &watchGlazedCommand{}

type tuiGlazedCommand struct {
	*cmds.CommandDescription
}

type tuiSettings struct {
	RunID    string `glazed.parameter:"run-id"`
	DBPath   string `glazed.parameter:"db"`
	Interval int    `glazed.parameter:"interval"`
}

func newTUIGlazedCommand() (*tuiGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"tui",
		cmds.WithShort("Terminal UI monitor"),
		cmds.WithLong("Render a periodic terminal status view for selected or active runs."),
		cmds.WithFlags(
			parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Specific run to monitor (optional)"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("db", parameters.ParameterTypeString, parameters.WithHelp("Path to SQLite DB"), parameters.WithDefault(defaultDBPath)),
			parameters.NewParameterDefinition("interval", parameters.ParameterTypeInteger, parameters.WithHelp("Refresh interval in seconds"), parameters.WithDefault(2)),
		),
	)
	return &tuiGlazedCommand{CommandDescription: desc}, nil
}

func (c *tuiGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &tuiSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := []string{}
	args = appendStringFlag(args, "run-id", settings.RunID)
	args = appendStringFlag(args, "db", settings.DBPath)
	args = appendIntFlag(args, "interval", settings.Interval, 2)
	return tuiCommand(args)
}

var _ cmds.BareCommand = &tuiGlazedCommand{}
