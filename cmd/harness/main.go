package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/coordinator"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/orchestrator"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/store"
)

const defaultDBPath = ".harness/harness.db"

type multiValueFlag []string

func (f *multiValueFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *multiValueFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runCommand starts (or resumes) a run and drives the session loop in the
// foreground until a terminal state, the session cap or Ctrl-C.
func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var project string
	var roleName string
	var runID string
	var policyPath string
	var dbPath string
	var maxSessions int
	var dryRun bool

	fs.StringVar(&project, "project", ".", "Project directory")
	fs.StringVar(&roleName, "role", "", "Role for this run (architect|engineer|tester|code_review|security|devops)")
	fs.StringVar(&runID, "run-id", "", "Run identifier (optional)")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .harness/policy.json)")
	fs.StringVar(&dbPath, "db", defaultDBPath, "Path to SQLite DB")
	fs.IntVar(&maxSessions, "max-sessions", 0, "Session cap for this invocation (0 = policy default)")
	fs.BoolVar(&dryRun, "dry-run", false, "Plan only; do not start sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var role model.Role
	if strings.TrimSpace(roleName) != "" {
		parsed, err := model.ParseRole(roleName)
		if err != nil {
			return err
		}
		role = parsed
	}

	service, err := orchestrator.NewService(dbPath)
	if err != nil {
		return err
	}
	defer service.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start, err := service.StartRun(ctx, orchestrator.StartOptions{
		RunID:      runID,
		ProjectDir: project,
		Role:       role,
		PolicyPath: policyPath,
		DryRun:     dryRun,
	})
	if err != nil {
		return err
	}

	if start.Resumed {
		fmt.Printf("Resuming run %s\n", start.RunID)
	} else {
		fmt.Printf("Run ID: %s\n", start.RunID)
	}
	for _, action := range start.Actions {
		fmt.Printf("  - %s\n", action)
	}
	if dryRun {
		fmt.Println("Run planned in dry-run mode.")
		return nil
	}

	result, err := service.RunLoop(ctx, orchestrator.LoopOptions{
		RunID:       start.RunID,
		MaxSessions: maxSessions,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Run %s %s after %d session(s): %s\n", result.RunID, result.Status, result.Sessions, result.Progress)
	return nil
}

// pipelineCommand runs the role pipeline for a project, one run per role.
func pipelineCommand(args []string) error {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	var project string
	var roleNames multiValueFlag
	var policyPath string
	var dbPath string

	fs.StringVar(&project, "project", ".", "Project directory")
	fs.Var(&roleNames, "role", "Role to include (repeatable, or comma-separated; default full pipeline)")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .harness/policy.json)")
	fs.StringVar(&dbPath, "db", defaultDBPath, "Path to SQLite DB")
	if err := fs.Parse(args); err != nil {
		return err
	}

	roles, err := model.ParseRoles(normalizeInputTokens(roleNames))
	if err != nil {
		return err
	}

	service, err := orchestrator.NewService(dbPath)
	if err != nil {
		return err
	}
	defer service.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pipelineCoordinator := coordinator.New(store.NewSQLiteStore(dbPath), service)
	result, runErr := pipelineCoordinator.Run(ctx, coordinator.RunOptions{
		ProjectDir: project,
		Roles:      roles,
		PolicyPath: policyPath,
	})
	if result.PipelineID != "" {
		printPipelineResult(result)
	}
	return runErr
}

func printPipelineResult(result coordinator.RunResult) {
	fmt.Printf("Pipeline %s: %s\n", result.PipelineID, result.Status)
	for _, role := range result.Roles {
		line := fmt.Sprintf("  [%d] %-12s %s", role.Position, role.Role, role.Status)
		if role.RunID != "" {
			line += " run=" + role.RunID
		}
		fmt.Println(line)
	}
}

// watchCommand tails the run's event log, printing new rows as they land.
// Phase transitions additionally ring the bell and trigger --notify-cmd.
func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var runID string
	var project string
	var dbPath string
	var intervalSeconds int
	var bell bool
	var notifyCmd string

	fs.StringVar(&runID, "run-id", "", "Run identifier")
	fs.StringVar(&project, "project", ".", "Project directory (use latest run for this project)")
	fs.StringVar(&dbPath, "db", defaultDBPath, "Path to SQLite DB")
	fs.IntVar(&intervalSeconds, "interval", 2, "Poll interval in seconds")
	fs.BoolVar(&bell, "bell", true, "Emit terminal bell on phase transitions")
	fs.StringVar(&notifyCmd, "notify-cmd", "", "Optional shell command to run on phase transitions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if intervalSeconds <= 0 {
		return fmt.Errorf("--interval must be > 0")
	}

	service, err := orchestrator.NewService(dbPath)
	if err != nil {
		return err
	}
	defer service.Close()
	runID, err = service.ResolveRunID(runID, project)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()

	fmt.Printf("Watching run %s (Ctrl-C to stop)\n", runID)
	var lastID int64
	for {
		events, err := service.RunEvents(runID, 200)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			for i := len(events) - 1; i >= 0; i-- {
				event := events[i]
				if event.ID <= lastID {
					continue
				}
				lastID = event.ID
				printEventLine(event)
				if event.FromState != "" || event.ToState != "" {
					if bell {
						fmt.Print("\a")
					}
					if strings.TrimSpace(notifyCmd) != "" {
						if out, cmdErr := exec.Command("sh", "-c", notifyCmd).CombinedOutput(); cmdErr != nil {
							fmt.Printf("notify-cmd failed: %v (%s)\n", cmdErr, strings.TrimSpace(string(out)))
						}
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nWatch stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func printEventLine(event model.EventRecord) {
	line := fmt.Sprintf("%s  %-16s", event.CreatedAt.Format("15:04:05"), event.EventType)
	if event.FromState != "" || event.ToState != "" {
		line += fmt.Sprintf(" %s -> %s", event.FromState, event.ToState)
	}
	if strings.TrimSpace(event.Message) != "" {
		line += "  " + event.Message
	}
	fmt.Println(line)
}

// tuiCommand renders a periodic full-screen status view.
func tuiCommand(args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	var runID string
	var dbPath string
	var intervalSeconds int
	fs.StringVar(&runID, "run-id", "", "Specific run to monitor (optional)")
	fs.StringVar(&dbPath, "db", defaultDBPath, "Path to SQLite DB")
	fs.IntVar(&intervalSeconds, "interval", 2, "Refresh interval in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if intervalSeconds <= 0 {
		return fmt.Errorf("--interval must be > 0")
	}

	service, err := orchestrator.NewService(dbPath)
	if err != nil {
		return err
	}
	defer service.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		printTUIFrameHeader(runID, intervalSeconds)
		if strings.TrimSpace(runID) != "" {
			status, err := service.RunStatus(ctx, runID)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println(status)
			}
		} else {
			runs, err := service.ActiveRuns()
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else if len(runs) == 0 {
				fmt.Println("No active runs.")
				fmt.Println("Tip: start one with `harness run --project DIR`.")
			} else {
				for i, run := range runs {
					if i > 0 {
						fmt.Println(strings.Repeat("-", 72))
					}
					status, err := service.RunStatus(ctx, run.RunID)
					if err != nil {
						fmt.Printf("run=%s error=%v\n", run.RunID, err)
						continue
					}
					fmt.Println(status)
				}
			}
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nTUI monitor stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func printTUIFrameHeader(runID string, intervalSeconds int) {
	fmt.Print("\033[H\033[2J")
	fmt.Printf("harness tui monitor  now=%s  interval=%ds\n", time.Now().Format(time.RFC3339), intervalSeconds)
	if strings.TrimSpace(runID) != "" {
		fmt.Printf("scope: run=%s\n", runID)
	} else {
		fmt.Println("scope: active runs")
	}
	fmt.Println(strings.Repeat("=", 72))
}

func normalizeInputTokens(values []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			out = append(out, token)
		}
	}
	return out
}

func emptyValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func printUsage() {
	fmt.Println("harness - autonomous multi-session coding agent harness")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  harness run --project DIR [--role engineer] [--max-sessions N] [--dry-run]")
	fmt.Println("  harness pipeline --project DIR [--role architect --role engineer ...]")
	fmt.Println("  harness status [--run-id RUN_ID | --project DIR]")
	fmt.Println("  harness stop [--run-id RUN_ID | --project DIR]")
	fmt.Println("  harness ls [--limit N]")
	fmt.Println("  harness ledger validate|show|next [--project DIR]")
	fmt.Println("  harness sandbox check --command \"npm test\" [--project DIR]")
	fmt.Println("  harness checkpoints [--run-id RUN_ID | --project DIR]")
	fmt.Println("  harness events [--run-id RUN_ID | --project DIR]")
	fmt.Println("  harness policy-init [--path .harness/policy.json]")
	fmt.Println("  harness policy-show [--policy PATH]")
	fmt.Println("  harness doctor")
	fmt.Println("  harness watch [--run-id RUN_ID | --project DIR]")
	fmt.Println("  harness tui [--run-id RUN_ID] [--interval 2]")
}
