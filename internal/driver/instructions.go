package driver

import (
	"fmt"
	"strings"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

// BuildInstructions renders the mandate as the prompt piped to the agent.
func BuildInstructions(mandate Mandate) string {
	var b strings.Builder
	writeRolePreamble(&b, mandate.Role)
	switch mandate.Kind {
	case model.MandateBootstrap:
		writeBootstrapInstructions(&b, mandate)
	case model.MandateVerification:
		writeVerificationInstructions(&b, mandate)
	default:
		writeIncrementalInstructions(&b, mandate)
	}
	if guidance := strings.TrimSpace(mandate.Guidance); guidance != "" {
		fmt.Fprintf(&b, "\nNote from the previous attempt: %s\n", guidance)
	}
	writeLedgerContract(&b, mandate)
	return b.String()
}

func writeRolePreamble(b *strings.Builder, role model.Role) {
	if strings.TrimSpace(string(role)) == "" {
		return
	}
	guidance := roleGuidance[role]
	if guidance == "" {
		guidance = fmt.Sprintf("Act as the %s for this project.", role)
	}
	b.WriteString(guidance)
	b.WriteString("\n\n")
}

var roleGuidance = map[model.Role]string{
	model.RoleArchitect:  "Act as the software architect. Define the project structure, core abstractions and data flow before any feature work.",
	model.RoleEngineer:   "Act as the implementation engineer. Build working features end to end and keep the project runnable after every change.",
	model.RoleTester:     "Act as the test engineer. Exercise the documented feature steps, add automated checks and fix what they uncover.",
	model.RoleCodeReview: "Act as the code reviewer. Read the existing code for correctness, clarity and consistency, and apply the fixes yourself.",
	model.RoleSecurity:   "Act as the security reviewer. Audit inputs, secrets handling and dependencies, and harden what you find.",
	model.RoleDevops:     "Act as the devops engineer. Make setup, build and run scripts reliable and reproducible.",
}

func writeBootstrapInstructions(b *strings.Builder, mandate Mandate) {
	fmt.Fprintf(b, "You are starting work in a fresh project directory.\n\n")
	if strings.TrimSpace(mandate.SpecFile) != "" {
		fmt.Fprintf(b, "Read %s for the full description of what to build.\n", mandate.SpecFile)
	}
	fmt.Fprintf(b, "Create %s: break the project into concrete, independently testable features.\n", mandate.LedgerFile)
	if mandate.MinRecords > 0 {
		fmt.Fprintf(b, "Produce at least %d feature records covering the entire project.\n", mandate.MinRecords)
	}
	if strings.TrimSpace(mandate.ProgressFile) != "" {
		fmt.Fprintf(b, "Also create %s and record what you did this session.\n", mandate.ProgressFile)
	}
	b.WriteString("After writing the feature list, set up the project skeleton so later sessions can start implementing immediately.\n")
}

func writeIncrementalInstructions(b *strings.Builder, mandate Mandate) {
	if strings.TrimSpace(mandate.ProgressFile) != "" {
		fmt.Fprintf(b, "Read %s first to see where the previous session left off.\n\n", mandate.ProgressFile)
	}
	fmt.Fprintf(b, "Work on exactly one feature this session, feature #%d:\n\n", mandate.TaskIndex)
	fmt.Fprintf(b, "Category: %s\n", mandate.Task.Category)
	fmt.Fprintf(b, "Description: %s\n", mandate.Task.Description)
	if len(mandate.Task.Steps) > 0 {
		b.WriteString("Steps to verify it works:\n")
		for _, step := range mandate.Task.Steps {
			fmt.Fprintf(b, "  - %s\n", step)
		}
	}
	b.WriteString("\nImplement the feature and verify every step above yourself.\n")
	fmt.Fprintf(b, "Only when all steps work, edit %s and set \"passes\": true on this record.\n", mandate.LedgerFile)
	if mandate.MaxPasses > 1 {
		fmt.Fprintf(b, "If you finish early you may complete and mark up to %d records in total, working in list order.\n", mandate.MaxPasses)
	} else {
		b.WriteString("Do not mark any other record passing, even if you touched nearby code.\n")
	}
	if strings.TrimSpace(mandate.ProgressFile) != "" {
		fmt.Fprintf(b, "Before finishing, append a short session note to %s.\n", mandate.ProgressFile)
	}
}

func writeVerificationInstructions(b *strings.Builder, mandate Mandate) {
	b.WriteString("This is a verification session: re-test features that were previously marked passing.\n\n")
	for i, sample := range mandate.Samples {
		index := i
		if i < len(mandate.SampleIndices) {
			index = mandate.SampleIndices[i]
		}
		fmt.Fprintf(b, "Feature #%d: %s\n", index, sample.Description)
		for _, step := range sample.Steps {
			fmt.Fprintf(b, "  - %s\n", step)
		}
	}
	fmt.Fprintf(b, "\nRun through each feature's steps. If a feature no longer works, set its \"passes\" back to false in %s and note what broke.\n", mandate.LedgerFile)
	b.WriteString("Do not mark any new feature passing in this session and do not fix unrelated code.\n")
	if strings.TrimSpace(mandate.ProgressFile) != "" {
		fmt.Fprintf(b, "Record the verification result in %s.\n", mandate.ProgressFile)
	}
}

func writeLedgerContract(b *strings.Builder, mandate Mandate) {
	fmt.Fprintf(b, "\nRules for %s:\n", mandate.LedgerFile)
	b.WriteString("  - the file is a JSON array of records, never wrapped in an object\n")
	b.WriteString("  - each record has exactly: \"category\", \"description\", \"steps\", \"passes\"\n")
	if mandate.Kind == model.MandateBootstrap {
		b.WriteString("  - \"steps\" is an array of strings an engineer can follow by hand\n")
		b.WriteString("  - every new record starts with \"passes\": false\n")
		return
	}
	b.WriteString("  - never add, remove or reorder records\n")
	b.WriteString("  - never edit a record's category, description or steps\n")
	b.WriteString("  - \"passes\" is the only field you may change\n")
}
