package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
)

// Policy gates side-effecting operations against a command allowlist and a
// filesystem scope (the project root and its descendants). Everything outside
// the allowlist or the scope is denied. A Policy is loaded once per session
// and never mutated while the session runs.
type Policy struct {
	root           string
	allowed        map[string]bool
	extraValidated map[string]bool
	pkillProcesses map[string]bool
	initScript     string
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

var chmodModePattern = regexp.MustCompile(`^[ugoa]*\+x$`)

func New(root string, rules policy.SandboxRules) *Policy {
	p := &Policy{
		root:           filepath.Clean(root),
		allowed:        map[string]bool{},
		extraValidated: map[string]bool{},
		pkillProcesses: map[string]bool{},
		initScript:     strings.TrimSpace(rules.InitScript),
	}
	for _, command := range rules.AllowedCommands {
		command = strings.TrimSpace(command)
		if command != "" {
			p.allowed[command] = true
		}
	}
	for _, name := range []string{"pkill", "chmod", "bash", "sh"} {
		p.extraValidated[name] = true
	}
	if p.initScript == "" {
		p.initScript = "init.sh"
	}
	p.extraValidated[p.initScript] = true
	processes := rules.PkillProcesses
	if len(processes) == 0 {
		processes = policy.DefaultPkillProcesses()
	}
	for _, name := range processes {
		name = strings.TrimSpace(name)
		if name != "" {
			p.pkillProcesses[name] = true
		}
	}
	return p
}

func (p *Policy) Root() string {
	return p.root
}

// Check validates a single operation. The command may be a bare name or a
// path; the decision covers the allowlist, command-specific rules and the
// filesystem scope of cwd and every path-like argument.
func (p *Policy) Check(command string, cwd string, args []string) Decision {
	name := filepath.Base(strings.TrimSpace(command))
	if name == "" || name == "." {
		return deny("empty command")
	}
	if !p.allowed[name] {
		return deny("command %q is not in the allowed commands list", name)
	}
	if d := p.checkScopeDir(cwd); !d.Allowed {
		return d
	}
	if p.extraValidated[name] {
		if d := p.checkExtra(name, command, args); !d.Allowed {
			return d
		}
	}
	for _, arg := range args {
		if d := p.checkScopeArg(cwd, arg); !d.Allowed {
			return d
		}
	}
	return allow()
}

// EvaluateShell validates a raw shell line the way proposed agent commands
// arrive: segments split on ';', command position reset after && || | &,
// flags and VAR=value assignments skipped. Lines that cannot be tokenized
// fail closed.
func (p *Policy) EvaluateShell(line string, cwd string) Decision {
	calls, err := extractCalls(line)
	if err != nil || len(calls) == 0 {
		return deny("could not parse command for security validation")
	}
	for _, c := range calls {
		if d := p.Check(c.raw, cwd, c.args); !d.Allowed {
			return d
		}
	}
	return allow()
}

func (p *Policy) checkExtra(name string, command string, args []string) Decision {
	switch name {
	case "pkill":
		return p.checkPkill(args)
	case "chmod":
		return checkChmod(args)
	case "bash", "sh":
		return p.checkShellScript(args)
	case p.initScript:
		return p.checkInitScript(command)
	}
	return allow()
}

func (p *Policy) checkPkill(args []string) Decision {
	var names []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		names = append(names, arg)
	}
	if len(names) == 0 {
		return deny("pkill requires a process name")
	}
	target := names[len(names)-1]
	if i := strings.IndexByte(target, ' '); i >= 0 {
		target = target[:i]
	}
	if p.pkillProcesses[target] {
		return allow()
	}
	return deny("pkill only allowed for dev processes, got %q", target)
}

func checkChmod(args []string) Decision {
	var positional []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		positional = append(positional, arg)
	}
	if len(positional) < 2 {
		return deny("chmod requires mode and file")
	}
	mode := positional[0]
	if !chmodModePattern.MatchString(mode) {
		return deny("chmod only allowed with +x mode, got %q", mode)
	}
	return allow()
}

func (p *Policy) checkShellScript(args []string) Decision {
	var script string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		script = arg
		break
	}
	if script == "" {
		return deny("shell command requires a script to run")
	}
	if strings.Contains(script, p.initScript) {
		return allow()
	}
	return deny("bash/sh only allowed for %s, got %q", p.initScript, script)
}

func (p *Policy) checkInitScript(command string) Decision {
	command = strings.TrimSpace(command)
	if command == "./"+p.initScript || strings.HasSuffix(command, "/"+p.initScript) {
		return allow()
	}
	return deny("only ./%s is allowed, got %q", p.initScript, command)
}

func (p *Policy) checkScopeDir(dir string) Decision {
	if strings.TrimSpace(dir) == "" {
		return allow()
	}
	if !p.within(p.resolve(p.root, dir)) {
		return deny("working directory %q is outside the sandbox root", dir)
	}
	return allow()
}

func (p *Policy) checkScopeArg(cwd string, arg string) Decision {
	value := arg
	if i := strings.Index(value, "="); i >= 0 && strings.HasPrefix(value, "-") {
		value = value[i+1:]
	}
	if value == "" || strings.Contains(value, "://") {
		return allow()
	}
	if strings.HasPrefix(value, "~") {
		return deny("path %q is outside the sandbox root", arg)
	}
	escaping := strings.HasPrefix(value, "/") || strings.Contains(value, "..")
	if !escaping {
		return allow()
	}
	base := p.root
	if strings.TrimSpace(cwd) != "" {
		base = p.resolve(p.root, cwd)
	}
	if !p.within(p.resolve(base, value)) {
		return deny("path %q is outside the sandbox root", arg)
	}
	return allow()
}

func (p *Policy) resolve(base string, value string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Clean(filepath.Join(base, value))
}

func (p *Policy) within(path string) bool {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

type call struct {
	raw  string
	args []string
}

func extractCalls(line string) ([]call, error) {
	var calls []call
	for _, segment := range splitSegments(line) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		tokens, err := splitTokens(segment)
		if err != nil {
			return nil, err
		}
		expectCommand := true
		var current *call
		for _, token := range tokens {
			switch token {
			case "|", "||", "&&", "&":
				expectCommand = true
				current = nil
				continue
			}
			if isShellKeyword(token) {
				continue
			}
			if strings.HasPrefix(token, "-") {
				if current != nil {
					current.args = append(current.args, token)
				}
				continue
			}
			if strings.Contains(token, "=") && !strings.HasPrefix(token, "=") && expectCommand {
				continue
			}
			if expectCommand {
				calls = append(calls, call{raw: token})
				current = &calls[len(calls)-1]
				expectCommand = false
				continue
			}
			if current != nil {
				current.args = append(current.args, token)
			}
		}
	}
	return calls, nil
}

func isShellKeyword(token string) bool {
	switch token {
	case "if", "then", "else", "elif", "fi", "for", "while", "until", "do", "done", "case", "esac", "in", "!", "{", "}":
		return true
	}
	return false
}

// splitSegments splits on ';' outside quotes.
func splitSegments(line string) []string {
	var segments []string
	var current strings.Builder
	inSingle := false
	inDouble := false
	for _, r := range line {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(r)
		case r == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(r)
		case r == ';' && !inSingle && !inDouble:
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	segments = append(segments, current.String())
	return segments
}

// splitTokens tokenizes a segment with shell-style quoting. Unterminated
// quotes and trailing escapes are errors so callers can fail closed.
func splitTokens(segment string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	hasToken := false
	inSingle := false
	inDouble := false
	escaped := false
	for _, r := range segment {
		if escaped {
			current.WriteRune(r)
			hasToken = true
			escaped = false
			continue
		}
		switch {
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			hasToken = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			hasToken = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if escaped {
		return nil, fmt.Errorf("trailing escape")
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote")
	}
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
