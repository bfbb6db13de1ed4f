// Package risk classifies tool invocations and task plans into risk levels.
// All functions are pure; unknown inputs fail safe to LevelHigh.
package risk

import (
	"path"
	"strings"
	"time"
)

// Level is the assessed risk of an operation.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Plan-level thresholds.
const (
	highCostThreshold   = 1.00  // USD
	mediumCostThreshold = 0.10  // USD
	highDurationSec     = 300.0 // seconds
	mediumDurationSec   = 30.0
	mediumTaskCount     = 3

	// autoApproveCostCap is exclusive: cost must be strictly below it.
	autoApproveCostCap = 0.10
)

// Approval decision windows per level. Low-risk operations need none.
const (
	mediumApprovalTimeout = 300 * time.Second
	highApprovalTimeout   = 600 * time.Second
)

// lowCommands are read/search/info operations.
var lowCommands = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"ls": true, "find": true, "grep": true, "rg": true, "ag": true,
	"wc": true, "stat": true, "file": true, "which": true, "whereis": true,
	"pwd": true, "env": true, "printenv": true, "whoami": true, "id": true,
	"uname": true, "date": true, "echo": true, "read_file": true,
	"list_files": true, "search_files": true,
}

// mediumCommands are version control, package managers, and interpreters.
var mediumCommands = map[string]bool{
	"git": true, "hg": true, "svn": true,
	"npm": true, "yarn": true, "pnpm": true, "pip": true, "pip3": true,
	"poetry": true, "cargo": true, "go": true, "mvn": true, "gradle": true,
	"python": true, "python3": true, "node": true, "ruby": true, "perl": true,
	"bash": true, "sh": true, "zsh": true,
}

// highCommands are compilers, archivers, and system-mutating tools.
var highCommands = map[string]bool{
	"gcc": true, "g++": true, "clang": true, "cc": true, "ld": true,
	"make": true, "cmake": true, "ninja": true,
	"tar": true, "zip": true, "unzip": true, "gzip": true, "gunzip": true,
	"dd": true, "mkfs": true, "rm": true, "rmdir": true, "mv": true,
	"chmod": true, "chown": true, "curl": true, "wget": true,
	"docker": true, "kubectl": true, "systemctl": true,
}

// mediumExtensions are code/text extensions safe to write under review.
var mediumExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".go": true, ".rs": true, ".java": true, ".rb": true, ".c": true,
	".cpp": true, ".h": true, ".hpp": true, ".cs": true,
	".md": true, ".txt": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".css": true, ".html": true, ".xml": true, ".sql": true,
}

// highExtensions are native/executable formats.
var highExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".bin": true, ".com": true, ".bat": true, ".cmd": true,
	".ps1": true, ".msi": true, ".deb": true, ".rpm": true,
	".app": true, ".sys": true, ".o": true, ".a": true,
}

// readOnlyTools never mutate state.
var readOnlyTools = map[string]bool{
	"read_file": true, "list_files": true, "search_files": true,
	"list_directory": true, "get_file_info": true, "search": true,
}

// versionSuffix strips a trailing dotted version from a command name
// ("python3.11" → "python3" → "python").
func stripVersion(name string) string {
	for {
		i := strings.LastIndexByte(name, '.')
		if i <= 0 {
			break
		}
		if !isDigits(name[i+1:]) {
			break
		}
		name = name[:i]
	}
	// python3 → python, pip3 stays (it is in the medium set already)
	if strings.HasSuffix(name, "3") && mediumCommands[strings.TrimSuffix(name, "3")] {
		name = strings.TrimSuffix(name, "3")
	}
	return name
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// normalizeCommand strips the leading path and trailing version suffix:
// "/usr/bin/python3.11" → "python".
func normalizeCommand(name string) string {
	base := path.Base(strings.TrimSpace(name))
	return stripVersion(strings.ToLower(base))
}

// AssessTool classifies a tool invocation. Unknown tools are HIGH (fail safe).
func AssessTool(name string, params map[string]any) Level {
	cmd := normalizeCommand(name)

	if cmd == "write_file" || cmd == "create_file" {
		return assessWrite(params)
	}
	if readOnlyTools[cmd] {
		return LevelLow
	}

	// Shell-style tool: risk follows the underlying command.
	if cmd == "execute_command" || cmd == "run_command" || cmd == "shell" {
		if raw, ok := params["command"].(string); ok && raw != "" {
			fields := strings.Fields(raw)
			if len(fields) > 0 {
				cmd = normalizeCommand(fields[0])
			}
		}
	}

	switch {
	case lowCommands[cmd]:
		return LevelLow
	case mediumCommands[cmd]:
		return LevelMedium
	case highCommands[cmd]:
		return LevelHigh
	default:
		return LevelHigh
	}
}

// assessWrite derives write-file risk from the target extension.
func assessWrite(params map[string]any) Level {
	p, _ := params["path"].(string)
	if p == "" {
		p, _ = params["file_path"].(string)
	}
	if p == "" {
		return LevelHigh
	}
	ext := strings.ToLower(path.Ext(p))
	switch {
	case highExtensions[ext]:
		return LevelHigh
	case mediumExtensions[ext]:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// PlanSummary is the subset of a task plan the classifier needs.
type PlanSummary struct {
	TotalCost     float64
	TotalDuration float64 // seconds
	TaskRisks     []Level
}

// AssessPlan classifies a whole plan from its cost, duration, size, and the
// risk of its constituent tasks. Any internal inconsistency yields HIGH.
func AssessPlan(plan PlanSummary) Level {
	anyHigh := false
	anyMedium := false
	for _, r := range plan.TaskRisks {
		switch r {
		case LevelHigh:
			anyHigh = true
		case LevelMedium:
			anyMedium = true
		case LevelLow:
		default:
			// Unrecognized task risk — fail safe.
			return LevelHigh
		}
	}

	if plan.TotalCost > highCostThreshold || plan.TotalDuration > highDurationSec || anyHigh {
		return LevelHigh
	}
	if plan.TotalCost > mediumCostThreshold || plan.TotalDuration > mediumDurationSec ||
		len(plan.TaskRisks) >= mediumTaskCount || anyMedium {
		return LevelMedium
	}
	return LevelLow
}

// AutoApprove reports whether an operation may skip user approval:
// LOW risk and cost strictly below the cap.
func AutoApprove(level Level, cost float64) bool {
	return level == LevelLow && cost < autoApproveCostCap
}

// ApprovalTimeout returns the decision window for a risk level.
// Zero means no approval is required.
func ApprovalTimeout(level Level) time.Duration {
	switch level {
	case LevelMedium:
		return mediumApprovalTimeout
	case LevelHigh:
		return highApprovalTimeout
	default:
		return 0
	}
}
