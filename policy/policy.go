// Package policy classifies commands before they reach the queue.
//
// Classification is table-driven: each command type carries its own deny and
// confirm pattern sets. The tables are data, so a hardened profile can swap
// them without touching the classifier.
package policy

import (
	"regexp"

	"github.com/skyform-io/skyform/types"
)

// Verdict is the outcome of classifying one command.
type Verdict string

const (
	// VerdictAllowed lets the command run unattended.
	VerdictAllowed Verdict = "allowed"
	// VerdictConfirm requires an explicit operator confirmation first.
	VerdictConfirm Verdict = "requires_confirmation"
	// VerdictDenied rejects the command outright.
	VerdictDenied Verdict = "denied"
)

// Input is the unit of classification.
type Input struct {
	Command      string
	DeploymentID string
	UserID       string
	Type         types.CommandType
}

// Result carries the verdict and, for non-allowed verdicts, the matching rule.
type Result struct {
	Verdict Verdict
	Reason  string
}

// Rule pairs a pattern with the reason reported on match.
type Rule struct {
	Pattern *regexp.Regexp
	Reason  string
}

// RuleSet is the deny/confirm table for one command type. An empty set allows
// everything.
type RuleSet struct {
	Deny    []Rule
	Confirm []Rule
}

// Tables maps command types to their rule sets. Types absent from the map
// fall back to the shell table, the most restrictive one.
type Tables map[types.CommandType]RuleSet

func mustRule(pattern, reason string) Rule {
	return Rule{Pattern: regexp.MustCompile(pattern), Reason: reason}
}

// sharedDeny applies to every command type: destructive filesystem sweeps,
// fork bombs, and credential exfiltration attempts.
var sharedDeny = []Rule{
	mustRule(`rm\s+(-[a-zA-Z]*\s+)*(/|/\*)(\s|$)`, "recursive removal of the filesystem root"),
	mustRule(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`, "fork bomb"),
	mustRule(`mkfs(\.\w+)?\s`, "reformatting a block device"),
	mustRule(`dd\s+.*of=/dev/`, "writing raw bytes to a device"),
	mustRule(`>\s*/dev/sd[a-z]`, "writing to a raw disk"),
	mustRule(`(cat|curl|scp|base64)\b.*(\.aws/credentials|\.ssh/id_|/etc/shadow)`, "credential exfiltration"),
	mustRule(`(curl|wget)\b.*\|\s*(ba)?sh`, "piping a remote script into a shell"),
	mustRule(`\benv\b.*\|\s*(curl|nc|wget)`, "exfiltrating the process environment"),
	mustRule(`chmod\s+(-[a-zA-Z]*\s+)*777\s+/(\s|$)`, "world-writable filesystem root"),
}

// DefaultTables is the stock classification table set.
var DefaultTables = Tables{
	types.CommandShell: {
		Deny: sharedDeny,
		Confirm: []Rule{
			mustRule(`\brm\s+-[a-zA-Z]*r`, "recursive removal"),
			mustRule(`\bdrop\s+(database|table)\b`, "dropping a database object"),
			mustRule(`\btruncate\s+table\b`, "truncating a table"),
			mustRule(`\bshutdown\b`, "host shutdown"),
		},
	},
	types.CommandIaC: {
		Deny: sharedDeny,
		Confirm: []Rule{
			mustRule(`\bdestroy\b`, "destroying managed infrastructure"),
			mustRule(`state\s+rm\b`, "removing resources from state"),
			mustRule(`\bforce-unlock\b`, "forcing a state unlock"),
		},
	},
	types.CommandProvider: {
		Deny: sharedDeny,
		Confirm: []Rule{
			mustRule(`\bterminate-instances\b`, "terminating compute instances"),
			mustRule(`\bdelete-bucket\b`, "deleting a storage bucket"),
			mustRule(`\bdelete-(stack|cluster|db-instance|table)\b`, "deleting a managed resource"),
			mustRule(`\bdisable-key\b`, "disabling an encryption key"),
		},
	},
	types.CommandDocker: {
		Deny: sharedDeny,
		Confirm: []Rule{
			mustRule(`\bsystem\s+prune\b`, "pruning all unused container data"),
			mustRule(`\b(rm|rmi)\s+-[a-zA-Z]*f`, "force-removing containers or images"),
			mustRule(`\bvolume\s+rm\b`, "removing a volume"),
		},
	},
}

// Validator classifies commands against a table set. The zero value is not
// usable; construct with New.
type Validator struct {
	tables Tables
}

// New creates a Validator. Passing nil uses DefaultTables.
func New(tables Tables) *Validator {
	if tables == nil {
		tables = DefaultTables
	}
	return &Validator{tables: tables}
}

// Classify returns the verdict for one command. It is a pure function of the
// input and the tables.
func (v *Validator) Classify(in Input) Result {
	set, ok := v.tables[in.Type]
	if !ok {
		set = v.tables[types.CommandShell]
	}
	for _, r := range set.Deny {
		if r.Pattern.MatchString(in.Command) {
			return Result{Verdict: VerdictDenied, Reason: r.Reason}
		}
	}
	for _, r := range set.Confirm {
		if r.Pattern.MatchString(in.Command) {
			return Result{Verdict: VerdictConfirm, Reason: r.Reason}
		}
	}
	return Result{Verdict: VerdictAllowed}
}

// Validate classifies and converts a denial into a typed error. Commands
// requiring confirmation pass validation; the queue surfaces the confirmation
// requirement to the operator.
func (v *Validator) Validate(in Input) (Result, error) {
	res := v.Classify(in)
	if res.Verdict == VerdictDenied {
		return res, types.Ef(types.KindValidationRejected, "command rejected: %s", res.Reason)
	}
	return res, nil
}
