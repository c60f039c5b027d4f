package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// CommandName is the logical identifier of an operator command.
type CommandName string

const (
	CmdUnknown   CommandName = ""
	CmdHelp      CommandName = "HELP"
	CmdPair      CommandName = "PAIR"
	CmdUnpair    CommandName = "UNPAIR"
	CmdUseRepo   CommandName = "USE REPO"
	CmdListRepos CommandName = "LISTREPOS"
	CmdStatus    CommandName = "STATUS"
	CmdPlan      CommandName = "PLAN"
	CmdCI        CommandName = "CI"
	CmdScan      CommandName = "SCAN"
	CmdDebt      CommandName = "DEBT"
	CmdReport    CommandName = "REPORT"
	CmdFile      CommandName = "FILE"
	CmdFind      CommandName = "FIND"
	CmdFix       CommandName = "FIX"
	CmdApprove   CommandName = "APPROVE"
	CmdPRs       CommandName = "PRS"
	CmdClosePR   CommandName = "CLOSE:PR"
	CmdComment   CommandName = "COMMENT"
	CmdStop      CommandName = "STOP"
	CmdCancel    CommandName = "CANCEL"
	CmdEdit      CommandName = "EDIT"
	CmdResume    CommandName = "RESUME"
)

// IsTask reports whether the command runs as a long-lived, interruptible task.
func (c CommandName) IsTask() bool {
	switch c {
	case CmdCI, CmdScan, CmdDebt, CmdReport, CmdFix, CmdApprove:
		return true
	}
	return false
}

// Command is a parsed operator message.
type Command struct {
	Name CommandName
	// Args is the argument text after the keyword, used for restarts.
	Args string

	Owner  string
	Repo   string
	Path   string
	Goal   string
	Branch string
	Number int
	Text   string
}

// UsageError is returned when a known command has malformed arguments.
type UsageError struct {
	Command CommandName
	Usage   string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s", e.Usage)
}

var (
	repoPart   = `[A-Za-z0-9_.-]+`
	repoRe     = regexp.MustCompile(`^(` + repoPart + `)(?:/(` + repoPart + `))?$`)
	branchRe   = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	fixRe      = regexp.MustCompile(`^(.+?)\s*\|\s*(.+)$`)
	approveKey = "APPROVE:PR"
)

// ParseCommand maps chat text to a command. A leading "/" and a "@botname"
// suffix on the keyword are ignored, and keywords are case-insensitive.
// Unrecognized text yields CmdUnknown with a nil error.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "/")
	if text == "" {
		return Command{}, nil
	}

	keyword, rest := splitKeyword(text)
	upper := strings.ToUpper(keyword)

	switch upper {
	case "HELP", "START":
		return Command{Name: CmdHelp}, nil
	case "PAIR":
		return Command{Name: CmdPair}, nil
	case "UNPAIR":
		return Command{Name: CmdUnpair}, nil
	case "LISTREPOS", "REPOS":
		return Command{Name: CmdListRepos}, nil
	case "STATUS":
		return Command{Name: CmdStatus}, nil
	case "PLAN":
		return Command{Name: CmdPlan}, nil
	case "CI":
		return Command{Name: CmdCI}, nil
	case "SCAN":
		return Command{Name: CmdScan}, nil
	case "DEBT":
		return Command{Name: CmdDebt}, nil
	case "REPORT":
		return Command{Name: CmdReport}, nil
	case "PRS":
		return Command{Name: CmdPRs}, nil
	case "STOP":
		return Command{Name: CmdStop}, nil
	case "CANCEL":
		return Command{Name: CmdCancel}, nil
	case "RESUME":
		return Command{Name: CmdResume}, nil
	case "USE":
		return parseUseRepo(rest)
	case "FILE":
		if rest == "" {
			return Command{}, &UsageError{CmdFile, "`FILE path/to/file`"}
		}
		return Command{Name: CmdFile, Args: rest, Path: rest}, nil
	case "FIND":
		if rest == "" {
			return Command{}, &UsageError{CmdFind, "`FIND file_name`"}
		}
		return Command{Name: CmdFind, Args: rest, Path: strings.Fields(rest)[0]}, nil
	case "FIX":
		m := fixRe.FindStringSubmatch(rest)
		if m == nil {
			return Command{}, &UsageError{CmdFix, "`FIX path/to/file | goal`"}
		}
		path, goal := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		return Command{Name: CmdFix, Args: path + " | " + goal, Path: path, Goal: goal}, nil
	case approveKey, "APPROVE":
		if !branchRe.MatchString(rest) {
			return Command{}, &UsageError{CmdApprove, "`APPROVE:PR branch-name`"}
		}
		return Command{Name: CmdApprove, Args: rest, Branch: rest}, nil
	case "CLOSE:PR", "CLOSE":
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "#"))
		if err != nil || n <= 0 {
			return Command{}, &UsageError{CmdClosePR, "`CLOSE:PR number`"}
		}
		return Command{Name: CmdClosePR, Args: rest, Number: n}, nil
	case "COMMENT":
		num, body := splitKeyword(rest)
		n, err := strconv.Atoi(strings.TrimPrefix(num, "#"))
		if err != nil || n <= 0 || body == "" {
			return Command{}, &UsageError{CmdComment, "`COMMENT number text`"}
		}
		return Command{Name: CmdComment, Args: rest, Number: n, Text: body}, nil
	case "EDIT":
		if rest == "" {
			return Command{}, &UsageError{CmdEdit, "`EDIT <new approach>`"}
		}
		return Command{Name: CmdEdit, Args: rest, Text: rest}, nil
	}

	return Command{}, nil
}

// Line renders the command back into the text form accepted by ParseCommand.
func (c Command) Line() string {
	name := string(c.Name)
	if c.Name == CmdApprove {
		name = approveKey
	}
	if c.Args == "" {
		return name
	}
	return name + " " + c.Args
}

func parseUseRepo(rest string) (Command, error) {
	usage := &UsageError{CmdUseRepo, "`USE REPO owner/name`"}
	if k, r := splitKeyword(rest); strings.EqualFold(k, "REPO") {
		rest = r
	}
	m := repoRe.FindStringSubmatch(rest)
	if m == nil {
		return Command{}, usage
	}
	cmd := Command{Name: CmdUseRepo, Args: rest}
	if m[2] == "" {
		cmd.Repo = m[1]
	} else {
		cmd.Owner, cmd.Repo = m[1], m[2]
	}
	return cmd, nil
}

// splitKeyword returns the first word (without any "@bot" suffix) and the trimmed remainder.
func splitKeyword(text string) (string, string) {
	text = strings.TrimSpace(text)
	idx := strings.IndexFunc(text, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	keyword, rest := text, ""
	if idx >= 0 {
		keyword, rest = text[:idx], strings.TrimSpace(text[idx+1:])
	}
	if at := strings.Index(keyword, "@"); at > 0 {
		keyword = keyword[:at]
	}
	return keyword, rest
}

// Clip shortens s to at most max runes, appending suffix when it was cut.
func Clip(s string, max int, suffix string) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + suffix
}

// Truncate shortens s to max runes including a trailing "...".
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}
