package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Printer renders progress snapshots for humans. On a terminal it rewrites
// a single colored status line in place; on a pipe it emits one plain line
// per snapshot so logs stay greppable.
type Printer struct {
	out   io.Writer
	tty   bool
	green func(format string, a ...interface{}) string
	red   func(format string, a ...interface{}) string
	cyan  func(format string, a ...interface{}) string
}

// NewPrinter builds a printer for out, detecting whether it is a terminal.
func NewPrinter(out io.Writer) *Printer {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	p := &Printer{out: out, tty: tty}
	if tty {
		p.green = color.New(color.FgGreen).SprintfFunc()
		p.red = color.New(color.FgRed).SprintfFunc()
		p.cyan = color.New(color.FgCyan).SprintfFunc()
	} else {
		p.green = fmt.Sprintf
		p.red = fmt.Sprintf
		p.cyan = fmt.Sprintf
	}
	return p
}

// Print renders one snapshot.
func (p *Printer) Print(stats Stats) {
	line := p.formatLine(stats)
	if p.tty {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		return
	}
	fmt.Fprintln(p.out, line)
}

// Finish terminates the in-place status line so following output starts
// on a fresh line. No-op for non-terminal writers.
func (p *Printer) Finish() {
	if p.tty {
		fmt.Fprintln(p.out)
	}
}

func (p *Printer) formatLine(stats Stats) string {
	var errCount int64
	for _, n := range stats.ErrorsByKind {
		errCount += n
	}

	parts := []string{
		p.green("%d papers", stats.PapersFetched),
		fmt.Sprintf("%d pages", stats.PagesFetched),
		p.cyan("%.1f papers/min", stats.PapersPerMinute),
	}
	if summary := taskSummary(stats.TasksByStatus); summary != "" {
		parts = append(parts, summary)
	}
	if errCount > 0 {
		parts = append(parts, p.red("%d errors", errCount))
	}
	return strings.Join(parts, " | ")
}

// taskSummary renders status counts in a stable order.
func taskSummary(byStatus map[string]int64) string {
	if len(byStatus) == 0 {
		return ""
	}
	statuses := make([]string, 0, len(byStatus))
	for status, n := range byStatus {
		if n > 0 {
			statuses = append(statuses, status)
		}
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", byStatus[status], strings.ToLower(status)))
	}
	return strings.Join(parts, ", ")
}
