package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fedprobe/internal/core"
	"github.com/3cpo-dev/fedprobe/pkg/api"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorRed   = lipgloss.Color("#ef4444")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorDim   = lipgloss.Color("#6b7280")
	colorAmber = lipgloss.Color("#f59e0b")
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed)
	warnStyle   = lipgloss.NewStyle().Foreground(colorAmber)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func checkOutput(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported output %q (want %s)", format, strings.Join(allowed, ", "))
}

func banner(vo, site string) string {
	return bannerStyle.Render(fmt.Sprintf("[.] Testing VO %s at %s", vo, site))
}

func errorLine(msg string) string {
	return errorStyle.Render("ERROR:") + " " + msg
}

// printResult writes the human readable verdict of one site. Problems go to errw.
func printResult(out, errw io.Writer, r core.SiteResult) {
	o := r.Outcome
	switch o.Status {
	case api.StatusSuccess:
		fmt.Fprintf(out, "%s %s %s\n", okStyle.Render("[+]"), o.Command, dimStyle.Render("-> "+oneLine(o.Diagnostics)))
	case api.StatusFailure:
		fmt.Fprintln(errw, errorLine(fmt.Sprintf("%s: %s failed at %s: %s", o.Site, o.Command, o.Stage, o.Diagnostics)))
	default:
		fmt.Fprintln(errw, errorLine(fmt.Sprintf("%s: %s", o.Site, o.Diagnostics)))
	}
	if r.Err != nil {
		fmt.Fprintln(errw, errorLine(r.Err.Error()))
	}
}

func printSummary(out io.Writer, results []core.SiteResult) {
	passed := 0
	for _, r := range results {
		if r.OK() {
			passed++
		}
	}
	style := okStyle
	if passed != len(results) {
		style = warnStyle
	}
	fmt.Fprintln(out, style.Render(fmt.Sprintf("[=] %d/%d sites passed", passed, len(results))))
}

func reports(results []core.SiteResult) []api.Report {
	out := make([]api.Report, 0, len(results))
	for _, r := range results {
		out = append(out, r.Outcome.Report(r.Err))
	}
	return out
}

func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func statusCell(s api.Status) string {
	switch s {
	case api.StatusSuccess:
		return okStyle.Render(string(s))
	case api.StatusFailure:
		return warnStyle.Render(string(s))
	default:
		return errorStyle.Render(string(s))
	}
}

func historyTable(rows []api.Report) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("STARTED", "SITE", "VO", "STATUS", "STAGE", "INFRA", "TOOK").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range rows {
		infra := r.InfraID
		if r.DestroyError != "" {
			infra += " (leaked)"
		}
		t.Row(
			r.StartedAt.Local().Format(time.DateTime),
			r.Site,
			r.VO,
			statusCell(r.Status),
			r.Stage,
			infra,
			r.Duration.Round(time.Second).String(),
		)
	}
	return t.String()
}

func leaksTable(leaks []api.Leak) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("INFRA", "SITE", "VO", "SINCE", "ERROR").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, l := range leaks {
		t.Row(l.InfraID, l.Site, l.VO, l.RecordedAt.Local().Format(time.DateTime), oneLine(l.Error))
	}
	return t.String()
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}
