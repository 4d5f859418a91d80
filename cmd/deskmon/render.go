package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/monitor"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var (
	labelColor   = color.New(color.FgMagenta).SprintFunc()
	runningColor = color.New(color.FgGreen, color.Bold).SprintFunc()
	pausedColor  = color.New(color.FgYellow).SprintFunc()
	reviewColor  = color.New(color.FgCyan).SprintFunc()
	dimColor     = color.New(color.Faint).SprintFunc()
)

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func stateLabel(s string) string {
	switch s {
	case "Running":
		return runningColor(s)
	case "Paused", "Idle":
		return pausedColor(s)
	case string(domain.StatusReview), string(domain.StatusNeedReview), string(domain.StatusNeedRevise):
		return reviewColor(s)
	default:
		return s
	}
}

func renderStatus(w io.Writer, st monitor.Status) {
	line := func(k string, v any) { fmt.Fprintf(w, "%-16s %v\n", labelColor(k+":"), v) }

	if st.User == nil {
		line("User", dimColor("not signed in"))
		return
	}
	mode := "online"
	if st.Offline {
		mode = pausedColor("offline")
	}
	line("User", fmt.Sprintf("%s <%s> (%s)", st.User.Username, st.User.Email, mode))

	switch {
	case st.ActiveTaskID == 0:
		line("Active task", dimColor("none"))
	default:
		state := "Running"
		if st.Paused {
			state = "Paused"
		}
		if st.Idle {
			state = "Idle"
		}
		line("Active task", fmt.Sprintf("#%d %s", st.ActiveTaskID, stateLabel(state)))
		line("Time on task", domain.FormatDuration(st.TimeUsage))
	}
	line("Work time", domain.FormatDuration(st.WorkTime))
	line("Idle threshold", domain.FormatDuration(st.IdleThreshold))
	if st.Window.AppName != "" {
		line("Window", fmt.Sprintf("%s - %s", st.Window.AppName, st.Window.Title))
	}
	line("Productivity", formatStats(st.Stats))
}

func formatStats(s domain.ProductivityStats) string {
	return fmt.Sprintf("%s %.1f%%  %s %.1f%%  neutral %.1f%%",
		runningColor("productive"), s.Productive, pausedColor("non-productive"), s.NonProductive, s.Neutral)
}

func renderTasks(w io.Writer, views []tasks.TaskView) {
	if len(views) == 0 {
		fmt.Fprintln(w, dimColor("No tasks."))
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Project", "Description", "Status", "Elapsed", "Budget"})
	for _, v := range views {
		tw.AppendRow(table.Row{
			v.ID,
			v.ProjectName,
			text.Trim(v.Description, 40),
			stateLabel(v.DisplayStatus),
			v.Elapsed,
			domain.FormatDuration(v.MaxTime),
		})
	}
	tw.Render()
}

func renderRules(w io.Writer, rules []domain.Rule, pending bool) {
	if len(rules) == 0 {
		fmt.Fprintln(w, dimColor("Nothing here."))
		return
	}
	tw := newTable(w)
	typeHeader := "Type"
	if pending {
		typeHeader = "Requested"
	}
	tw.AppendHeader(table.Row{"Application", "Window title", "URL", typeHeader, "Scope"})
	for _, r := range rules {
		typ := r.Type
		if pending {
			typ = r.RequestedType
		}
		scope := "you"
		if r.ForUser == domain.GlobalScope || r.ForUser == "" {
			scope = "everyone"
		}
		tw.AppendRow(table.Row{r.AppName, r.WindowTitle, r.URL, typ.String(), scope})
	}
	tw.Render()
}

func renderLog(w io.Writer, evs []domain.ActivityEvent) {
	if len(evs) == 0 {
		fmt.Fprintln(w, dimColor("No activity logged."))
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Date", "From", "To", "Duration", "Application", "Title"})
	var total int64
	for _, e := range evs {
		start, end := time.Unix(e.Start, 0), time.Unix(e.End, 0)
		app := e.AppName
		if e.AppName == domain.IdleAppName {
			app = dimColor(app)
		}
		title := e.Title
		if e.URL != "" {
			title = e.URL
		}
		tw.AppendRow(table.Row{
			start.Format(domain.DateLayout),
			start.Format("15:04:05"),
			end.Format("15:04:05"),
			domain.FormatDuration(e.End - e.Start),
			app,
			text.Trim(title, 50),
		})
		total += e.End - e.Start
	}
	tw.AppendFooter(table.Row{"", "", "Total", domain.FormatDuration(total), "", ""})
	tw.Render()
}

func renderUsage(w io.Writer, day string, usage []domain.UsageEntry) {
	fmt.Fprintf(w, "%s %s\n", labelColor("Usage for"), day)
	if len(usage) == 0 {
		fmt.Fprintln(w, dimColor("No usage recorded."))
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Application", "URL", "Time", "Class"})
	var total int64
	for _, u := range usage {
		tw.AppendRow(table.Row{u.AppName, u.Domain, domain.FormatDuration(u.Seconds), u.Category})
		total += u.Seconds
	}
	tw.AppendFooter(table.Row{"Total", "", domain.FormatDuration(total), ""})
	tw.Render()
}

func renderEvent(w io.Writer, e events.Event) error {
	var parts []string
	if e.TaskID != 0 {
		parts = append(parts, fmt.Sprintf("task=#%d", e.TaskID))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.App != "" {
		parts = append(parts, fmt.Sprintf("app=%q", e.App))
	}
	if e.Title != "" {
		parts = append(parts, fmt.Sprintf("title=%q", e.Title))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	_, err := fmt.Fprintf(w, "%s %s %s\n", dimColor(time.Now().Format("15:04:05")), labelColor(string(e.Kind)), strings.Join(parts, " "))
	return err
}
