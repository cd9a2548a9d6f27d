package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"codeagent/internal/domain"
	"codeagent/internal/orchestrator"
)

func renderWorkflowsTable(table *tview.Table, workflows []domain.Workflow, selectedID string) {
	table.Clear()
	headers := []string{"Workflow", "Status", "Started", "Stage", "Target"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, wf := range workflows {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(wf.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(wf.Status)).SetTextColor(statusColor(string(wf.Status))))
		table.SetCell(row, 2, tview.NewTableCell(wf.StartedAt.Local().Format("15:04:05")))
		table.SetCell(row, 3, tview.NewTableCell(currentStage(wf)))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(workflowTarget(wf), 64)))
		if wf.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func statusColor(status string) tcell.Color {
	switch status {
	case string(domain.WorkflowStatusCompleted):
		return tcell.ColorGreen
	case string(domain.WorkflowStatusFailed):
		return tcell.ColorRed
	case string(domain.WorkflowStatusRunning):
		return tcell.ColorYellow
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func currentStage(wf domain.Workflow) string {
	if len(wf.Stages) == 0 {
		return "-"
	}
	last := wf.Stages[len(wf.Stages)-1]
	return last.Name + ":" + last.Status
}

func workflowTarget(wf domain.Workflow) string {
	if wf.FilePath != "" {
		return wf.FilePath
	}
	return wf.ProjectPath
}

func renderWorkflowDetail(wf domain.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s  status=%s\n", wf.ID, wf.Status)
	fmt.Fprintf(&b, "Target:   %s\n", workflowTarget(wf))
	if wf.EndedAt != nil {
		fmt.Fprintf(&b, "Elapsed:  %s\n", wf.EndedAt.Sub(wf.StartedAt).Round(time.Millisecond))
	}
	if wf.Error != "" {
		fmt.Fprintf(&b, "[red]Error:    %s[-]\n", tview.Escape(wf.Error))
	}
	if msg, ok := wf.Result["message"].(string); ok && msg != "" {
		fmt.Fprintf(&b, "Result:   %s\n", tview.Escape(msg))
	}
	b.WriteString("\n")
	if len(wf.Stages) == 0 {
		b.WriteString("No stages")
		return b.String()
	}
	for _, st := range wf.Stages {
		elapsed := "-"
		if st.EndedAt != nil {
			elapsed = st.EndedAt.Sub(st.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "%-16s %-10s task=%s elapsed=%s\n", st.Name, st.Status, shortID(st.TaskID), elapsed)
		if st.Error != "" {
			b.WriteString("  error: " + tview.Escape(trimLine(st.Error, 120)) + "\n")
		}
	}
	return b.String()
}

func renderAgents(agents []orchestrator.AgentInfo) string {
	if len(agents) == 0 {
		return "No agents registered"
	}
	sorted := append([]orchestrator.AgentInfo(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for _, a := range sorted {
		status := a.Status
		if status == "" {
			status = "unknown"
		}
		lastSeen := "-"
		if !a.LastSeen.IsZero() {
			lastSeen = a.LastSeen.Local().Format("15:04:05")
		}
		fmt.Fprintf(&b, "%-24s %-8s load=%d seen=%s caps=%s\n",
			a.ID, status, a.Load, lastSeen, strings.Join(a.Capabilities, ","))
	}
	return b.String()
}

func renderCounters(s snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "health=%s running=%t uptime=%s\n",
		s.health.Status, s.stats.Running, (time.Duration(s.stats.Uptime) * time.Second).String())
	fmt.Fprintf(&b, "tasks   total=%d queued=%d completed=%d failed=%d retried=%d overdue=%d\n",
		s.stats.Tasks.TotalTasks, s.stats.Tasks.QueueDepth, s.stats.Tasks.Completed,
		s.stats.Tasks.Failed, s.stats.Tasks.Retried, s.stats.Tasks.Overdue)
	fmt.Fprintf(&b, "bus     sent=%d delivered=%d failed=%d dropped=%d queue=%d/%d\n",
		s.stats.Bus.MessagesSent, s.stats.Bus.MessagesReceived, s.stats.Bus.MessagesFailed,
		s.stats.Bus.MessagesDropped, s.stats.Bus.QueueDepth, s.stats.Bus.QueueCapacity)
	fmt.Fprintf(&b, "decide  total=%d ai=%t %s\n",
		s.stats.Decisions.Total, s.stats.Decisions.AIEnabled, formatCounts(s.stats.Decisions.ByCategory))
	fmt.Fprintf(&b, "flows   %s errors=%d\n", formatCounts(s.stats.Workflows), s.stats.ErrorsReceived)
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s -> %s (%.2f, %s)\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.IssueType,
			d.File,
			d.Category,
			d.Confidence,
			d.RuleSource,
		)
		if d.Reason != "" {
			b.WriteString("  reason: " + tview.Escape(trimLine(d.Reason, 100)) + "\n")
		}
	}
	return b.String()
}

// formatCounts renders a count map as sorted key=value pairs.
func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if v == "" {
		return "-"
	}
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
