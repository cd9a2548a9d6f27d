// Command monitor is a terminal dashboard for a running orchestrator.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"codeagent/internal/domain"
)

const workflowListLimit = 50

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start an orchestrator for the lifetime of the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to the orchestrator binary (embedded mode)")
	configPath := flag.String("config", "", "config file passed to the embedded orchestrator")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded orchestrator")
	workspaceRoot := flag.String("workspace", "", "workspace root for the embedded orchestrator")
	flag.Parse()

	c := newClient(*addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *configPath, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := c.waitHealth(ctx, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	workflowsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	workflowsTable.SetTitle("Workflows (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	detailView.SetTitle("Stages").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	countersView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	countersView.SetTitle("Coordinator").SetBorder(true)

	pathInput := tview.NewInputField().
		SetLabel("Path -> workflow: ")
	pathInput.SetBorder(true).SetTitle("Enter = run workflow (prefix file: for a single file)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus input, Ctrl+T focus workflows",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(countersView, 7, 0, false).
		AddItem(agentsView, 8, 0, false).
		AddItem(detailView, 0, 2, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(workflowsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(pathInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		mu             sync.Mutex
		selectedID     string
		lastWorkflows  []domain.Workflow
		detailsVersion uint64
	)
	selected := func() string {
		mu.Lock()
		defer mu.Unlock()
		return selectedID
	}
	selectWorkflow := func(id string) {
		mu.Lock()
		selectedID = id
		mu.Unlock()
	}

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshDetailsAsync := func(id string) {
		if strings.TrimSpace(id) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(wfID string, v uint64) {
			decisions, err := c.listDecisions(ctx, wfID, 250)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			mu.Lock()
			var wf *domain.Workflow
			for i := range lastWorkflows {
				if lastWorkflows[i].ID == wfID {
					wf = &lastWorkflows[i]
					break
				}
			}
			detail := "Workflow not retained"
			if wf != nil {
				detail = renderWorkflowDetail(*wf)
			}
			mu.Unlock()

			app.QueueUpdateDraw(func() {
				if wfID != selected() {
					return
				}
				detailView.SetText(detail)
				if err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", err))
				} else {
					decisionsView.SetText(renderDecisions(decisions))
				}
			})
		}(id, version)
	}

	refresh := func() {
		snap, err := c.fetchSnapshot(ctx, workflowListLimit)
		if err != nil {
			app.QueueUpdateDraw(func() {
				countersView.SetText(fmt.Sprintf("[red]load error: %v[-]", err))
			})
			return
		}
		mu.Lock()
		lastWorkflows = snap.workflows
		if selectedID == "" && len(snap.workflows) > 0 {
			selectedID = snap.workflows[0].ID
		}
		current := selectedID
		mu.Unlock()

		app.QueueUpdateDraw(func() {
			renderWorkflowsTable(workflowsTable, snap.workflows, current)
			countersView.SetText(renderCounters(snap))
			agentsView.SetText(renderAgents(snap.stats.Agents))
		})
		refreshDetailsAsync(current)
	}

	submitPath := func(input string) {
		req, ok := parseTarget(input)
		if !ok {
			return
		}
		setStatusUI("Running workflow for " + input + "...")
		pathInput.SetText("")
		go func() {
			res, err := c.startWorkflow(ctx, req)
			if err != nil {
				setStatusAsync("Failed to start workflow: " + err.Error())
				return
			}
			selectWorkflow(res.WorkflowID)
			refresh()
			if res.Success {
				setStatusAsync(fmt.Sprintf("Workflow %s completed: %s", shortID(res.WorkflowID), res.Message))
			} else {
				setStatusAsync(fmt.Sprintf("[red]Workflow %s failed: %s[-]", shortID(res.WorkflowID), tview.Escape(res.Error)))
			}
		}()
	}

	pathInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPath(pathInput.GetText())
	})

	workflowsTable.SetSelectedFunc(func(row, _ int) {
		mu.Lock()
		if row <= 0 || row > len(lastWorkflows) {
			mu.Unlock()
			return
		}
		id := lastWorkflows[row-1].ID
		selectedID = id
		mu.Unlock()
		refreshDetailsAsync(id)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Refreshing...")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(pathInput)
			setStatusUI("Focus -> input")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(workflowsTable)
			setStatusUI("Focus -> workflows")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == pathInput {
				app.SetFocus(workflowsTable)
			} else {
				app.SetFocus(pathInput)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(pathInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// parseTarget reads "file:<path>" as a single file and anything else as a
// project directory.
func parseTarget(input string) (domain.WorkflowRequest, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return domain.WorkflowRequest{}, false
	}
	if rest, ok := strings.CutPrefix(input, "file:"); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return domain.WorkflowRequest{}, false
		}
		return domain.WorkflowRequest{FilePath: rest}, true
	}
	return domain.WorkflowRequest{ProjectPath: input}, true
}

func startEmbeddedOrchestrator(addr, orchestratorBinary, configPath, dbPath, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}

	args := []string{"serve", "--addr", ":" + port, "--db", dbPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if workspaceRoot != "" {
		if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
		args = append(args, "--workspace", workspaceRoot)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = e.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		<-done
	}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
