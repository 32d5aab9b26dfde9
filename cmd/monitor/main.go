package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"taskmesh/internal/config"
	"taskmesh/internal/domain"
	sqlitestore "taskmesh/internal/store/sqlite"
)

func main() {
	var (
		configPath string
		dbPath     string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Terminal view of the taskmesh snapshot and audit log",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dbPath == "" {
				dbPath = cfg.Store.DBPath
			}
			store, err := sqlitestore.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open sqlite store: %w", err)
			}
			defer func() {
				_ = store.Close()
			}()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate sqlite: %w", err)
			}
			return run(cmd.Context(), store, dbPath, interval)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.taskmesh/config.toml)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path override")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, store *sqlitestore.Store, dbPath string, interval time.Duration) error {
	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	eventsView := newPanel("Task events")
	agentsView := newPanel("Agents")
	activityView := newPanel("Recent activity")

	filterInput := tview.NewInputField().
		SetLabel("Filter: ")
	filterInput.SetBorder(true).SetTitle("status:queued agent:<id> tag:<tag> by:<creator>, Enter to apply")

	statusView := newPanel("Status")
	statusView.SetText(fmt.Sprintf("Reading %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus filter, Ctrl+T focus tasks", dbPath))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(eventsView, 0, 3, false).
		AddItem(agentsView, 10, 0, false).
		AddItem(activityView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 3, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(filterInput, 3, 0, false).
		AddItem(statusView, 3, 0, false)

	var (
		selectedTaskID string
		lastTasks      []domain.Task
		filter         domain.TaskFilter
		detailsVersion uint64
	)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}

	refresh := func() {
		snap, ok, err := store.LoadSnapshot(ctx)
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		recent, auditErr := store.ListAudit(ctx, 40)

		tasks := make([]domain.Task, 0, len(snap.Tasks))
		for _, t := range snap.Tasks {
			if filter.Matches(t) {
				tasks = append(tasks, t)
			}
		}
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		})
		lastTasks = tasks
		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selectedTaskID)
			if !ok {
				agentsView.SetText("No snapshot yet")
			} else {
				agentsView.SetText(renderAgents(snap))
			}
			if auditErr != nil {
				activityView.SetText(fmt.Sprintf("error: %v", auditErr))
			} else {
				activityView.SetText(renderActivity(recent))
			}
		})
	}

	refreshDetailsAsync := func(taskID string) {
		if strings.TrimSpace(taskID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			events, err := store.ListTaskAudit(ctx, selected, 300)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				if err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				eventsView.SetText(renderEvents(selected, lastTasks, events))
			})
		}(taskID, version)
	}

	filterInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		parsed, err := parseFilter(filterInput.GetText())
		if err != nil {
			setStatusUI("Invalid filter: " + err.Error())
			return
		}
		filter = parsed
		app.SetFocus(tasksTable)
		setStatusUI("Filter applied")
		go refresh()
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDetailsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == filterInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refresh()
				refreshDetailsAsync(selectedTaskID)
			}()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(filterInput)
			setStatusUI("Focus -> filter")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		refresh()
		for _, task := range lastTasks {
			if task.Status == domain.TaskStatusInProgress || task.Status == domain.TaskStatusAssigned {
				selectedTaskID = task.ID
				break
			}
		}
		refreshDetailsAsync(selectedTaskID)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			refresh()
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refreshDetailsAsync(selectedTaskID)
		}
	}()

	return app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run()
}

func newPanel(title string) *tview.TextView {
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	view.SetTitle(title).SetBorder(true)
	return view
}
