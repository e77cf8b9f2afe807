// Package tui is the terminal front end: a parameter form, the protocol
// timer with its phase color, and a log tail. It renders controller state
// and never talks to the device directly.
package tui

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/owenhdiba/tindeq-sonification/internal/controller"
	"github.com/owenhdiba/tindeq-sonification/internal/gofunc"
	"github.com/owenhdiba/tindeq-sonification/internal/protocol"
)

const maxLogLines = 200

// View is the tview application wrapper.
type View struct {
	app        *tview.Application
	controller *controller.Controller
	countdown  time.Duration
	logger     *log.Logger

	form       *tview.Form
	statusText *tview.TextView
	logView    *tview.TextView

	logMu    sync.Mutex
	logLines []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the view and starts its listener goroutines. uiLogChan carries
// formatted log lines for the on-screen tail; countdown is applied to every
// run started from the form.
func New(ctrl *controller.Controller, countdown time.Duration, uiLogChan <-chan string, logger *log.Logger) *View {
	if ctrl == nil {
		panic("View: controller cannot be nil")
	}
	if uiLogChan == nil {
		panic("View: uiLogChan cannot be nil")
	}
	if logger == nil {
		panic("View: logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		app:        tview.NewApplication(),
		controller: ctrl,
		countdown:  countdown,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.build()

	v.wg.Add(1)
	gofunc.SafeGo(logger, func() { v.listenToState() })
	v.wg.Add(1)
	gofunc.SafeGo(logger, func() { v.listenToLog(uiLogChan) })

	return v
}

func (v *View) build() {
	last := v.controller.LastParams()

	v.form = tview.NewForm().
		AddInputField("Active (s)", strconv.Itoa(int(last.ActiveDuration.Seconds())), 8, tview.InputFieldInteger, nil).
		AddInputField("Rest (s)", strconv.Itoa(int(last.RestDuration.Seconds())), 8, tview.InputFieldInteger, nil).
		AddInputField("Target load (kg)", strconv.FormatFloat(last.TargetLoad, 'f', -1, 64), 8, tview.InputFieldFloat, nil).
		AddInputField("Sets", strconv.Itoa(last.TotalSets), 8, tview.InputFieldInteger, nil).
		AddButton(controller.LabelConnect, v.onAction).
		AddButton("Quit", v.Stop)
	v.form.SetBorder(true).SetTitle(" Protocol ")

	v.statusText = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	v.statusText.SetBorder(true).SetTitle(" Status ")

	v.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.form, 0, 1, true).
		AddItem(v.statusText, 8, 0, false)

	root := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(v.logView, 0, 1, false)

	v.app.SetRoot(root, true)
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			v.Stop()
			return nil
		}
		return event
	})

	v.renderState(v.controller.State())
}

// onAction is the single action button: connect first, then start, then
// abort while a run is in flight.
func (v *View) onAction() {
	state := v.controller.State()
	switch {
	case state.Running:
		v.controller.Abort()

	case state.ButtonLabel == controller.LabelConnect || state.ButtonLabel == controller.LabelConnectFailed:
		gofunc.SafeGo(v.logger, func() {
			if err := v.controller.Connect(v.ctx); err != nil {
				v.logger.Printf("View: connect failed: %v", err)
			}
		})

	case state.ButtonLabel == controller.LabelRun || state.ButtonLabel == controller.LabelComplete:
		params, err := v.readParams()
		if err != nil {
			v.logger.Printf("View: %v", err)
			return
		}
		if err := v.controller.StartRun(params); err != nil {
			v.logger.Printf("View: start rejected: %v", err)
		}
	}
}

func (v *View) readParams() (protocol.Params, error) {
	active, err := v.intField(0, "active duration")
	if err != nil {
		return protocol.Params{}, err
	}
	rest, err := v.intField(1, "rest duration")
	if err != nil {
		return protocol.Params{}, err
	}
	targetText := v.form.GetFormItem(2).(*tview.InputField).GetText()
	target, err := strconv.ParseFloat(targetText, 64)
	if err != nil {
		return protocol.Params{}, fmt.Errorf("bad target load %q: %w", targetText, err)
	}
	sets, err := v.intField(3, "set count")
	if err != nil {
		return protocol.Params{}, err
	}

	return protocol.Params{
		ActiveDuration: time.Duration(active) * time.Second,
		RestDuration:   time.Duration(rest) * time.Second,
		TargetLoad:     target,
		TotalSets:      sets,
		Countdown:      v.countdown,
	}, nil
}

func (v *View) intField(index int, name string) (int, error) {
	text := v.form.GetFormItem(index).(*tview.InputField).GetText()
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", name, text, err)
	}
	return n, nil
}

func (v *View) listenToState() {
	defer v.wg.Done()

	ch := make(chan controller.DisplayState, 1)
	unregister := v.controller.ListenToState(ch)
	defer unregister()

	for {
		select {
		case <-v.ctx.Done():
			return
		case state, ok := <-ch:
			if !ok {
				return
			}
			v.app.QueueUpdateDraw(func() { v.renderState(state) })
		}
	}
}

func (v *View) renderState(state controller.DisplayState) {
	v.statusText.SetText(fmt.Sprintf(
		"\n[%s]%s[-]\n\n[%s]%s[-]\n\nSets: %d / %d    Load: %.1f kg",
		state.PhaseColor, state.PhaseLabel,
		state.PhaseColor, state.TimerText,
		state.SetsCompleted, state.TotalSets, state.CurrentLoad,
	))
	if button := v.form.GetButton(0); button != nil {
		button.SetLabel(state.ButtonLabel)
	}
}

func (v *View) listenToLog(uiLogChan <-chan string) {
	defer v.wg.Done()

	for {
		select {
		case <-v.ctx.Done():
			return
		case line, ok := <-uiLogChan:
			if !ok {
				return
			}
			v.logMu.Lock()
			v.logLines = append(v.logLines, line)
			if len(v.logLines) > maxLogLines {
				v.logLines = v.logLines[len(v.logLines)-maxLogLines:]
			}
			tail := make([]string, len(v.logLines))
			copy(tail, v.logLines)
			v.logMu.Unlock()

			v.app.QueueUpdateDraw(func() {
				v.logView.Clear()
				for _, l := range tail {
					fmt.Fprintln(v.logView, tview.Escape(l))
				}
			})
		}
	}
}

// Run starts the terminal UI and blocks until it exits.
func (v *View) Run() error {
	return v.app.Run()
}

// Stop ends the Run loop. Safe to call from any goroutine.
func (v *View) Stop() {
	v.app.Stop()
}

// Shutdown stops the listener goroutines and waits for them.
func (v *View) Shutdown() {
	v.logger.Println("View: shutting down")
	v.cancel()
	v.wg.Wait()
	v.logger.Println("View: shutdown complete")
}
