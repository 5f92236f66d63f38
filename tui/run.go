package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/piperack/piperack/engine"
)

// Run drives loop's event processing alongside a full-screen bubbletea
// program until either the program quits (user pressed q/Ctrl-C) or loop
// itself decides to exit (every process terminal after a drain). It
// returns the supervisor's exit code (spec §6).
func Run(ctx context.Context, loop *engine.Loop) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewModel(loop)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())

	loop.SetOnFrame(func(app *engine.AppState, _ engine.Event) {
		program.Send(frameMsg{app: app, mgr: loop.Manager})
	})

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- loop.Run(ctx)
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-exitCodeCh
		return 1, err
	}

	cancel()
	return <-exitCodeCh, nil
}
