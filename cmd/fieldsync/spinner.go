package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	spinnerFrameWidth = 2 // braille frames render about two columns wide
	spinnerAnimDelay  = 80 * time.Millisecond
	spinnerClearPad   = 5
)

// simpleSpinner animates a braille frame next to a message while work runs.
type simpleSpinner struct {
	frames   []string
	message  string
	w        io.Writer
	clearLen int

	done atomic.Bool
	wg   sync.WaitGroup
}

func newSimpleSpinner(w io.Writer, message string) *simpleSpinner {
	return &simpleSpinner{
		frames:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		message:  message,
		w:        w,
		clearLen: spinnerFrameWidth + 1 + len(message),
	}
}

func (s *simpleSpinner) Start() {
	if !isTTY() {
		fmt.Fprintf(s.w, "%s...\n", s.message)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		for i := 0; !s.done.Load(); i++ {
			fmt.Fprintf(s.w, "\r%s %s", style.Render(s.frames[i%len(s.frames)]), s.message)
			time.Sleep(spinnerAnimDelay)
		}
	}()
}

func (s *simpleSpinner) Stop() {
	s.done.Store(true)
	s.wg.Wait()
	if isTTY() {
		fmt.Fprint(s.w, "\r"+strings.Repeat(" ", s.clearLen+spinnerClearPad)+"\r")
	}
}

// runWithSpinner runs operation while a spinner animates on w.
// JSON output suppresses the spinner.
func runWithSpinner(w io.Writer, message string, operation func() error) error {
	if outputJSON {
		return operation()
	}
	spin := newSimpleSpinner(w, message)
	spin.Start()
	err := operation()
	spin.Stop()
	return err
}
