package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Spinner animates a one-line status while a long operation runs. Outside a
// terminal it prints the message once and the final status.
type Spinner struct {
	out     io.Writer
	frames  []string
	message string
	animate bool

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started time.Time
}

// NewSpinner creates a spinner writing to out
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		out:     out,
		frames:  []string{"|", "/", "-", "\\"},
		message: message,
		animate: supportsColor,
	}
}

// Start begins the animation
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.started = time.Now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	if !s.animate {
		fmt.Fprintf(s.out, "%s...\n", s.message)
		close(s.done)
		return
	}
	go s.run()
}

func (s *Spinner) run() {
	defer close(s.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		s.mu.Lock()
		msg := s.message
		s.mu.Unlock()
		fmt.Fprintf(s.out, "\r\033[K%s %s", ColorProgress(s.frames[i%len(s.frames)]), msg)

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// UpdateMessage changes the text next to the spinner
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop ends the animation and prints the outcome
func (s *Spinner) Stop(success bool, message string) {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	done := s.done
	s.stop = nil
	elapsed := time.Since(s.started)
	s.mu.Unlock()
	<-done

	if s.animate {
		fmt.Fprint(s.out, "\r\033[K")
	}
	mark := ColorSuccess("ok")
	if !success {
		mark = ColorError("failed")
	}
	fmt.Fprintf(s.out, "%s %s (%s)\n", mark, message, formatDuration(elapsed))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
