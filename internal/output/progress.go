package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cochaviz/kforge/internal/build"
)

// Progress prints a job's events as they arrive. Log lines are shown only when Verbose is set;
// the diagnostic of a failed job is always shown.
type Progress struct {
	W       io.Writer
	Verbose bool

	mu   sync.Mutex
	last int
}

var _ build.EventSink = (*Progress)(nil)

// NewProgress returns a printer writing to w.
func NewProgress(w io.Writer, verbose bool) *Progress {
	return &Progress{W: w, Verbose: verbose, last: -1}
}

func (p *Progress) Emit(e build.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case build.EventJobCreated:
		fmt.Fprintf(p.W, "job %s created\n", StyleNoun.Render(e.JobID))
	case build.EventStateTransition:
		fmt.Fprintf(p.W, "%s %s\n", StyleDim.Render(fmt.Sprintf("[%3d%%]", e.Percent)), StyleState.Render(string(e.State)))
		p.last = e.Percent
	case build.EventProgress:
		// Only report whole steps of five to keep output readable.
		if e.Percent/5 > p.last/5 {
			fmt.Fprintf(p.W, "%s %s\n", StyleDim.Render(fmt.Sprintf("[%3d%%]", e.Percent)), e.State)
			p.last = e.Percent
		}
	case build.EventLogLine:
		if p.Verbose {
			fmt.Fprintln(p.W, StyleDim.Render(e.Line))
		}
	case build.EventCompleted:
		fmt.Fprintf(p.W, "%s %s\n", StyleDim.Render("[100%]"), OutcomeStyle("completed").Render("completed"))
	case build.EventCancelled:
		fmt.Fprintln(p.W, OutcomeStyle("cancelled").Render("cancelled"))
	case build.EventFailed:
		fmt.Fprintf(p.W, "%s: %s\n", OutcomeStyle("failed").Render("failed"), e.Error)
		if len(e.Diagnostic) > 0 && !p.Verbose {
			fmt.Fprintln(p.W, StyleDim.Render(strings.Join(e.Diagnostic, "\n")))
		}
	}
}
