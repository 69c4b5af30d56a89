package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Display modes accepted by NewSink.
const (
	ModeAuto  = "auto"
	ModeBar   = "bar"
	ModePlain = "plain"
	ModeNone  = "none"
)

// Update is sent to a sink after every saved image.
type Update struct {
	CredentialPrefix string
	Produced         int
	Quota            int
	Completed        int
	Total            int
	Elapsed          time.Duration
}

// Percent of the overall run that is complete.
func (u Update) Percent() float64 { return percent(u.Completed, u.Total) }

// Rate in images per second since the run started.
func (u Update) Rate() float64 { return rate(u.Completed, u.Elapsed) }

// Sink renders progress. Calls are serialized by the Aggregator.
type Sink interface {
	Start(total int)
	Update(u Update)
	Close()
}

type discard struct{}

func (discard) Start(int) {}
func (discard) Update(Update) {}
func (discard) Close() {}

// Discard ignores all progress.
var Discard Sink = discard{}

// NewSink picks a display for w. In auto mode a terminal gets the bar and
// anything else (pipes, files, CI logs) gets plain lines.
func NewSink(mode string, w io.Writer) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeAuto:
		if isTerminal(w) {
			return NewBarSink(w), nil
		}
		return NewPlainSink(w), nil
	case ModeBar:
		return NewBarSink(w), nil
	case ModePlain:
		return NewPlainSink(w), nil
	case ModeNone:
		return Discard, nil
	default:
		return nil, fmt.Errorf("progress: unknown mode %q", mode)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
