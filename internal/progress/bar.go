package progress

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth = 80
	barMessage       = "Generating images"
)

// BarSink draws a single-line bar sized to the terminal.
type BarSink struct {
	w     io.Writer
	width func() int
	last  Update
}

func NewBarSink(w io.Writer) *BarSink {
	return &BarSink{w: w, width: func() int { return termWidth(w) }}
}

func (s *BarSink) Start(total int) {
	s.last = Update{Total: total}
	s.draw()
}

func (s *BarSink) Update(u Update) {
	s.last = u
	s.draw()
}

func (s *BarSink) Close() {
	s.draw()
	fmt.Fprintln(s.w)
}

func (s *BarSink) draw() {
	// \033[K clears whatever a longer previous line left behind
	fmt.Fprintf(s.w, "\r%s\033[K", s.render(s.width()))
}

func (s *BarSink) render(width int) string {
	u := s.last
	var pre, suf strings.Builder

	fmt.Fprintf(&pre, "%s %3.0f%% ", barMessage, math.Floor(u.Percent()))

	fmt.Fprintf(&suf, " %d/%d", u.Completed, u.Total)
	if u.Completed > 0 {
		fmt.Fprintf(&suf, " %.2f img/s", u.Rate())
		if remaining := s.remaining(); remaining > 0 {
			fmt.Fprintf(&suf, " %s", formatDuration(remaining))
		}
	}
	if u.CredentialPrefix != "" {
		fmt.Fprintf(&suf, " | Key %s: %d/%d", u.CredentialPrefix, u.Produced, u.Quota)
	}

	barWidth := width - pre.Len() - suf.Len() - 2
	if barWidth <= 0 {
		return pre.String() + suf.String()
	}
	filled := 0
	if u.Total > 0 {
		filled = int(math.Floor(float64(barWidth) * float64(u.Completed) / float64(u.Total)))
	}
	if filled > barWidth {
		filled = barWidth
	}
	return pre.String() + "▕" + strings.Repeat("█", filled) + strings.Repeat(" ", barWidth-filled) + "▏" + suf.String()
}

func (s *BarSink) remaining() time.Duration {
	r := s.last.Rate()
	left := s.last.Total - s.last.Completed
	if r <= 0 || left <= 0 {
		return 0
	}
	return time.Duration(float64(left) / r * float64(time.Second))
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}
	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return d.Round(time.Second).String()
}

func termWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return defaultTermWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultTermWidth
	}
	return width
}
