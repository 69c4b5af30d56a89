package progress

import (
	"fmt"
	"io"
)

// PlainSink rewrites a single status line with carriage returns.
type PlainSink struct {
	w io.Writer
}

func NewPlainSink(w io.Writer) *PlainSink {
	return &PlainSink{w: w}
}

func (s *PlainSink) Start(total int) {
	fmt.Fprintf(s.w, "Total images to generate: %d\n", total)
}

func (s *PlainSink) Update(u Update) {
	fmt.Fprintf(s.w, "\rProgress: %d/%d (%.1f%%) | %.2f img/sec | Key %s: %d/%d",
		u.Completed, u.Total, u.Percent(), u.Rate(), u.CredentialPrefix, u.Produced, u.Quota)
}

func (s *PlainSink) Close() {
	fmt.Fprintln(s.w)
}
