package main

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/grafana/retrace/pkg/retrace"
)

// output writes retraced lines, highlighting the marker of alternative
// frames when writing to a terminal.
type output struct {
	w         *bufio.Writer
	marker    string
	highlight func(a ...interface{}) string
}

func newOutput(w io.Writer, marker, mode string) *output {
	if marker == "" {
		marker = retrace.DefaultOrMarker
	}
	o := &output{w: bufio.NewWriter(w), marker: marker}
	if useColor(w, mode) {
		c := color.New(color.FgYellow, color.Bold)
		c.EnableColor()
		o.highlight = c.SprintFunc()
	}
	return o
}

func useColor(w io.Writer, mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (o *output) WriteLine(line string) error {
	if o.highlight != nil {
		rest := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(rest, o.marker) {
			indent := line[:len(line)-len(rest)]
			line = indent + o.highlight(o.marker) + rest[len(o.marker):]
		}
	}
	if _, err := o.w.WriteString(line); err != nil {
		return err
	}
	return o.w.WriteByte('\n')
}

func (o *output) Flush() error { return o.w.Flush() }
