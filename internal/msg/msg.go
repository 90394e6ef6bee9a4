package msg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

var (
	// Output receives every log line. Tests swap it for a buffer.
	Output io.Writer = color.Output
	// Verbose enables Debug lines.
	Verbose bool

	outputMu sync.Mutex
)

// emit writes one finished message to Output in a single locked write.
func emit(p []byte) {
	outputMu.Lock()
	defer outputMu.Unlock()
	Output.Write(p)
}

func line(prefix, format string, a ...any) {
	var buf bytes.Buffer
	buf.WriteString(prefix)
	buf.WriteString(": ")
	fmt.Fprintf(&buf, format, a...)
	buf.WriteByte('\n')
	emit(buf.Bytes())
}

// Printf writes a plain message without a prefix.
func Printf(format string, a ...any) {
	emit(fmt.Appendf(nil, format, a...))
}

func Error(format string, a ...any) {
	line(color.HiRedString("error"), format, a...)
}

func Warn(format string, a ...any) {
	line(color.YellowString("warn"), format, a...)
}

func Fatal(format string, a ...any) {
	line(color.RedString("fatal"), format, a...)
	os.Exit(1)
}

func Info(format string, a ...any) {
	line(color.HiGreenString("info"), format, a...)
}

func Debug(format string, a ...any) {
	if !Verbose {
		return
	}
	line(color.HiBlackString("debug"), format, a...)
}

// Step prints a tool step in the `CC path` form, e.g. "[3/40] CC kernel/memory.c"
func Step(c *Counter, verb, format string, a ...any) {
	prefix := ""
	if c != nil {
		prefix = c.Next() + " "
	}
	emit(fmt.Appendf(nil, "%s%s %s\n", prefix, color.HiCyanString(verb), fmt.Sprintf(format, a...)))
}

// Indented writes p with every line prefixed by indent, as one message.
// A missing final newline is added.
func Indented(indent string, p []byte) {
	if len(p) == 0 {
		return
	}
	var buf bytes.Buffer
	w := &IndentWriter{Indent: indent, W: &buf}
	w.Write(p)
	if p[len(p)-1] != '\n' {
		buf.WriteByte('\n')
	}
	emit(buf.Bytes())
}

type IndentWriter struct {
	Indent    string
	W         io.Writer
	didIndent bool
}

func (w *IndentWriter) Write(p []byte) (n int, err error) {
	buf := make([]byte, 0, len(p)+len(w.Indent))
	for _, c := range p {
		if !w.didIndent {
			buf = append(buf, w.Indent...)
			w.didIndent = true
		}
		buf = append(buf, c)
		if c == '\n' || c == '\r' {
			w.didIndent = false
		}
	}
	if _, err := w.W.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
