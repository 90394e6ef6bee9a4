package gen

import "strings"

// write appends each of s to sb
func write(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
}

// writeln is write followed by a newline
func writeln(sb *strings.Builder, s ...string) {
	write(sb, s...)
	sb.WriteByte('\n')
}
