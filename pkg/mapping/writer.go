package mapping

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// WriteTo prints the model in the mapping grammar. Ranges of one method are
// printed together, inline chains from the innermost frame outward.
func (m *Model) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if m.Version != "" {
		cw.information("", MapVersion{Version: m.Version})
	}
	for _, info := range m.Preamble {
		cw.information("", info)
	}
	for _, c := range m.classes {
		cw.line(c.OriginalName + " -> " + c.ObfuscatedName + ":")
		for _, info := range c.Informations {
			cw.information("", info)
		}
		for _, member := range c.members {
			switch member := member.(type) {
			case *FieldMapping:
				cw.line("    " + member.Type + " " + member.Name + " -> " + member.ObfuscatedName)
				cw.informations(member.Informations)
			case *MethodMapping:
				cw.method(member)
			}
		}
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

// String returns the model in the mapping grammar.
func (m *Model) String() string {
	var b strings.Builder
	_, _ = m.WriteTo(&b)
	return b.String()
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) line(s string) {
	if c.err != nil {
		return
	}
	n, err := c.w.WriteString(s + "\n")
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) information(indent string, info Information) {
	payload, err := FormatInformation(info)
	if err != nil {
		if c.err == nil {
			c.err = err
		}
		return
	}
	c.line(indent + "# " + payload)
}

func (c *countingWriter) informations(infos []Information) {
	for _, info := range infos {
		c.information("      ", info)
	}
}

func (c *countingWriter) method(m *MethodMapping) {
	if len(m.Ranges) == 0 || len(m.Informations) > 0 {
		c.line("    " + m.Signature.String() + " -> " + m.ObfuscatedName)
		c.informations(m.Informations)
	}
	for _, head := range m.Ranges {
		for l := head; l != nil; l = l.Caller {
			var b strings.Builder
			b.WriteString("    ")
			if l.Obfuscated != nil {
				b.WriteString(l.Obfuscated.String())
				b.WriteByte(':')
			}
			b.WriteString(l.Method.String())
			if l.Original != nil {
				b.WriteByte(':')
				b.WriteString(strconv.Itoa(l.Original.Start))
				if !l.Original.IsSingleLine() {
					b.WriteByte(':')
					b.WriteString(strconv.Itoa(l.Original.End))
				}
			}
			b.WriteString(" -> ")
			b.WriteString(m.ObfuscatedName)
			c.line(b.String())
			c.informations(l.Informations)
		}
	}
}
