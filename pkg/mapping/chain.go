package mapping

// chainBuilder groups consecutive range lines into inline chains. A range
// line with the same obfuscated name and the same obfuscated range as the
// line before it is the caller of that line. The first line of a chain is
// the innermost frame and the last one is the compiled method.
type chainBuilder struct {
	obfuscated string
	rng        Range
	links      []*MappedRange
}

func (b *chainBuilder) open() bool { return len(b.links) > 0 }

// extends reports whether a range line continues the open chain.
func (b *chainBuilder) extends(obfuscated string, rng Range) bool {
	return b.open() && b.obfuscated == obfuscated && b.rng == rng
}

func (b *chainBuilder) push(obfuscated string, r *MappedRange) {
	if !b.open() {
		b.obfuscated = obfuscated
		b.rng = *r.Obfuscated
	}
	b.links = append(b.links, r)
}

// last returns the most recently pushed link.
func (b *chainBuilder) last() *MappedRange {
	if !b.open() {
		return nil
	}
	return b.links[len(b.links)-1]
}

// close links the chain, resets the builder and returns the innermost
// link together with the obfuscated name of the chain.
func (b *chainBuilder) close() (*MappedRange, string, bool) {
	if !b.open() {
		return nil, "", false
	}
	for i := 0; i+1 < len(b.links); i++ {
		b.links[i].Caller = b.links[i+1]
	}
	head, name := b.links[0], b.obfuscated
	b.links = nil
	b.obfuscated = ""
	b.rng = Range{}
	return head, name, true
}
