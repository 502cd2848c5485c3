package iter

import (
	"bufio"
	"io"
)

type Iterator[A any] interface {
	// Next advances the iterator and returns true if another value was found.
	Next() bool

	// At returns the value at the current iterator position.
	At() A

	// Err returns the last error of the iterator.
	Err() error

	Close() error
}

type errIterator[A any] struct {
	err error
}

func NewErrIterator[A any](err error) Iterator[A] {
	return &errIterator[A]{
		err: err,
	}
}

func (i *errIterator[A]) Err() error {
	return i.err
}
func (*errIterator[A]) At() (a A) {
	return a
}
func (*errIterator[A]) Next() bool {
	return false
}

func (*errIterator[A]) Close() error {
	return nil
}

type sliceIterator[A any] struct {
	list []A
	cur  A
}

func NewSliceIterator[A any](s []A) Iterator[A] {
	return &sliceIterator[A]{
		list: s,
	}
}

func (i *sliceIterator[A]) Err() error {
	return nil
}
func (i *sliceIterator[A]) Next() bool {
	if len(i.list) > 0 {
		i.cur = i.list[0]
		i.list = i.list[1:]
		return true
	}
	var a A
	i.cur = a
	return false
}

func (i *sliceIterator[A]) At() A {
	return i.cur
}

func (i *sliceIterator[A]) Close() error {
	return nil
}

// MaxLineSize is the longest line a line iterator accepts.
const MaxLineSize = 16 << 20

type lineIterator struct {
	scanner *bufio.Scanner
	closer  io.Closer
	cur     string
}

// NewLineIterator returns an iterator over the lines of r without their
// line terminators. A trailing carriage return is removed as well. If r implements
// io.Closer, Close closes it.
func NewLineIterator(r io.Reader) Iterator[string] {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), MaxLineSize)
	it := &lineIterator{scanner: s}
	if c, ok := r.(io.Closer); ok {
		it.closer = c
	}
	return it
}

func (i *lineIterator) Next() bool {
	if !i.scanner.Scan() {
		i.cur = ""
		return false
	}
	i.cur = i.scanner.Text()
	return true
}

func (i *lineIterator) At() string { return i.cur }

func (i *lineIterator) Err() error { return i.scanner.Err() }

func (i *lineIterator) Close() error {
	if i.closer == nil {
		return nil
	}
	return i.closer.Close()
}

// Slice drains the iterator and closes it.
func Slice[A any](it Iterator[A]) ([]A, error) {
	var out []A
	for it.Next() {
		out = append(out, it.At())
	}
	if err := it.Err(); err != nil {
		_ = it.Close()
		return out, err
	}
	return out, it.Close()
}
