package logreplay

import (
	"bufio"
	"io"
)

// boundedBufReader wraps a bufio.Reader over an already-length-limited
// io.Reader (e.g. io.LimitReader), so atEOF reports true exactly when
// the enclosing section has been fully consumed.
type boundedBufReader struct {
	r *bufio.Reader
}

func newBoundedBufReader(r io.Reader) *boundedBufReader {
	return &boundedBufReader{r: bufio.NewReader(r)}
}

func (b *boundedBufReader) atEOF() bool {
	_, err := b.r.Peek(1)
	return err != nil
}
