package depth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"open-mer/errs"
	"open-mer/signal"
)

// CommentPrefix marks a depth comment on the signal device
const CommentPrefix = "DTT:"

// CommentReader takes the depth from the newest DTT comment stored on the
// signal device, for playback of recordings that carry them
type CommentReader struct {
	source   signal.Source
	lastTime time.Time
	lastText string
}

// NewCommentReader creates a reader over source's comments
func NewCommentReader(source signal.Source) *CommentReader {
	return &CommentReader{source: source}
}

// Read implements Reader
func (r *CommentReader) Read() (float64, bool, error) {
	comments, err := r.source.Comments()
	if err != nil {
		return 0, false, errs.Transient(err, "depth", "CommentReader.Read", "")
	}
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		text := strings.TrimSpace(c.Text)
		if !strings.HasPrefix(text, CommentPrefix) {
			continue
		}
		if c.Time.Equal(r.lastTime) && text == r.lastText {
			return 0, false, nil
		}
		r.lastTime, r.lastText = c.Time, text
		v, err := strconv.ParseFloat(strings.TrimSpace(text[len(CommentPrefix):]), 64)
		if err != nil {
			return 0, false, errs.Transient(errs.ErrMalformedValue, "depth", "CommentReader.Read", fmt.Sprintf("comment %q", text))
		}
		return v, true, nil
	}
	return 0, false, nil
}

// Close implements Reader. The signal device is owned by the caller.
func (r *CommentReader) Close() error {
	return nil
}
