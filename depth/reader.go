// Package depth reads the microdrive position and publishes it on the ddu topic.
package depth

import (
	"fmt"
	"time"

	"open-mer/config"
	"open-mer/errs"
	"open-mer/signal"
)

// Reader yields the drive depth in millimetres. Read never blocks: ok is
// false when no new value arrived since the previous call.
type Reader interface {
	Read() (mm float64, ok bool, err error)
	Close() error
}

// New opens the reader selected by cfg.Source. The comments reader needs the
// signal device; the others ignore it.
func New(cfg config.DepthConfig, source signal.Source) (Reader, error) {
	switch cfg.Source {
	case "fhc":
		return OpenFHC(cfg.SerialPort, cfg.BaudRate, cfg.Scale)
	case "comments":
		if source == nil {
			return nil, errs.Fatal(errs.ErrInvalidArgs, "depth", "New", "comments reader needs a signal source")
		}
		return NewCommentReader(source), nil
	case "simulated":
		return NewSimulated(SimOptions{
			Start: cfg.SimStart,
			Step:  cfg.SimStep,
			Dwell: time.Duration(cfg.SimDwellMs) * time.Millisecond,
		}), nil
	}
	return nil, errs.Fatal(errs.ErrInvalidArgs, "depth", "New", fmt.Sprintf("unknown depth source %q", cfg.Source))
}

// MirrorsToDevice reports whether published depths should be written back to
// the device as comments. A reader that takes its depth from those comments must not.
func MirrorsToDevice(r Reader) bool {
	_, fromComments := r.(*CommentReader)
	return !fromComments
}
