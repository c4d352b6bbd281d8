package depth

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"open-mer/errs"
)

// V2 drives report micrometres from a 60 mm reference
const (
	V2Scale  = 0.001
	V2Offset = 60.0
)

// handshakeTimeout bounds each reply wait while opening the drive
var handshakeTimeout = time.Second

var versionPattern = regexp.MustCompile(`([0-9]+)\.[0-9]+`)

// FHC reads an FHC microdrive display unit streaming one value per line
type FHC struct {
	port  io.ReadWriteCloser
	lines chan string

	scale  float64
	offset float64
	v2     bool

	mu     sync.Mutex
	closed bool
	err    error
}

// OpenFHC opens the serial port and performs the version handshake. A
// non-zero scale overrides the one implied by the drive version.
func OpenFHC(portName string, baud int, scale float64) (*FHC, error) {
	ports, err := serial.GetPortsList()
	if err == nil {
		found := false
		for _, p := range ports {
			found = found || p == portName
		}
		if !found {
			log.Printf("⚠️  Serial port %s not in %v", portName, ports)
		}
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("%w: %v", errs.ErrDeviceUnavailable, err), "depth", "OpenFHC", portName)
	}
	f, err := NewFHC(port, scale)
	if err != nil {
		port.Close()
		return nil, err
	}
	log.Printf("✅ FHC drive on %s (v2: %v, scale %g)", portName, f.v2, f.scale)
	return f, nil
}

// NewFHC runs the handshake on an open port
func NewFHC(port io.ReadWriteCloser, scale float64) (*FHC, error) {
	f := &FHC{port: port, lines: make(chan string, 256), scale: 1.0}
	go f.scan()

	// Silence the stream while asking for the version
	if _, err := io.WriteString(port, "AXON-\r"); err != nil {
		return nil, errs.Transient(fmt.Errorf("%w: %v", errs.ErrDeviceUnavailable, err), "depth", "NewFHC", "AXON-")
	}
	if _, err := io.WriteString(port, "V\r"); err != nil {
		return nil, errs.Transient(fmt.Errorf("%w: %v", errs.ErrDeviceUnavailable, err), "depth", "NewFHC", "V")
	}
	if major, ok := f.awaitVersion(); ok && major >= 2 {
		f.v2 = true
		f.scale = V2Scale
		f.offset = V2Offset
	}
	if scale != 0 {
		f.scale = scale
	}
	if _, err := io.WriteString(port, "AXON+\r"); err != nil {
		return nil, errs.Transient(fmt.Errorf("%w: %v", errs.ErrDeviceUnavailable, err), "depth", "NewFHC", "AXON+")
	}
	// The first line after AXON+ is its acknowledgement
	select {
	case <-f.lines:
	case <-time.After(handshakeTimeout):
	}
	return f, nil
}

func (f *FHC) awaitVersion() (int, bool) {
	deadline := time.After(handshakeTimeout)
	for {
		select {
		case line, open := <-f.lines:
			if !open {
				return 0, false
			}
			if m := versionPattern.FindStringSubmatch(line); m != nil {
				major, err := strconv.Atoi(m[1])
				return major, err == nil
			}
		case <-deadline:
			return 0, false
		}
	}
}

// scanLines splits on \r, \n or \r\n
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		j := i + 1
		if data[i] == '\r' && j < len(data) && data[j] == '\n' {
			j++
		}
		return j, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (f *FHC) scan() {
	sc := bufio.NewScanner(f.port)
	sc.Split(scanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case f.lines <- line:
		default:
			// keep the newest values
			select {
			case <-f.lines:
			default:
			}
			f.lines <- line
		}
	}
	f.mu.Lock()
	f.err = sc.Err()
	if f.err == nil {
		f.err = io.EOF
	}
	f.mu.Unlock()
	close(f.lines)
}

// V2 reports whether the drive identified as version 2 or later
func (f *FHC) V2() bool {
	return f.v2
}

// Calibration returns the scale applied to raw values and the drive's reference offset
func (f *FHC) Calibration() (scale, offset float64) {
	return f.scale, f.offset
}

// Read implements Reader. It parses the newest line received since the last call.
func (f *FHC) Read() (float64, bool, error) {
	var last string
	ended := false
drain:
	for {
		select {
		case line, open := <-f.lines:
			if !open {
				ended = true
				break drain
			}
			last = line
		default:
			break drain
		}
	}
	switch {
	case last != "":
		return f.parse(last)
	case ended:
		f.mu.Lock()
		err := f.err
		f.mu.Unlock()
		return 0, false, errs.Transient(fmt.Errorf("%w: %v", errs.ErrDeviceUnavailable, err), "depth", "FHC.Read", "serial stream ended")
	}
	return 0, false, nil
}

func (f *FHC) parse(line string) (float64, bool, error) {
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, false, errs.Transient(errs.ErrMalformedValue, "depth", "FHC.Read", fmt.Sprintf("line %q", line))
	}
	return v * f.scale, true, nil
}

// Close implements Reader
func (f *FHC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.port.Close()
}
