// Package signal is the contract for the continuous-signal acquisition device
// and its adapters: a seeded simulator and the websocket gateway.
package signal

import (
	"fmt"
	"strconv"
	"time"

	"open-mer/config"
	"open-mer/errs"
	"open-mer/helpers"
)

// Chunk is the samples of one channel that arrived since the previous read
type Chunk struct {
	SourceID int
	Samples  []int16
}

// ChannelInfo describes one channel of a sampling group
type ChannelInfo struct {
	SourceID   int
	Label      string
	SampleRate float64
	// Gain converts raw units to microvolts
	Gain      float64
	Unit      string
	Threshold int
}

// FileInfo names an on-device recording
type FileInfo struct {
	FileName string
	Comment  string
	Patient  helpers.PatientName
}

// Comment is a timestamped text comment stored on the device
type Comment struct {
	Time time.Time
	Text string
}

// Source is a handle to the acquisition device. ContinuousData must not
// block: two consecutive calls together return every sample acquired between
// them, once.
type Source interface {
	// ContinuousData drains the device buffer for every sampled channel
	ContinuousData() ([]Chunk, error)
	// GroupConfig lists the channels of a sampling group
	GroupConfig(group int) ([]ChannelInfo, error)
	RecordingState() (bool, error)
	SetRecording(on bool, info FileInfo) error
	Comments() ([]Comment, error)
	AddComment(text string) error
	Close() error
}

// GroupRate parses the sample rate of a sampling group from the group table
func GroupRate(groups []string, group int) (float64, error) {
	if group <= 0 || group >= len(groups) {
		return 0, errs.Config(errs.ErrUnknownGroup, "signal", "GroupRate", fmt.Sprintf("group %d", group))
	}
	rate, err := strconv.ParseFloat(groups[group], 64)
	if err != nil || rate <= 0 {
		return 0, errs.Config(errs.ErrUnknownGroup, "signal", "GroupRate", fmt.Sprintf("group %d has no rate %q", group, groups[group]))
	}
	return rate, nil
}

// New opens the source selected by cfg.Source
func New(cfg config.SignalConfig, defaultGroup int) (Source, error) {
	switch cfg.Source {
	case "simulated":
		rate, err := GroupRate(cfg.SamplingGroups, defaultGroup)
		if err != nil {
			return nil, err
		}
		return NewSimulator(SimOptions{
			Group:      defaultGroup,
			SampleRate: rate,
			Labels:     []string{"Ch1", "Ch2", "Ch3"},
			Recording:  true,
		}), nil
	case "gateway":
		return DialGateway(cfg.GatewayURL)
	default:
		return nil, errs.Fatal(errs.ErrInvalidArgs, "signal", "New", fmt.Sprintf("unknown signal source %q", cfg.Source))
	}
}
