// Package export writes the stored segments of a procedure as EDF files.
//
// An EDF data record is limited to 61440 bytes and its duration is a whole
// number of seconds, so a 30 kHz record only fits one channel. Each
// (label, sample rate) pair of a procedure therefore gets its own file, and
// a segments.yaml index maps segments onto data records.
package export

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/OpenPSG/edf"
	"gopkg.in/yaml.v3"

	"open-mer/database"
)

const (
	// RecordDuration is the length of one EDF data record
	RecordDuration   = time.Second
	// MaxRecordSamples is the largest record the EDF format allows, in int16 samples
	MaxRecordSamples = 61440 / 2
	// IndexFile names the segment index written next to the EDF files
	IndexFile        = "segments.yaml"

	listPageSize = 500
)

// Exporter writes procedures from a Store into a directory
type Exporter struct {
	store database.Store
	dir   string
}

// New creates an Exporter writing below dir
func New(store database.Store, dir string) *Exporter {
	if dir == "" {
		dir = "."
	}
	return &Exporter{store: store, dir: dir}
}

// Index describes the files of one exported procedure
type Index struct {
	ProcedureID int64       `yaml:"procedure_id"`
	Subject     string      `yaml:"subject"`
	Target      string      `yaml:"target"`
	Date        string      `yaml:"date"`
	RecordSec   float64     `yaml:"record_duration_s"`
	Files       []FileIndex `yaml:"files"`
}

// FileIndex lists the segments stored in one EDF file, in record order
type FileIndex struct {
	File       string         `yaml:"file"`
	Label      string         `yaml:"label"`
	SampleRate float64        `yaml:"sample_rate"`
	Segments   []SegmentIndex `yaml:"segments"`
}

// SegmentIndex locates one segment inside an EDF file. Samples past Samples
// in the last record are zero padding.
type SegmentIndex struct {
	SegmentID   int64   `yaml:"segment_id"`
	Depth       float64 `yaml:"depth"`
	FirstRecord int     `yaml:"first_record"`
	Records     int     `yaml:"records"`
	Samples     int     `yaml:"samples"`
	IsGood      bool    `yaml:"is_good"`
	Valid       bool    `yaml:"valid"`
}

// track collects the segments that contribute one channel at one sample rate
type track struct {
	label    string
	rate     float64
	gain     float64
	segments []database.Segment
}

func (t *track) fileName() string {
	return fmt.Sprintf("%s_%d.edf", sanitize(t.label), int(t.rate))
}

// ExportProcedure writes every segment of procedureID and returns the
// directory holding the files
func (e *Exporter) ExportProcedure(ctx context.Context, procedureID int64) (string, error) {
	proc, err := e.store.GetProcedure(ctx, procedureID)
	if err != nil {
		return "", err
	}
	subject, err := e.store.GetSubject(ctx, proc.SubjectID)
	if err != nil {
		return "", err
	}

	segments, err := e.listSegments(ctx, procedureID)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", database.NewValidationErrorWithValue("procedure", "has no segments to export", procedureID)
	}
	tracks, err := buildTracks(segments)
	if err != nil {
		return "", err
	}

	outDir := filepath.Join(e.dir, fmt.Sprintf("procedure_%d", procedureID))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	index := Index{
		ProcedureID: procedureID,
		Subject:     subject.ExternalID,
		Target:      proc.TargetName,
		Date:        proc.Date.Format("2006-01-02"),
		RecordSec:   RecordDuration.Seconds(),
	}
	header := edf.Header{
		Version:            edf.Version0,
		PatientID:          PatientID(subject),
		RecordingID:        RecordingID(proc),
		DataRecordDuration: RecordDuration,
		SignalCount:        1,
	}
	for _, t := range tracks {
		fileIndex, err := e.writeTrack(ctx, filepath.Join(outDir, t.fileName()), header, t)
		if err != nil {
			return "", err
		}
		index.Files = append(index.Files, fileIndex)
		log.Printf("💾 Exported %s (%d segments)", fileIndex.File, len(fileIndex.Segments))
	}

	data, err := yaml.Marshal(&index)
	if err != nil {
		return "", fmt.Errorf("failed to encode segment index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, IndexFile), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write segment index: %w", err)
	}
	return outDir, nil
}

func (e *Exporter) listSegments(ctx context.Context, procedureID int64) ([]database.Segment, error) {
	var out []database.Segment
	var after int64
	for {
		page, err := e.store.ListSegments(ctx, procedureID, after, listPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < listPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

// buildTracks groups segment metadata by (label, rate) in capture order
func buildTracks(segments []database.Segment) ([]*track, error) {
	byKey := make(map[string]*track)
	var tracks []*track
	for _, seg := range segments {
		if seg.SampleRate != math.Trunc(seg.SampleRate) || seg.SampleRate <= 0 {
			return nil, database.NewValidationErrorWithValue("sample_rate", "must be a positive whole number of Hz", seg.SampleRate)
		}
		if seg.SampleRate > MaxRecordSamples {
			return nil, database.NewValidationErrorWithValue("sample_rate", fmt.Sprintf("exceeds %d samples per EDF record", MaxRecordSamples), seg.SampleRate)
		}
		for i, label := range seg.Labels {
			key := fmt.Sprintf("%s/%d", label, int(seg.SampleRate))
			t, ok := byKey[key]
			if !ok {
				t = &track{label: label, rate: seg.SampleRate}
				byKey[key] = t
				tracks = append(tracks, t)
			}
			t.gain = math.Max(t.gain, math.Abs(seg.Gain(i)))
			t.segments = append(t.segments, seg)
		}
	}
	sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].label < tracks[j].label })
	return tracks, nil
}

// writeTrack writes one channel file. The physical range spans the int16
// range at the largest gain seen, so samples keep their resolution.
func (e *Exporter) writeTrack(ctx context.Context, path string, header edf.Header, t *track) (FileIndex, error) {
	perRecord := int(t.rate)
	header.StartTime = t.segments[0].StartTime
	header.Signals = []edf.SignalHeader{{
		Label:             t.label,
		TransducerType:    "MER microelectrode",
		PhysicalDimension: "uV",
		PhysicalMin:       math.MinInt16 * t.gain,
		PhysicalMax:       math.MaxInt16 * t.gain,
		DigitalMin:        math.MinInt16,
		DigitalMax:        math.MaxInt16,
		SamplesPerRecord:  perRecord,
	}}

	f, err := os.Create(path)
	if err != nil {
		return FileIndex{}, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w, err := edf.Create(f, header)
	if err != nil {
		return FileIndex{}, fmt.Errorf("failed to write EDF header: %w", err)
	}

	index := FileIndex{File: filepath.Base(path), Label: t.label, SampleRate: t.rate}
	record := 0
	for _, meta := range t.segments {
		seg, err := e.store.GetSegment(ctx, meta.ID)
		if err != nil {
			return FileIndex{}, err
		}
		ch := seg.ChannelIndex(t.label)
		row, err := seg.Row(ch)
		if err != nil {
			return FileIndex{}, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		gain := seg.Gain(ch)

		entry := SegmentIndex{
			SegmentID:   seg.ID,
			Depth:       seg.Depth,
			FirstRecord: record,
			Samples:     len(row),
			IsGood:      seg.IsGood,
			Valid:       ch < len(seg.Validity) && seg.Validity[ch],
		}
		buf := make([]float64, perRecord)
		for start := 0; start < len(row); start += perRecord {
			for i := range buf {
				buf[i] = 0
				if start+i < len(row) {
					buf[i] = float64(row[start+i]) * gain
				}
			}
			if err := w.WriteRecord([][]float64{buf}); err != nil {
				return FileIndex{}, fmt.Errorf("segment %d: %w", seg.ID, err)
			}
			record++
		}
		entry.Records = record - entry.FirstRecord
		index.Segments = append(index.Segments, entry)
	}

	if err := w.Close(); err != nil {
		return FileIndex{}, fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return index, nil
}

// PatientID formats the EDF+ patient field: code, sex, birthdate, name
func PatientID(s *database.Subject) string {
	sex := "X"
	switch strings.ToUpper(s.Sex) {
	case "M", "MALE":
		sex = "M"
	case "F", "FEMALE":
		sex = "F"
	}
	birthday := "X"
	if s.Birthday != nil {
		birthday = edfDate(*s.Birthday)
	}
	name := "X"
	if s.Name != "" {
		name = sanitize(s.Name)
	}
	return clip(fmt.Sprintf("%s %s %s %s", sanitize(s.ExternalID), sex, birthday, name), 80)
}

// RecordingID formats the EDF+ recording field: start date, admin code, technician, equipment
func RecordingID(p *database.Procedure) string {
	equipment := sanitize(p.TargetName)
	if p.RecordingConfig != "" {
		equipment += "_" + sanitize(p.RecordingConfig)
	}
	if equipment == "" {
		equipment = "X"
	}
	return clip(fmt.Sprintf("Startdate %s P%d X %s", edfDate(p.Date), p.ID, equipment), 80)
}

func edfDate(t time.Time) string {
	return strings.ToUpper(t.Format("02-Jan-2006"))
}

// sanitize replaces the spaces EDF+ reserves as field separators
func sanitize(s string) string {
	return strings.Join(strings.Fields(s), "_")
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
