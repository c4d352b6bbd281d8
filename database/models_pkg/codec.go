package models

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeSamples packs a channels × samples matrix as little-endian int16, row-major.
// Every row must have the same length.
func EncodeSamples(matrix [][]int16) ([]byte, error) {
	if len(matrix) == 0 {
		return nil, nil
	}
	n := len(matrix[0])
	out := make([]byte, 2*n*len(matrix))
	for ch, row := range matrix {
		if len(row) != n {
			return nil, fmt.Errorf("channel %d has %d samples, expected %d", ch, len(row), n)
		}
		base := 2 * n * ch
		for i, v := range row {
			binary.LittleEndian.PutUint16(out[base+2*i:], uint16(v))
		}
	}
	return out, nil
}

// DecodeSamples unpacks data produced by EncodeSamples
func DecodeSamples(data []byte, nChannels, nSamples int) ([][]int16, error) {
	if len(data) != 2*nChannels*nSamples {
		return nil, fmt.Errorf("sample data has %d bytes, expected %d", len(data), 2*nChannels*nSamples)
	}
	out := make([][]int16, nChannels)
	for ch := range out {
		row := make([]int16, nSamples)
		base := 2 * nSamples * ch
		for i := range row {
			row[i] = int16(binary.LittleEndian.Uint16(data[base+2*i:]))
		}
		out[ch] = row
	}
	return out, nil
}

// Row decodes one channel of the segment's sample matrix
func (s *Segment) Row(index int) ([]int16, error) {
	if index < 0 || index >= s.NChannels {
		return nil, fmt.Errorf("channel index %d out of range [0,%d)", index, s.NChannels)
	}
	if len(s.Data) != 2*s.NChannels*s.NSamples {
		return nil, fmt.Errorf("sample data has %d bytes, expected %d", len(s.Data), 2*s.NChannels*s.NSamples)
	}
	row := make([]int16, s.NSamples)
	base := 2 * s.NSamples * index
	for i := range row {
		row[i] = int16(binary.LittleEndian.Uint16(s.Data[base+2*i:]))
	}
	return row, nil
}

// Gain returns the microvolt gain of a channel, 1 when unknown
func (s *Segment) Gain(index int) float64 {
	if index >= 0 && index < len(s.Gains) && s.Gains[index] != 0 {
		return s.Gains[index]
	}
	return 1
}

// ChannelIndex returns the row of label, or -1
func (s *Segment) ChannelIndex(label string) int {
	for i, l := range s.Labels {
		if l == label {
			return i
		}
	}
	return -1
}

// EncodePayload packs float64 values little-endian
func EncodePayload(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

// DecodePayload unpacks data produced by EncodePayload
func DecodePayload(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("payload has %d bytes, not a multiple of 8", len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return out, nil
}

// Values decodes the feature payload
func (f *Feature) Values() ([]float64, error) {
	return DecodePayload(f.Payload)
}
