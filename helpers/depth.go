package helpers

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MicrometresPerMillimetre is the depth quantum: depths are compared as integer micrometres
const MicrometresPerMillimetre = 1000

// DepthToMicrometres rounds a millimetre depth to the nearest 0.001 mm
func DepthToMicrometres(mm float64) int64 {
	return int64(math.Round(mm * MicrometresPerMillimetre))
}

// MicrometresToDepth converts a quantized depth back to millimetres
func MicrometresToDepth(um int64) float64 {
	return float64(um) / MicrometresPerMillimetre
}

// FormatDepth prints a depth with three decimals, as carried on the ddu topic
func FormatDepth(mm float64) string {
	return fmt.Sprintf("%.3f", MicrometresToDepth(DepthToMicrometres(mm)))
}

// ParseDepth parses a ddu payload into millimetres and its quantized value
func ParseDepth(payload string) (float64, int64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse depth %q: %w", payload, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, 0, fmt.Errorf("parse depth %q: not finite", payload)
	}
	um := DepthToMicrometres(v)
	return MicrometresToDepth(um), um, nil
}
