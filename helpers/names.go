package helpers

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// PatientName is a subject's name split for device recording metadata
type PatientName struct {
	First  string
	Middle string
	Last   string
}

// ParsePatientName splits a full name around its first all-caps token.
// "John Q Public" gives First "John", Middle "Q", Last "Public".
// Without an all-caps token the final word is the last name.
func ParsePatientName(full string) PatientName {
	names := strings.Fields(full)
	if len(names) == 0 {
		return PatientName{}
	}

	mIdx := len(names) - 1
	lIdx := len(names) - 1
	middle := ""
	for i, n := range names {
		if isAllUpper(n) {
			mIdx = i
			lIdx = i + 1
			middle = n
			break
		}
	}

	p := PatientName{
		First:  strings.Join(names[:mIdx], " "),
		Middle: middle,
		Last:   strings.Join(names[lIdx:], " "),
	}
	// A single name is reported as the last name by the device, mirror it into first
	if p.First == "" {
		p.First = p.Last
	}
	return p
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

// RecordingFileName builds the device file name mmddyy_subjectid_target_recordingconfig under base/subjectid
func RecordingFileName(base, subjectID, target, recordingConfig string, date time.Time) string {
	name := strings.Join([]string{
		date.Format("010206"),
		subjectID,
		target,
		recordingConfig,
	}, "_")
	return filepath.Clean(filepath.Join(base, subjectID, name))
}
