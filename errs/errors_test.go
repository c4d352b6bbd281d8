package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		kind  Kind
	}{
		{"transient", Transient(base, "segmenter", "tick", "read failed"), IsTransient, KindTransientDevice},
		{"configuration", Config(ErrUnknownGroup, "segmenter", "apply", "group 9"), IsConfiguration, KindConfiguration},
		{"store", Store(base, "features", "save", ""), IsStore, KindStore},
		{"saturation", Saturation("segmenter", "commit", "all channels saturated"), IsSaturation, KindSaturation},
		{"fatal", Fatal(ErrInvalidArgs, "main", "parse", "role"), IsFatal, KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			kind, ok := KindOf(tt.err)
			assert.True(t, ok)
			assert.Equal(t, tt.kind, kind)

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped))
		})
	}
}

func TestUnwrapKeepsSentinel(t *testing.T) {
	err := Config(ErrDeprecatedKey, "bus", "parse", "sampling_rate")
	assert.ErrorIs(t, err, ErrDeprecatedKey)
	assert.False(t, IsStore(err))
	assert.Contains(t, err.Error(), "sampling_rate")
}

func TestSentinelsWithoutWrapper(t *testing.T) {
	assert.True(t, IsTransient(ErrNoData))
	assert.True(t, IsFatal(fmt.Errorf("main: %w", ErrInvalidArgs)))
	assert.False(t, IsTransient(nil))
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
