package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToolErrorUnwrapsToKind(t *testing.T) {
	err := fmt.Errorf("assign: %w", DeviceNotFound("TV1"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrResourceExhausted))
	assert.Equal(t, "DEVICE_NOT_FOUND", Code(err))
}

func TestCodeFallsBackToKind(t *testing.T) {
	assert.Equal(t, "RESOURCE_EXHAUSTED", Code(fmt.Errorf("bind: %w", ErrResourceExhausted)))
	assert.Equal(t, "INTERNAL_ERROR", Code(errors.New("boom")))
}

func TestDeviceCloneDetachesDesired(t *testing.T) {
	d := Device{Name: "TV1", Desired: &Assignment{VideoID: "a.mp4"}}
	c := d.Clone()
	c.Desired.VideoID = "b.mp4"

	assert.Equal(t, "a.mp4", d.Desired.VideoID)
}

func TestSecondsRejectsOutOfRange(t *testing.T) {
	d, err := Seconds("position_seconds", 90.5)
	assert.NoError(t, err)
	assert.Equal(t, 90500*time.Millisecond, d)

	d, err = Seconds("ttl_seconds", -1)
	assert.NoError(t, err)
	assert.Equal(t, -time.Second, d)

	for _, v := range []float64{1e300, -1e300, math.Inf(1), math.NaN(), maxSeconds + 1} {
		_, err := Seconds("position_seconds", v)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "value %v", v)
		assert.Equal(t, "INVALID_ARGUMENT", Code(err))
	}
}
