package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ka1naas/Research-Engram/core"
	"github.com/m-mizutani/gt"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")

	unavailable := core.Unavailable(cause, "failed to call model")
	gt.True(t, errors.Is(unavailable, core.ErrServiceUnavailable))
	gt.True(t, errors.Is(unavailable, cause))
	gt.False(t, errors.Is(unavailable, core.ErrMalformedResponse))

	malformed := core.Malformed(cause, "failed to decode reply")
	gt.True(t, errors.Is(malformed, core.ErrMalformedResponse))
	gt.False(t, errors.Is(malformed, core.ErrNotFound))

	notFound := core.NotFound("profile not found")
	gt.True(t, errors.Is(notFound, core.ErrNotFound))
	gt.False(t, errors.Is(notFound, core.ErrServiceUnavailable))
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)
	parsed, err := core.ParseTime(core.FormatTime(ts))
	gt.NoError(t, err)
	gt.True(t, parsed.Equal(ts))

	legacy, err := core.ParseTime("2024-01-01 10:00:00")
	gt.NoError(t, err)
	gt.Equal(t, legacy.Hour(), 10)

	dateOnly, err := core.ParseTime("2024-01-02")
	gt.NoError(t, err)
	gt.Equal(t, dateOnly.Day(), 2)

	_, err = core.ParseTime("yesterday")
	gt.Error(t, err)
}

func TestFormatTimeOrdersLexically(t *testing.T) {
	early := core.FormatTime(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	late := core.FormatTime(time.Date(2024, 1, 1, 10, 0, 0, 1000, time.UTC))
	gt.True(t, early < late)
}

func TestInvalid(t *testing.T) {
	err := core.Invalid("claim is empty")
	gt.True(t, errors.Is(err, core.ErrInvalidArgument))
	gt.False(t, errors.Is(err, core.ErrNotFound))
}
