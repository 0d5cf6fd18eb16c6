package apperr

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(KindStorage, "blob.put", nil))
}

func TestKindOf_ThroughErisWrap(t *testing.T) {
	base := Wrap(KindDownload, "fetch", errors.New("status 503"))
	wrapped := eris.Wrap(base, "pipeline: fetch stage")

	assert.Equal(t, KindDownload, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindDownload))
	assert.False(t, Is(wrapped, KindStorage))
}

func TestKindOf_Plain(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindValidation))
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"op and err", &Error{Kind: KindPersistence, Op: "catalog.write", Err: errors.New("boom")}, "catalog.write: persistence_error: boom"},
		{"err only", &Error{Kind: KindPersistence, Err: errors.New("boom")}, "persistence_error: boom"},
		{"op only", &Error{Kind: KindNotFound, Op: "subscriber"}, "subscriber: not_found"},
		{"bare", &Error{Kind: KindRateLimited}, "rate_limit_exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNew_Unwrap(t *testing.T) {
	err := New(KindValidation, "rank", "invalid date %q", "2024-13-01")
	assert.Contains(t, err.Error(), `invalid date "2024-13-01"`)
	assert.NotNil(t, errors.Unwrap(err))
}
