package domain

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStateJSON(t *testing.T) {
	for _, s := range []ConnectionState{NotConnected, Connecting, Connected} {
		data, err := json.Marshal(s)
		require.NoError(t, err)

		var got ConnectionState
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, s, got)
	}

	data, _ := json.Marshal(Connecting)
	assert.JSONEq(t, `"connecting"`, string(data))

	var s ConnectionState
	assert.Error(t, json.Unmarshal([]byte(`"gone"`), &s))
	assert.Equal(t, "ConnectionState(7)", ConnectionState(7).String())
}

func TestErrorsUnwrap(t *testing.T) {
	var err error = &NegotiationError{Stage: StageSignal, Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "negotiation failed at signal: unexpected EOF", err.Error())

	var neg *NegotiationError
	require.True(t, errors.As(err, &neg))
	assert.Equal(t, StageSignal, neg.Stage)

	err = &RecordingError{Op: "save", Err: io.ErrShortWrite}
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, "recording save: short write", err.Error())
}
