package lookup_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want lookup.Kind
	}{
		{"nil", nil, lookup.KindUnknown},
		{"plain", errors.New("boom"), lookup.KindUnknown},
		{"closed", lookup.ErrClientClosed, lookup.KindClosed},
		{"wrapped closed", fmt.Errorf("check: %w", lookup.ErrClientClosed), lookup.KindClosed},
		{"transport", &lookup.TransportError{Op: "dial", Err: context.DeadlineExceeded}, lookup.KindTransport},
		{"remote", &lookup.RemoteError{Status: 500}, lookup.KindRemote},
		{"decode", &lookup.DecodeError{Err: errors.New("bad json")}, lookup.KindDecode},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lookup.KindOf(tc.err))
		})
	}
}

func TestRemoteError_Text(t *testing.T) {
	withMessage := &lookup.RemoteError{Status: 400, Message: "invalid name", HasMessage: true}
	assert.Equal(t, "400 Bad Request: invalid name", withMessage.Text())

	withoutMessage := &lookup.RemoteError{Status: 503}
	assert.Equal(t, "503 Service Unavailable", withoutMessage.Text())
	assert.Contains(t, withoutMessage.Error(), "503")
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &lookup.TransportError{Op: "lookup name", Err: context.Canceled}
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, lookup.Retryable(err))
	assert.False(t, lookup.Retryable(&lookup.RemoteError{Status: 404}))
}

func TestParseProtocolAndTransport(t *testing.T) {
	p, err := lookup.ParseProtocol("")
	assert.NoError(t, err)
	assert.Equal(t, lookup.ProtocolV2, p)
	p, err = lookup.ParseProtocol("v1")
	assert.NoError(t, err)
	assert.Equal(t, lookup.ProtocolV1, p)
	_, err = lookup.ParseProtocol("v3")
	assert.Error(t, err)

	tr, err := lookup.ParseTransport("direct")
	assert.NoError(t, err)
	assert.Equal(t, lookup.TransportDirect, tr)
	assert.Equal(t, "direct", tr.String())
	_, err = lookup.ParseTransport("carrier-pigeon")
	assert.Error(t, err)
}
