package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		network bool
	}{
		{name: "eof", err: io.EOF, network: true},
		{name: "deadline", err: context.DeadlineExceeded, network: true},
		{name: "wrappedEOF", err: errors.Join(errors.New("rpc"), io.EOF), network: true},
		{name: "netOpError", err: &net.OpError{Op: "read", Err: errors.New("reset")}, network: true},
		{name: "canceled", err: context.Canceled, network: false},
		{name: "plain", err: errors.New("boom"), network: false},
		{name: "rpcDomain", err: tgerr.New(400, "PEER_ID_INVALID"), network: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.network, isNetworkError(tc.err))
		})
	}
}

func TestIsBannedError(t *testing.T) {
	t.Parallel()

	require.True(t, IsBannedError(errors.New("the user has been deactivated")))
	require.True(t, IsBannedError(errors.New("account BANNED by telegram")))
	require.False(t, IsBannedError(errors.New("flood wait")))
	require.False(t, IsBannedError(nil))
}

func TestIsTimestampOutdated(t *testing.T) {
	t.Parallel()

	require.True(t, isTimestampOutdated(errors.New("PersistentTimestampOutdated")))
	require.True(t, isTimestampOutdated(errors.New("persistent timestamp is outdated")))
	require.False(t, isTimestampOutdated(errors.New("other")))
}

func TestAsFloodWait(t *testing.T) {
	t.Parallel()

	wait, ok := AsFloodWait(tgerr.New(420, "FLOOD_WAIT_300"))
	require.True(t, ok)
	require.Equal(t, 300*time.Second, wait)

	_, ok = AsFloodWait(errors.New("plain"))
	require.False(t, ok)
}

func TestDomainErrorPredicates(t *testing.T) {
	t.Parallel()

	require.True(t, IsUsernameNotOccupied(tgerr.New(400, "USERNAME_NOT_OCCUPIED")))
	require.True(t, IsPeerInvalid(tgerr.New(400, "PEER_ID_INVALID")))
	require.True(t, IsFileReferenceExpired(tgerr.New(400, "FILE_REFERENCE_EXPIRED")))
	require.False(t, IsPeerInvalid(tgerr.New(400, "USERNAME_NOT_OCCUPIED")))
}

func TestErrUnresolvable(t *testing.T) {
	t.Parallel()

	err := error(&ErrUnresolvable{Ref: "777", CacheSize: 12})
	require.True(t, IsUnresolvable(err))
	require.Contains(t, err.Error(), "cannot resolve entity 777")
	require.Contains(t, err.Error(), "cache=12")

	wrapped := errors.Join(errors.New("context"), err)
	require.True(t, IsUnresolvable(wrapped))
	require.False(t, IsUnresolvable(errors.New("other")))
}
