package hostwire

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// fakeServer wraps the server side of a net.Pipe in the same frame helper
// the client uses, letting tests script exact request/reply byte shapes
// without a real process on the other end.
type fakeServer struct {
	f *frame
}

func newTestPair(t *testing.T) (*Host, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return &Host{conn: clientConn, f: newFrame(clientConn)}, &fakeServer{f: newFrame(serverConn)}
}

func TestGetCalldataRoundTrip(t *testing.T) {
	host, srv := newTestPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := srv.f.readByte()
		require.NoError(t, err)
		require.Equal(t, byte(MethodGetCalldata), m)
		require.NoError(t, srv.f.writeByte(byte(ErrnoOK)))
		require.NoError(t, srv.f.writeSlice([]byte("hello calldata")))
		require.NoError(t, srv.f.flush())
	}()

	got, err := host.GetCalldata(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("hello calldata"), got)
	<-done
}

func TestStorageReadFillsBuffer(t *testing.T) {
	host, srv := newTestPair(t)
	var account calldata.Address
	account[0] = 0xAB
	var slot calldata.SlotID
	slot[1] = 0xCD

	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := srv.f.readByte()
		require.NoError(t, err)
		require.Equal(t, byte(MethodStorageRead), m)

		mode, err := srv.f.readByte()
		require.NoError(t, err)
		require.Equal(t, byte(vmrt.StorageLatestFinal), mode)

		var gotAccount calldata.Address
		require.NoError(t, srv.f.readExact(gotAccount[:]))
		require.Equal(t, account, gotAccount)

		var gotSlot calldata.SlotID
		require.NoError(t, srv.f.readExact(gotSlot[:]))
		require.Equal(t, slot, gotSlot)

		index, err := srv.f.readU32()
		require.NoError(t, err)
		require.Equal(t, uint32(7), index)

		length, err := srv.f.readU32()
		require.NoError(t, err)
		require.Equal(t, uint32(4), length)

		require.NoError(t, srv.f.writeByte(byte(ErrnoOK)))
		require.NoError(t, srv.f.writeAll([]byte{1, 2, 3, 4}))
		require.NoError(t, srv.f.flush())
	}()

	buf := make([]byte, 4)
	err := host.StorageRead(context.Background(), vmrt.StorageLatestFinal, account, slot, 7, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, buf)
	<-done
}

func TestGetLeaderNondetResultIAmLeader(t *testing.T) {
	host, srv := newTestPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := srv.f.readByte()
		require.NoError(t, err)
		require.Equal(t, byte(MethodGetLeaderNondetResult), m)
		callNo, err := srv.f.readU32()
		require.NoError(t, err)
		require.Equal(t, uint32(42), callNo)

		require.NoError(t, srv.f.writeByte(byte(ErrnoIAmLeader)))
		require.NoError(t, srv.f.flush())
	}()

	result, err := host.GetLeaderNondetResult(context.Background(), 42)
	require.NoError(t, err)
	require.Nil(t, result)
	<-done
}

func TestGetLeaderNondetResultWithPayload(t *testing.T) {
	host, srv := newTestPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := srv.f.readByte()
		require.NoError(t, err)
		_, err = srv.f.readU32()
		require.NoError(t, err)

		require.NoError(t, srv.f.writeByte(byte(ErrnoOK)))
		body := append([]byte{byte(vmrt.ResultReturn)}, []byte("ok-payload")...)
		require.NoError(t, srv.f.writeSlice(body))
		require.NoError(t, srv.f.flush())
	}()

	result, err := host.GetLeaderNondetResult(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, vmrt.ResultReturn, result.Code)
	require.Equal(t, []byte("ok-payload"), result.Payload)
	<-done
}

func TestConsumeFuelIsFireAndForget(t *testing.T) {
	host, srv := newTestPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := srv.f.readByte()
		require.NoError(t, err)
		require.Equal(t, byte(MethodConsumeFuel), m)
		gas, err := srv.f.readU64()
		require.NoError(t, err)
		require.Equal(t, uint64(9000), gas)
	}()

	err := host.ConsumeFuel(context.Background(), 9000)
	require.NoError(t, err)
	<-done
}

func TestGetBalanceDecodesLittleEndianU256(t *testing.T) {
	host, srv := newTestPair(t)
	var address calldata.Address
	address[19] = 0x01

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := srv.f.readByte()
		require.NoError(t, err)
		var gotAddr calldata.Address
		require.NoError(t, srv.f.readExact(gotAddr[:]))
		require.Equal(t, address, gotAddr)

		require.NoError(t, srv.f.writeByte(byte(ErrnoOK)))
		var le [32]byte
		le[0] = 0x2a
		require.NoError(t, srv.f.writeAll(le[:]))
		require.NoError(t, srv.f.flush())
	}()

	balance, err := host.GetBalance(context.Background(), address)
	require.NoError(t, err)
	require.Equal(t, int64(42), balance.Int64())
	<-done
}

func TestExpectOKTranslatesNonOKErrno(t *testing.T) {
	host, srv := newTestPair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := srv.f.readByte()
		require.NoError(t, err)
		require.NoError(t, srv.f.writeByte(byte(ErrnoForbidden)))
		require.NoError(t, srv.f.flush())
	}()

	err := host.StorageWrite(context.Background(), calldata.SlotID{}, 0, []byte("x"))
	require.ErrorContains(t, err, "forbidden")
	<-done
}
