package hostwire

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

const unixPrefix = "unix://"

// Host is one VM's single connection to its supervising host process. All
// calls are serialized behind mu — the wire protocol is strictly
// request/reply on one socket, so concurrent goroutines calling the same
// Host must queue rather than interleave frames. Grounded on
// host/mod.rs's Host, substituting Rust's single-threaded-per-VM ownership
// model with an explicit mutex since a VM's host callbacks in this engine
// may be invoked from more than one goroutine (e.g. a sandboxed
// sub-execution running concurrently with its parent).
type Host struct {
	mu   sync.Mutex
	conn net.Conn
	f    *frame
}

// Dial connects to addr, which is either a bare "unix://" path or a TCP
// host:port, matching Host::connect's prefix-sniffing.
func Dial(addr string) (*Host, error) {
	var conn net.Conn
	var err error
	if suffix, ok := strings.CutPrefix(addr, unixPrefix); ok {
		conn, err = net.Dial("unix", suffix)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("hostwire: connecting to %s: %w", addr, err)
	}
	return &Host{conn: conn, f: newFrame(conn)}, nil
}

func (h *Host) deadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		h.conn.SetDeadline(dl)
	} else {
		h.conn.SetDeadline(time.Time{})
	}
}

func (h *Host) lock(ctx context.Context) func() {
	h.mu.Lock()
	h.deadline(ctx)
	return h.mu.Unlock
}

// Close releases the underlying socket.
func (h *Host) Close() error { return h.conn.Close() }

// GetCalldata fetches the raw encoded calldata for the current message.
func (h *Host) GetCalldata(ctx context.Context) ([]byte, error) {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodGetCalldata)); err != nil {
		return nil, err
	}
	if err := h.f.flush(); err != nil {
		return nil, err
	}
	if err := h.f.expectOK(); err != nil {
		return nil, err
	}
	return h.f.readBytes()
}

// StorageRead fills buf with len(buf) bytes from account's slot storage at
// index, under the given snapshot mode.
func (h *Host) StorageRead(ctx context.Context, mode vmrt.StorageType, account calldata.Address, slot calldata.SlotID, index uint32, buf []byte) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodStorageRead)); err != nil {
		return err
	}
	if err := h.f.writeByte(byte(mode)); err != nil {
		return err
	}
	if err := h.f.writeAll(account[:]); err != nil {
		return err
	}
	if err := h.f.writeAll(slot[:]); err != nil {
		return err
	}
	if err := h.f.writeU32(index); err != nil {
		return err
	}
	if err := h.f.writeU32(uint32(len(buf))); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	if err := h.f.expectOK(); err != nil {
		return err
	}
	return h.f.readExact(buf)
}

// StorageWrite overwrites len(buf) bytes of the current contract's own
// storage at slot/index. Writes are always against the contract's own
// pending-execution state, so there is no StorageType parameter.
func (h *Host) StorageWrite(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodStorageWrite)); err != nil {
		return err
	}
	if err := h.f.writeAll(slot[:]); err != nil {
		return err
	}
	if err := h.f.writeU32(index); err != nil {
		return err
	}
	if err := h.f.writeSlice(buf); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	return h.f.expectOK()
}

// ConsumeResult delivers the final encoded {code, payload} result of this
// VM's execution and waits for the host's one-byte ACK.
func (h *Host) ConsumeResult(ctx context.Context, code vmrt.ResultCode, payload []byte) error {
	defer h.lock(ctx)()

	encoded := make([]byte, 0, 1+len(payload))
	encoded = append(encoded, byte(code))
	encoded = append(encoded, payload...)

	if err := h.f.writeByte(byte(MethodConsumeResult)); err != nil {
		return err
	}
	if err := h.f.writeSlice(encoded); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	_, err := h.f.readByte()
	return err
}

// LeaderResult is what GetLeaderNondetResult decodes the host's reply into.
type LeaderResult struct {
	Code    vmrt.ResultCode
	Payload []byte
}

// GetLeaderNondetResult asks whether a leader has already produced a result
// for call_no. A nil *LeaderResult with a nil error means this VM IS the
// leader for that call and must compute the result itself.
func (h *Host) GetLeaderNondetResult(ctx context.Context, callNo uint32) (*LeaderResult, error) {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodGetLeaderNondetResult)); err != nil {
		return nil, err
	}
	if err := h.f.writeU32(callNo); err != nil {
		return nil, err
	}
	if err := h.f.flush(); err != nil {
		return nil, err
	}

	errno, err := h.f.readErrno()
	if err != nil {
		return nil, err
	}
	switch errno {
	case ErrnoOK:
	case ErrnoIAmLeader:
		return nil, nil
	default:
		return nil, fmt.Errorf("hostwire: %s", errno.StrSnakeCase())
	}

	body, err := h.f.readBytes()
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("hostwire: empty leader result body")
	}
	return &LeaderResult{Code: vmrt.ResultCode(body[0]), Payload: body[1:]}, nil
}

// PostNondetResult reports this validator's own computed result for callNo
// back to the host (either as the leader, or as a validator comparing
// against the leader's result).
func (h *Host) PostNondetResult(ctx context.Context, callNo uint32, code vmrt.ResultCode, payload []byte) error {
	defer h.lock(ctx)()

	encoded := make([]byte, 0, 1+len(payload))
	encoded = append(encoded, byte(code))
	encoded = append(encoded, payload...)

	if err := h.f.writeByte(byte(MethodPostNondetResult)); err != nil {
		return err
	}
	if err := h.f.writeU32(callNo); err != nil {
		return err
	}
	if err := h.f.writeSlice(encoded); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	return h.f.expectOK()
}

// PostMessage asks the host to queue an outgoing inter-contract message.
func (h *Host) PostMessage(ctx context.Context, account calldata.Address, callData []byte, data string) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodPostMessage)); err != nil {
		return err
	}
	if err := h.f.writeAll(account[:]); err != nil {
		return err
	}
	if err := h.f.writeSlice(callData); err != nil {
		return err
	}
	if err := h.f.writeSlice([]byte(data)); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	return h.f.expectOK()
}

// PostEvent asks the host to emit a log event, topics joined as newline-
// separated UTF-8 in data the same way PostMessage's free-form data field
// carries structured auxiliary info.
func (h *Host) PostEvent(ctx context.Context, topics []string, data []byte) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodPostEvent)); err != nil {
		return err
	}
	if err := h.f.writeSlice([]byte(strings.Join(topics, "\n"))); err != nil {
		return err
	}
	if err := h.f.writeSlice(data); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	return h.f.expectOK()
}

// ConsumeFuel reports gas spent since the last report. Fire-and-forget: no
// reply is read, matching consume_fuel's own fire-and-forget flush.
func (h *Host) ConsumeFuel(ctx context.Context, gas uint64) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodConsumeFuel)); err != nil {
		return err
	}
	if err := h.f.writeU64(gas); err != nil {
		return err
	}
	return h.f.flush()
}

// DeployContract asks the host to deploy code as a new contract invoked
// with callData.
func (h *Host) DeployContract(ctx context.Context, callData, code []byte, data string) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodDeployContract)); err != nil {
		return err
	}
	if err := h.f.writeSlice(callData); err != nil {
		return err
	}
	if err := h.f.writeSlice(code); err != nil {
		return err
	}
	if err := h.f.writeSlice([]byte(data)); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	return h.f.expectOK()
}

// EthCall performs a read-only EVM call against address.
func (h *Host) EthCall(ctx context.Context, address calldata.Address, callData []byte) ([]byte, error) {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodEthCall)); err != nil {
		return nil, err
	}
	if err := h.f.writeAll(address[:]); err != nil {
		return nil, err
	}
	if err := h.f.writeU32(uint32(len(callData))); err != nil {
		return nil, err
	}
	if err := h.f.writeAll(callData); err != nil {
		return nil, err
	}
	if err := h.f.flush(); err != nil {
		return nil, err
	}
	if err := h.f.expectOK(); err != nil {
		return nil, err
	}
	return h.f.readBytes()
}

// EthSend performs a state-changing EVM transaction against address.
func (h *Host) EthSend(ctx context.Context, address calldata.Address, callData []byte, data string) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodEthSend)); err != nil {
		return err
	}
	if err := h.f.writeAll(address[:]); err != nil {
		return err
	}
	if err := h.f.writeU32(uint32(len(callData))); err != nil {
		return err
	}
	if err := h.f.writeAll(callData); err != nil {
		return err
	}
	if err := h.f.writeU32(uint32(len(data))); err != nil {
		return err
	}
	if err := h.f.writeAll([]byte(data)); err != nil {
		return err
	}
	if err := h.f.flush(); err != nil {
		return err
	}
	return h.f.expectOK()
}

// GetBalance returns address's native-token balance as an unsigned 256-bit
// little-endian-on-the-wire integer.
func (h *Host) GetBalance(ctx context.Context, address calldata.Address) (*big.Int, error) {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodGetBalance)); err != nil {
		return nil, err
	}
	if err := h.f.writeAll(address[:]); err != nil {
		return nil, err
	}
	if err := h.f.flush(); err != nil {
		return nil, err
	}
	if err := h.f.expectOK(); err != nil {
		return nil, err
	}

	var buf [32]byte
	if err := h.f.readExact(buf[:]); err != nil {
		return nil, err
	}
	return leBytesToBigInt(buf[:]), nil
}

// RemainingFuelAsGen returns how much gas this VM has left to spend,
// expressed in the host's own unit, used to bound nested spawns.
func (h *Host) RemainingFuelAsGen(ctx context.Context) (uint64, error) {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodRemainingFuelAsGen)); err != nil {
		return 0, err
	}
	if err := h.f.flush(); err != nil {
		return 0, err
	}
	if err := h.f.expectOK(); err != nil {
		return 0, err
	}
	return h.f.readU64()
}

// NotifyNondetDisagreement reports that this validator's result for callNo
// disagreed with the leader's. Fire-and-forget, matching the original.
func (h *Host) NotifyNondetDisagreement(ctx context.Context, callNo uint32) error {
	defer h.lock(ctx)()

	if err := h.f.writeByte(byte(MethodNotifyNondetDisagreement)); err != nil {
		return err
	}
	if err := h.f.writeU32(callNo); err != nil {
		return err
	}
	return h.f.flush()
}

func leBytesToBigInt(buf []byte) *big.Int {
	be := make([]byte, len(buf))
	for i, b := range buf {
		be[len(buf)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}
