package engine

import (
	"context"
	"errors"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/sdk"
	"github.com/genvm-run/genvm/internal/storage"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// hostModuleName is the wazero host module every runner's wasm imports
// against, the Go analogue of genlayer_sdk.rs's import namespace: one
// wazero host function, gl_call(ptr, len) -> (ptr, len), registered via
// NewHostModuleBuilder, supplemented here with storage_read/storage_write
// (handled separately from gl_call per internal/sdk's own package doc) and
// get_calldata.
const hostModuleName = "genlayer_sdk"

// RawStorageReader is the narrow host-wire surface storage_read needs when
// state_mode isn't Default and the overlay must be bypassed: route via the
// storage overlay when state_mode == Default, otherwise bypass the overlay
// and read directly from the host with the stated mode. Satisfied by
// *internal/hostwire.Host.
type RawStorageReader interface {
	StorageRead(ctx context.Context, mode vmrt.StorageType, account calldata.Address, slot calldata.SlotID, index uint32, buf []byte) error
}

// UpgraderCheck reports whether addr is in the current contract's
// UPGRADERS set, lifting the locked-slot write restriction for the
// duration of this call.
type UpgraderCheck func(ctx context.Context, addr calldata.Address) (bool, error)

// bridge is one spawn's worth of state the genlayer_sdk host functions
// reach through the context key below: the Gateway dispatching gl_call,
// the VM whose Terminate unwinds the run on Return/Rollback/VMError, and
// the storage/capability state storage_read/storage_write route through
// without involving the Gateway (internal/sdk's package doc: "storage is
// handled separately").
type bridge struct {
	gateway  *sdk.Gateway
	vm       *vmrt.VM
	overlay  *storage.Storage
	rawHost  RawStorageReader
	locked   sdk.LockedSlots
	upgrader UpgraderCheck
	account  calldata.Address // contract whose storage this spawn reads/writes
	sender   calldata.Address // msg sender, checked against UPGRADERS for locked-slot writes
	cfg      vmrt.Config
	calldata []byte
}

type bridgeKey struct{}

// withBridge attaches b to ctx before LinkWasm/StartWasm run this spawn's
// entry module, so every gl_call/storage_read/storage_write host call made
// during that run can recover it.
func withBridge(ctx context.Context, b *bridge) context.Context {
	return context.WithValue(ctx, bridgeKey{}, b)
}

func bridgeFromContext(ctx context.Context) *bridge {
	b, _ := ctx.Value(bridgeKey{}).(*bridge)
	return b
}

// registerHostModule builds genlayer_sdk against rt. Every module
// instantiated from rt afterward can import it; called once per Runtime by
// Supervisor construction, not once per spawn.
func registerHostModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(glCall).Export("gl_call").
		NewFunctionBuilder().WithFunc(storageRead).Export("storage_read").
		NewFunctionBuilder().WithFunc(storageWrite).Export("storage_write").
		NewFunctionBuilder().WithFunc(getCalldata).Export("get_calldata").
		Instantiate(ctx)
	return err
}

// writeResponse copies payload into the guest's own memory via its
// exported alloc(size u32) -> ptr u32 function and returns the (ptr, len)
// pair gl_call/get_calldata hand back to wasm. The outer gl_call signature
// fixes only the (ptr,len)->(ptr,len) shape, not how the host places bytes
// into guest memory, so this alloc-then-write convention follows the same
// guest-owns-its-own-allocator idiom common to wasm host ABIs
// (AssemblyScript loader, wasm-bindgen).
func writeResponse(ctx context.Context, mod api.Module, payload []byte) (uint32, uint32) {
	if len(payload) == 0 {
		return 0, 0
	}
	allocFn := mod.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, 0
	}
	results, err := allocFn.Call(ctx, uint64(len(payload)))
	if err != nil || len(results) == 0 {
		return 0, 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ctx, ptr, payload) {
		return 0, 0
	}
	return ptr, uint32(len(payload))
}

// glCall is the genlayer_sdk.gl_call host function: decode, dispatch via
// Gateway.Call, and either terminate the VM (Return/Rollback/VMError) or
// hand the guest a {errno byte, payload...} response framed the same way
// RunOutcome.Bytes() frames a final result — errno 0 (sdk.ErrnoSuccess)
// doubles as the "ok" code since Errno's zero value already means success.
func glCall(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (uint32, uint32) {
	b := bridgeFromContext(ctx)
	if b == nil {
		return 0, 0
	}

	mem := mod.Memory()
	req, ok := mem.Read(ctx, reqPtr, reqLen)
	if !ok {
		return writeResponse(ctx, mod, []byte{byte(sdk.ErrnoFault)})
	}

	resp, callErr := b.gateway.Call(ctx, req)

	var vmErr *vmrt.VMError
	if errors.As(callErr, &vmErr) {
		b.vm.Terminate(ctx, mod, vmrt.FromVMError(vmErr))
		return 0, 0
	}
	var userErr *vmrt.UserError
	if errors.As(callErr, &userErr) {
		b.vm.Terminate(ctx, mod, vmrt.FromUserError(userErr))
		return 0, 0
	}

	if callErr == nil {
		if msg, derr := sdk.DecodeMessage(req); derr == nil && msg.Return != nil {
			b.vm.Terminate(ctx, mod, vmrt.ReturnOutcome(resp))
			return 0, 0
		}
	}

	if callErr != nil {
		var errno sdk.Errno
		if errors.As(callErr, &errno) {
			return writeResponse(ctx, mod, []byte{byte(errno)})
		}
		return writeResponse(ctx, mod, []byte{byte(sdk.ErrnoInval)})
	}

	out := make([]byte, 0, 1+len(resp))
	out = append(out, byte(sdk.ErrnoSuccess))
	out = append(out, resp...)
	return writeResponse(ctx, mod, out)
}

// getCalldata is the genlayer_sdk.get_calldata host function: hands back
// this spawn's own entry payload (the root spawn's calldata, or a nested
// spawn's EntryData), reusing the same alloc-write convention gl_call uses.
func getCalldata(ctx context.Context, mod api.Module) (uint32, uint32) {
	b := bridgeFromContext(ctx)
	if b == nil {
		return 0, 0
	}
	return writeResponse(ctx, mod, b.calldata)
}

// storageRead is the genlayer_sdk.storage_read host function: forbidden
// outside a capability that allows it, otherwise routed via the overlay for
// the Default state mode or straight to the host for any other snapshot.
func storageRead(ctx context.Context, mod api.Module, slotPtr, index, bufPtr, bufLen uint32) uint32 {
	b := bridgeFromContext(ctx)
	if b == nil {
		return uint32(sdk.ErrnoFault)
	}
	if !b.cfg.CanReadStorage {
		return uint32(sdk.ErrnoForbidden)
	}
	if uint64(index)+uint64(bufLen) > math.MaxUint32 {
		return uint32(sdk.ErrnoOverflow)
	}

	mem := mod.Memory()
	slotBytes, ok := mem.Read(ctx, slotPtr, calldata.SlotSize)
	if !ok {
		return uint32(sdk.ErrnoFault)
	}
	var slot calldata.SlotID
	copy(slot[:], slotBytes)

	buf := make([]byte, bufLen)
	var err error
	if b.cfg.StateMode == vmrt.StorageDefault {
		err = b.overlay.Read(ctx, slot, index, buf)
	} else if b.rawHost != nil {
		err = b.rawHost.StorageRead(ctx, b.cfg.StateMode, b.account, slot, index, buf)
	} else {
		err = errors.New("engine: no raw storage host configured")
	}
	if err != nil {
		return uint32(sdk.ErrnoFault)
	}
	if !mem.Write(ctx, bufPtr, buf) {
		return uint32(sdk.ErrnoFault)
	}
	return uint32(sdk.ErrnoSuccess)
}

// storageWrite is the genlayer_sdk.storage_write host function: forbidden
// outside a write-capable Config, forbidden against a locked slot unless
// the sender is a registered upgrader, otherwise routed through the
// overlay (writes never bypass it — they land in the pending delta).
func storageWrite(ctx context.Context, mod api.Module, slotPtr, index, bufPtr, bufLen uint32) uint32 {
	b := bridgeFromContext(ctx)
	if b == nil {
		return uint32(sdk.ErrnoFault)
	}
	if !b.cfg.CanWriteStorage {
		return uint32(sdk.ErrnoForbidden)
	}

	mem := mod.Memory()
	slotBytes, ok := mem.Read(ctx, slotPtr, calldata.SlotSize)
	if !ok {
		return uint32(sdk.ErrnoFault)
	}
	var slot calldata.SlotID
	copy(slot[:], slotBytes)

	if b.locked != nil && b.locked.Contains(slot) {
		isUpgrader := false
		if b.upgrader != nil {
			var err error
			isUpgrader, err = b.upgrader(ctx, b.sender)
			if err != nil {
				return uint32(sdk.ErrnoFault)
			}
		}
		if !isUpgrader {
			return uint32(sdk.ErrnoForbidden)
		}
	}

	buf, ok := mem.Read(ctx, bufPtr, bufLen)
	if !ok {
		return uint32(sdk.ErrnoFault)
	}
	if err := b.overlay.Write(ctx, slot, index, buf); err != nil {
		return uint32(sdk.ErrnoFault)
	}
	return uint32(sdk.ErrnoSuccess)
}
