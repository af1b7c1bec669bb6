package vmrt

// RunOutcome is the "clean" result of a finished VM run: one of Return,
// UserError or VmError. InternalError is not representable here — it is
// reserved for a Go error that escaped a run entirely (a host I/O failure,
// a bug), handled one level up by the caller. Grounded on rt/vm/mod.rs's
// RunOk.
type RunOutcome struct {
	Code ResultCode

	Return []byte // valid when Code == ResultReturn
	Message string // valid when Code == ResultUserError or ResultVmError

	// Cause is the underlying Go error behind a VmError outcome, kept for
	// logging only — never serialized onto the wire.
	Cause error
}

// ReturnOutcome wraps a contract's successful return value.
func ReturnOutcome(data []byte) RunOutcome {
	return RunOutcome{Code: ResultReturn, Return: data}
}

// EmptyReturnOutcome is what a VM that exits without calling Return
// produces, matching RunOk::empty_return's single zero byte.
func EmptyReturnOutcome() RunOutcome {
	return ReturnOutcome([]byte{0})
}

// UserErrorOutcome wraps a deliberate contract-level revert.
func UserErrorOutcome(msg string) RunOutcome {
	return RunOutcome{Code: ResultUserError, Message: msg}
}

// VMErrorOutcome wraps a VM-level fault (trap, OOM, timeout, ...).
func VMErrorOutcome(msg string, cause error) RunOutcome {
	return RunOutcome{Code: ResultVmError, Message: msg, Cause: cause}
}

// FromVMError builds the RunOutcome form of an already-classified VMError.
func FromVMError(e *VMError) RunOutcome {
	return VMErrorOutcome(e.Message, e.Cause)
}

// FromUserError builds the RunOutcome form of an already-classified
// UserError.
func FromUserError(e *UserError) RunOutcome {
	return UserErrorOutcome(e.Message)
}

// Payload returns the outcome's wire payload alone, without the leading
// code byte: the return value for ResultReturn, the message text for
// ResultUserError/ResultVmError.
func (r RunOutcome) Payload() []byte {
	switch r.Code {
	case ResultReturn:
		return r.Return
	case ResultUserError, ResultVmError:
		return []byte(r.Message)
	default:
		return nil
	}
}

// Bytes renders the outcome as {code byte, payload...}, the same framing
// ConsumeResult/PostNondetResult/GetLeaderNondetResult all send over the
// host wire and the same shape RunOk::as_bytes_iter produces.
func (r RunOutcome) Bytes() []byte {
	payload := r.Payload()
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(r.Code))
	return append(out, payload...)
}

// FromWire is Bytes' inverse: it rebuilds a RunOutcome from a wire-received
// {code, payload} pair, as returned by GetLeaderNondetResult.
func FromWire(code ResultCode, payload []byte) RunOutcome {
	switch code {
	case ResultReturn:
		return RunOutcome{Code: ResultReturn, Return: payload}
	default:
		return RunOutcome{Code: code, Message: string(payload)}
	}
}
