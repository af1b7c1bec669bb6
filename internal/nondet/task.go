package nondet

import (
	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// Task is one non-det queue entry: a validator sub-execution submitted in
// async mode, carrying its own call_no and the ExtendedMessage the
// gateway already forked (entry_stage_data holds the leader's result).
type Task struct {
	CallNo    uint32
	Address   calldata.Address
	EntryData []byte
	Config    vmrt.Config
	Message   vmrt.ExtendedMessage
}
