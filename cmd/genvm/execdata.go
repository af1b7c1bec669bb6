package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// messageData is the JSON shape of the inbound call envelope `genvm run`
// decodes out of ExecutionData, grounded on original_source's
// domain::MessageData (executor/common/src/lib.rs): contract/sender/origin
// addresses, a decimal chain id string, an optional value, an is-init flag
// and an RFC3339 timestamp defaulting to the original's own fixed
// "2024-11-26T06:42:42.424242Z" sentinel when absent.
type messageData struct {
	ContractAddress calldata.Address `json:"contract_address"`
	SenderAddress   calldata.Address `json:"sender_address"`
	OriginAddress   calldata.Address `json:"origin_address"`
	ChainID         string           `json:"chain_id"`
	Value           *uint64          `json:"value"`
	IsInit          bool             `json:"is_init"`
	Datetime        *time.Time       `json:"datetime"`
}

// defaultDatetime is the fixed fallback original_source's
// domain::default_datetime() uses when MessageData.datetime is absent from
// the JSON document, kept byte-for-byte so a test vector built against the
// original decodes identically here.
var defaultDatetime = time.Date(2024, time.November, 26, 6, 42, 42, 424242000, time.UTC)

// executionData is the JSON shape `genvm run --execution-data` decodes,
// matching original_source's domain::ExecutionData exactly: a calldata
// byte string, the message envelope above, opaque host_data forwarded
// without interpretation, and an optional root contract code blob (absent
// when the contract is expected to already be registered).
type executionData struct {
	Calldata []byte          `json:"calldata"`
	Message  messageData     `json:"message"`
	HostData json.RawMessage `json:"host_data"`
	Code     []byte          `json:"code"`
}

func decodeExecutionData(raw []byte) (executionData, error) {
	var ed executionData
	if err := json.Unmarshal(raw, &ed); err != nil {
		return executionData{}, fmt.Errorf("decoding execution data: %w", err)
	}
	return ed, nil
}

// toExtendedMessage builds the root spawn's vmrt.ExtendedMessage: an empty
// call stack (this is the entry point of the execution tree, with no
// caller above it), EntryKind fixed to EntryMain and EntryData to the
// decoded calldata bytes.
func (m messageData) toExtendedMessage(entryData []byte) (vmrt.ExtendedMessage, error) {
	chainID, ok := new(big.Int).SetString(m.ChainID, 10)
	if !ok {
		return vmrt.ExtendedMessage{}, fmt.Errorf("invalid chain_id %q", m.ChainID)
	}

	var value *big.Int
	if m.Value != nil {
		value = new(big.Int).SetUint64(*m.Value)
	}

	dt := defaultDatetime
	if m.Datetime != nil {
		dt = *m.Datetime
	}

	return vmrt.ExtendedMessage{
		ContractAddress: m.ContractAddress,
		SenderAddress:   m.SenderAddress,
		OriginAddress:   m.OriginAddress,
		Stack:           nil,
		ChainID:         chainID,
		Value:           value,
		IsInit:          m.IsInit,
		Datetime:        dt,
		EntryKind:       vmrt.EntryMain,
		EntryData:       entryData,
	}, nil
}
