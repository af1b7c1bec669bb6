package vmrt

// Config is the set of capability flags and the storage snapshot a single
// VM spawn runs under. Passed as a value, never as loose keyword-style
// arguments, matching the original's base::Config.
//
// Grounded on public_abi.rs / wasi/base.rs's Config, with the Open Question
// resolution recorded in DESIGN.md.
type Config struct {
	NeedsErrorFingerprint bool
	IsDeterministic       bool
	CanReadStorage        bool
	CanWriteStorage       bool
	CanSendMessages       bool
	CanCallOthers         bool
	CanSpawnNondet        bool
	StateMode             StorageType
}

// ForCall derives the Config a CallContract sub-execution runs
// under: always fingerprinted and deterministic, storage writes always
// disabled, the rest inherited from the parent.
func (c Config) ForCall(state StorageType) Config {
	return Config{
		NeedsErrorFingerprint: true,
		IsDeterministic:       true,
		CanReadStorage:        c.CanReadStorage,
		CanWriteStorage:       false,
		CanSendMessages:       c.CanSendMessages,
		CanCallOthers:         c.CanCallOthers,
		CanSpawnNondet:        c.CanSpawnNondet,
		StateMode:             state,
	}
}

// NondetLeaderConfig is the fixed Config a RunNondet leader or validator
// sub-execution runs under, independent of the parent's own Config: no
// fingerprinting, the default (pre-execution) storage snapshot, read-only,
// and non-deterministic (the whole point of the spawn is to reach the
// oracle surface that only a non-deterministic context may call).
// Grounded on genlayer_sdk.rs's run_nondet.
func NondetLeaderConfig() Config {
	return Config{
		NeedsErrorFingerprint: false,
		IsDeterministic:       false,
		CanReadStorage:        true,
		CanWriteStorage:       false,
		CanSendMessages:       false,
		CanCallOthers:         false,
		CanSpawnNondet:        false,
		StateMode:             StorageDefault,
	}
}
