package ledger

import "time"

// Tunable constants for the pool and chain engine, overridable
// via internal/config.
var (
	MaxPoolSize       = 10000
	MaxTxsPerSender   = 50
	MinFeeRate        = uint64(1) // millionths of a fee unit per byte (FeePerByte's scale), must be > 0

	BlockInterval = 30 * time.Second
	SyncInterval  = 60 * time.Second

	MaxTransactionsPerBlock = 1000
	MaxMiningTime           = 5 * time.Minute
	MaxBlockTime            = 10 * time.Minute
	MinBlockTime            = 1 * time.Second
	MaxForkDepth            = 6

	// Difficulty is the number of required leading hex-zero characters in
	// a block hash.
	Difficulty = 2

	// TransferGas and the data-transaction gas model.
	TransferGas      uint64 = 21
	DataGasBase      uint64 = 10
	DataGasPerByte   uint64 = 1
	MaxDataPayload          = 4096

	// TxSizeOverhead is added to the serialised length when estimating a
	// transaction's byte size for fee-per-byte accounting.
	TxSizeOverhead = 64

	// MaxTimestampSkew bounds how far a transaction's timestamp may be
	// from wall clock at verification time.
	MaxTimestampSkew = 1 * time.Hour

	// MaxBlockTimestampAhead bounds how far a block's timestamp may be
	// ahead of local wall clock during validation.
	MaxBlockTimestampAhead = 2 * time.Hour

	// MaxNodesToSync bounds parallel snapshot fetches during
	// reconciliation (internal/sync).
	MaxNodesToSync = 3
)
