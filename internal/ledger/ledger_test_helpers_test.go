package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/ledgerd/internal/identity"
)

// newTestIdentity creates a throwaway identity keyed by a unique path per
// call so tests never collide on disk.
func newTestIdentity(t *testing.T, label string) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateOrLoad(t.TempDir(), label)
	require.NoError(t, err)
	return id
}

// signedTransfer builds and signs a transfer transaction from sender to
// receiver with the given nonce/amount/fee.
func signedTransfer(t *testing.T, sender *identity.Identity, receiver *identity.Identity, nonce, amount, fee uint64) *Transaction {
	t.Helper()
	tx, err := NewSignedTransaction(sender, TxData{
		Receiver: receiver.Public.SerializeCompressed(),
		Variant:  VariantTransfer,
		Amount:   amount,
		Nonce:    nonce,
		Fee:      fee,
	})
	require.NoError(t, err)
	return tx
}
