package auction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateOrLoad(t.TempDir(), "auction-test")
	require.NoError(t, err)
	return id
}

func dataTx(t *testing.T, payload []byte) *ledger.Transaction {
	t.Helper()
	sender := newTestIdentity(t)
	tx, err := ledger.NewSignedTransaction(sender, ledger.TxData{
		Variant: ledger.VariantData,
		Payload: payload,
		Fee:     10,
	})
	require.NoError(t, err)
	return tx
}

func TestInterpretRoundTripsEachCommand(t *testing.T) {
	cases := []Command{
		{Kind: KindCreateAuction, AuctionID: "a1", Title: "Vase", Description: "Ming dynasty"},
		{Kind: KindStartAuction, AuctionID: "a1"},
		{Kind: KindPlaceBid, AuctionID: "a1", Amount: 500},
		{Kind: KindEndAuction, AuctionID: "a1"},
	}

	for _, want := range cases {
		t.Run(string(want.Kind), func(t *testing.T) {
			payload, err := Encode(want)
			require.NoError(t, err)

			got, ok := Interpret(dataTx(t, payload))
			require.True(t, ok)
			require.Equal(t, want, got)
		})
	}
}

func TestInterpretRejectsTransferTransaction(t *testing.T) {
	sender := newTestIdentity(t)
	receiver := newTestIdentity(t)
	tx, err := ledger.NewSignedTransaction(sender, ledger.TxData{
		Receiver: receiver.Public.SerializeCompressed(),
		Variant:  ledger.VariantTransfer,
		Amount:   1,
		Fee:      10,
	})
	require.NoError(t, err)

	_, ok := Interpret(tx)
	require.False(t, ok)
}

func TestInterpretRejectsNonAuctionPayload(t *testing.T) {
	_, ok := Interpret(dataTx(t, []byte("just some unrelated data payload")))
	require.False(t, ok)
}

func TestInterpretRejectsMalformedAuctionPayload(t *testing.T) {
	_, ok := Interpret(dataTx(t, []byte(commandPrefix+"{not valid json")))
	require.False(t, ok)
}

func TestInterpretRejectsUnknownCommandType(t *testing.T) {
	payload, err := Encode(Command{Kind: Kind("delete_auction"), AuctionID: "a1"})
	require.NoError(t, err)
	_, ok := Interpret(dataTx(t, payload))
	require.False(t, ok)
}

func TestInterpretRejectsBidWithZeroAmount(t *testing.T) {
	payload, err := Encode(Command{Kind: KindPlaceBid, AuctionID: "a1", Amount: 0})
	require.NoError(t, err)
	_, ok := Interpret(dataTx(t, payload))
	require.False(t, ok)
}

func TestInterpretRejectsMissingAuctionID(t *testing.T) {
	payload, err := Encode(Command{Kind: KindStartAuction})
	require.NoError(t, err)
	_, ok := Interpret(dataTx(t, payload))
	require.False(t, ok)
}
