// Package auction decodes the auction command set carried inside a data
// transaction's payload. It is an external collaborator of the ledger,
// not part of this repository's protocol surface: no bidding state
// machine lives here, only the command decode.
package auction

import (
	"encoding/json"
	"strings"

	"github.com/klingon-exchange/ledgerd/internal/ledger"
)

// commandPrefix tags a data transaction's payload as an auction command,
// mirroring the original's "AUCTION_"-prefixed JSON string convention.
const commandPrefix = "AUCTION_"

// Kind enumerates the four auction commands the original interpreter
// recognizes.
type Kind string

const (
	KindCreateAuction Kind = "create_auction"
	KindStartAuction  Kind = "start_auction"
	KindEndAuction    Kind = "end_auction"
	KindPlaceBid      Kind = "place_bid"
)

// Command is the decoded, normalized shape of any one auction command.
// Only the fields relevant to Kind are populated.
type Command struct {
	Kind        Kind
	AuctionID   string
	Title       string
	Description string
	Amount      uint64
}

// wireCommand is the JSON shape carried after the "AUCTION_" prefix.
type wireCommand struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
}

// Interpret decodes tx's payload into an auction Command if tx is a data
// transaction carrying a recognized, well-formed auction command. It never
// mutates or tracks auction state; ok is false for any transaction that
// isn't an auction command, including malformed ones.
func Interpret(tx *ledger.Transaction) (Command, bool) {
	if tx.Data.Variant != ledger.VariantData {
		return Command{}, false
	}
	rest, ok := strings.CutPrefix(string(tx.Data.Payload), commandPrefix)
	if !ok {
		return Command{}, false
	}

	var w wireCommand
	if err := json.Unmarshal([]byte(rest), &w); err != nil {
		return Command{}, false
	}

	kind := Kind(w.Type)
	switch kind {
	case KindCreateAuction:
		if w.ID == "" {
			return Command{}, false
		}
		return Command{Kind: kind, AuctionID: w.ID, Title: w.Title, Description: w.Description}, true
	case KindStartAuction, KindEndAuction:
		if w.ID == "" {
			return Command{}, false
		}
		return Command{Kind: kind, AuctionID: w.ID}, true
	case KindPlaceBid:
		if w.ID == "" || w.Amount == 0 {
			return Command{}, false
		}
		return Command{Kind: kind, AuctionID: w.ID, Amount: w.Amount}, true
	default:
		return Command{}, false
	}
}

// Encode renders cmd back into the wire payload a transaction's data
// field would carry, the inverse of Interpret. Used by tests and by
// callers assembling a transaction from a Command.
func Encode(cmd Command) ([]byte, error) {
	w := wireCommand{
		Type:        string(cmd.Kind),
		ID:          cmd.AuctionID,
		Title:       cmd.Title,
		Description: cmd.Description,
		Amount:      cmd.Amount,
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return append([]byte(commandPrefix), body...), nil
}
