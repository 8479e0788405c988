package poller

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/vaultcustody/vaultd/internal/model"
)

// Request is an on-demand question for the poller, the sole owner of the
// node connection. Replies travel on the rendezvous channel carried by the
// request: the requester blocks until the poller has produced the answer.
type Request interface {
	isPollerRequest()
}

// SyncProgressRequest asks for the node's verification progress.
type SyncProgressRequest struct {
	Reply chan SyncProgressReply
}

// SyncProgressReply carries the answer, or the typed error the node query
// failed with.
type SyncProgressReply struct {
	Info model.SyncInfo
	Err  error
}

// WalletTransactionRequest resolves the wallet's view of a transaction.
type WalletTransactionRequest struct {
	Txid  chainhash.Hash
	Reply chan WalletTransactionReply
}

// WalletTransactionReply carries the wallet's view of the transaction. A
// nil Tx with a nil Err means the wallet does not know the txid, which is
// a normal negative answer.
type WalletTransactionReply struct {
	Tx  *model.WalletTransaction
	Err error
}

// ShutdownRequest makes the poller loop return after the in-flight pass.
type ShutdownRequest struct{}

func (SyncProgressRequest) isPollerRequest()      {}
func (WalletTransactionRequest) isPollerRequest() {}
func (ShutdownRequest) isPollerRequest()          {}

// Delta is the outcome of one reconciliation pass, handed to the hub to be
// applied to the vault state. The poller blocks on Ack before starting the
// next pass, so deltas are applied strictly sequentially.
type Delta struct {
	Tip      model.BlockchainTip
	Deposits *model.DepositsState
	Unvaults *model.UnvaultsState
	// Spent outpoints attributed to the transaction spending them. An
	// absent entry means the spender could not be identified within the
	// scanned window.
	DepositSpenders map[wire.OutPoint]*chainhash.Hash
	UnvaultSpenders map[wire.OutPoint]*chainhash.Hash
	// Vaults whose second-stage transaction confirmed since last pass.
	Settled []wire.OutPoint

	Ack chan error
}

// Empty reports whether there is nothing to apply besides the tip.
func (d *Delta) Empty() bool {
	return d.Deposits.Empty() && d.Unvaults.Empty() && len(d.Settled) == 0
}
