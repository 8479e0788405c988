package hub

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/vaultcustody/vaultd/internal/model"
	"github.com/vaultcustody/vaultd/internal/vault"
)

// Request is a control-boundary request. Each carries its own reply
// channel, supplied by the caller, on which exactly one reply is sent.
type Request interface {
	isControlRequest()
}

// GetInfoRequest asks for the daemon's identity and sync status.
type GetInfoRequest struct {
	Reply chan GetInfoReply
}

// GetInfoReply is the get-info payload.
type GetInfoReply struct {
	Network      string  `json:"network"`
	Height       int32   `json:"height"`
	SyncProgress float64 `json:"sync_progress"`
	Vaults       int     `json:"vaults"`
	Err          error   `json:"-"`
}

// ListVaultsRequest lists vaults, optionally filtered by status set and/or
// outpoint set. Nil filters match everything.
type ListVaultsRequest struct {
	Statuses  []model.VaultStatus
	Outpoints []wire.OutPoint
	Reply     chan []model.Vault
}

// GetRevocationTxsRequest fetches the stored revocation transactions of a
// vault.
type GetRevocationTxsRequest struct {
	Outpoint wire.OutPoint
	Reply    chan RevocationTxsReply
}

// RevocationTxsReply carries the triplet or the typed refusal.
type RevocationTxsReply struct {
	Txs vault.RevocationTxs
	Err error
}

// SetRevocationTxsRequest submits the revocation transactions of a funded
// vault.
type SetRevocationTxsRequest struct {
	Outpoint wire.OutPoint
	Txs      vault.RevocationTxs
	Reply    chan error
}

// GetUnvaultTxRequest fetches the unvault transaction of a vault.
type GetUnvaultTxRequest struct {
	Outpoint wire.OutPoint
	Reply    chan UnvaultTxReply
}

// UnvaultTxReply carries the unvault transaction or the typed refusal.
type UnvaultTxReply struct {
	Tx  model.BundleTx
	Err error
}

// SetUnvaultTxRequest attaches the signed unvault transaction to a secured
// vault, activating it.
type SetUnvaultTxRequest struct {
	Outpoint wire.OutPoint
	Tx       model.BundleTx
	Reply    chan error
}

// SetSpendTxRequest attaches the signed spend transaction consuming a
// vault's unvault output.
type SetSpendTxRequest struct {
	Outpoint wire.OutPoint
	Tx       model.BundleTx
	Reply    chan error
}

// ListTransactionsRequest lists the transaction bundle of each vault,
// enriched with the wallet's view of every transaction that was broadcast.
// A nil outpoint filter matches everything.
type ListTransactionsRequest struct {
	Outpoints []wire.OutPoint
	Reply     chan ListTransactionsReply
}

// ListTransactionsReply carries the per-vault listings.
type ListTransactionsReply struct {
	Transactions []model.VaultTransactions
	Err          error
}

// ShutdownRequest stops the daemon cooperatively: the hub forwards the
// shutdown to the poller, waits for it, then replies and returns.
type ShutdownRequest struct {
	Reply chan struct{}
}

func (GetInfoRequest) isControlRequest()          {}
func (ListVaultsRequest) isControlRequest()       {}
func (GetRevocationTxsRequest) isControlRequest() {}
func (SetRevocationTxsRequest) isControlRequest() {}
func (GetUnvaultTxRequest) isControlRequest()     {}
func (SetUnvaultTxRequest) isControlRequest()     {}
func (SetSpendTxRequest) isControlRequest()       {}
func (ListTransactionsRequest) isControlRequest() {}
func (ShutdownRequest) isControlRequest()         {}
