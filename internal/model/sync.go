package model

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UtxoInfo is what we believe about one deposit or unvault UTXO. The
// Confirmed flag only ever flips false to true; the entry is removed
// altogether once a spend is detected.
type UtxoInfo struct {
	Value     btcutil.Amount `json:"value"`
	Script    []byte         `json:"script"`
	Confirmed bool           `json:"confirmed"`
}

// Clone returns a copy suitable for handing to the sync engine.
func (u *UtxoInfo) Clone() *UtxoInfo {
	c := *u
	c.Script = append([]byte(nil), u.Script...)
	return &c
}

// DepositsState is the delta produced by one deposit reconciliation pass.
// The three sets are disjoint.
type DepositsState struct {
	// Deposits we had never seen before. Always recorded unconfirmed, no
	// matter what the node reported.
	NewUnconfirmed map[wire.OutPoint]*UtxoInfo
	// Known deposits that crossed the confirmation threshold.
	NewConfirmed map[wire.OutPoint]*UtxoInfo
	// Known deposits absent from the node's unspent list.
	NewSpent map[wire.OutPoint]*UtxoInfo
}

// Empty reports whether the pass found nothing to apply.
func (s *DepositsState) Empty() bool {
	return len(s.NewUnconfirmed) == 0 && len(s.NewConfirmed) == 0 && len(s.NewSpent) == 0
}

// UnvaultsState is the delta produced by one unvault reconciliation pass.
// Unvault outputs are only ever created by our own broadcasts, so there is
// no discovery set.
type UnvaultsState struct {
	NewConfirmed map[wire.OutPoint]*UtxoInfo
	NewSpent     map[wire.OutPoint]*UtxoInfo
}

// Empty reports whether the pass found nothing to apply.
func (s *UnvaultsState) Empty() bool {
	return len(s.NewConfirmed) == 0 && len(s.NewSpent) == 0
}

// BlockchainTip is the node's best block.
type BlockchainTip struct {
	Height int32          `json:"height"`
	Hash   chainhash.Hash `json:"hash"`
}

// SyncInfo is the node's synchronization progress.
type SyncInfo struct {
	Headers  uint64
	Blocks   uint64
	IBD      bool
	Progress float64
}

// WalletTransaction is the wallet's view of one of our transactions.
// BlockHeight and BlockTime are nil while it is unconfirmed.
type WalletTransaction struct {
	Hex          string `json:"hex"`
	BlockHeight  *int32 `json:"blockheight,omitempty"`
	BlockTime    *int64 `json:"blocktime,omitempty"`
	ReceivedTime int64  `json:"received_time"`
}

// Confirmed reports whether the wallet saw the transaction in a block.
func (w *WalletTransaction) Confirmed() bool { return w.BlockHeight != nil }

// TransactionResource pairs one bundle transaction with the wallet's view
// of it, if it was broadcast.
type TransactionResource struct {
	WalletTx *WalletTransaction `json:"wallet_tx,omitempty"`
	Tx       BundleTx           `json:"tx"`
}

// VaultTransactions is the per-vault transaction listing served over the
// control boundary.
type VaultTransactions struct {
	Outpoint         wire.OutPoint        `json:"outpoint"`
	Deposit          *WalletTransaction   `json:"deposit"`
	Unvault          *TransactionResource `json:"unvault,omitempty"`
	Cancel           *TransactionResource `json:"cancel,omitempty"`
	Spend            *TransactionResource `json:"spend,omitempty"`
	Emergency        *TransactionResource `json:"emergency,omitempty"`
	UnvaultEmergency *TransactionResource `json:"unvault_emergency,omitempty"`
}
