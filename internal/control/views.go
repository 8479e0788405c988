package control

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vaultcustody/vaultd/internal/hub"
	"github.com/vaultcustody/vaultd/internal/model"
	"github.com/vaultcustody/vaultd/internal/vault"
)

// The wire views render hashes and outpoints as hex strings rather than
// raw byte arrays, which is what callers expect from a bitcoind-adjacent
// API.

type bundleTxView struct {
	Txid   string `json:"txid"`
	Hex    string `json:"hex"`
	Signed bool   `json:"signed"`
}

func newBundleTxView(tx model.BundleTx) bundleTxView {
	return bundleTxView{Txid: tx.Txid.String(), Hex: tx.Hex, Signed: tx.Signed}
}

func (v bundleTxView) toModel() (model.BundleTx, error) {
	txid, err := chainhash.NewHashFromStr(v.Txid)
	if err != nil {
		return model.BundleTx{}, fmt.Errorf("invalid txid %q: %w", v.Txid, err)
	}
	if v.Hex == "" {
		return model.BundleTx{}, fmt.Errorf("missing transaction hex")
	}
	return model.BundleTx{Txid: *txid, Hex: v.Hex, Signed: v.Signed}, nil
}

type vaultView struct {
	Outpoint        string `json:"outpoint"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	DerivationIndex uint32 `json:"derivation_index"`
	Address         string `json:"address"`
	UpdatedAt       int64  `json:"updated_at"`
}

func newVaultView(v model.Vault) vaultView {
	return vaultView{
		Outpoint:        model.OutpointString(v.DepositOutpoint),
		Amount:          int64(v.Amount),
		Status:          string(v.Status),
		DerivationIndex: v.DerivationIndex,
		Address:         v.DepositAddress,
		UpdatedAt:       v.UpdatedAt,
	}
}

type revocationTxsView struct {
	Cancel           bundleTxView `json:"cancel"`
	Emergency        bundleTxView `json:"emergency"`
	UnvaultEmergency bundleTxView `json:"unvault_emergency"`
}

func newRevocationTxsView(txs vault.RevocationTxs) revocationTxsView {
	return revocationTxsView{
		Cancel:           newBundleTxView(txs.Cancel),
		Emergency:        newBundleTxView(txs.Emergency),
		UnvaultEmergency: newBundleTxView(txs.UnvaultEmergency),
	}
}

func (v revocationTxsView) toModel() (vault.RevocationTxs, error) {
	cancel, err := v.Cancel.toModel()
	if err != nil {
		return vault.RevocationTxs{}, fmt.Errorf("cancel: %w", err)
	}
	emergency, err := v.Emergency.toModel()
	if err != nil {
		return vault.RevocationTxs{}, fmt.Errorf("emergency: %w", err)
	}
	unvaultEmergency, err := v.UnvaultEmergency.toModel()
	if err != nil {
		return vault.RevocationTxs{}, fmt.Errorf("unvault_emergency: %w", err)
	}
	return vault.RevocationTxs{
		Cancel:           cancel,
		Emergency:        emergency,
		UnvaultEmergency: unvaultEmergency,
	}, nil
}

type walletTxView struct {
	Hex          string `json:"hex"`
	BlockHeight  *int32 `json:"block_height,omitempty"`
	BlockTime    *int64 `json:"block_time,omitempty"`
	ReceivedTime int64  `json:"received_time"`
}

func newWalletTxView(tx *model.WalletTransaction) *walletTxView {
	if tx == nil {
		return nil
	}
	return &walletTxView{
		Hex:          tx.Hex,
		BlockHeight:  tx.BlockHeight,
		BlockTime:    tx.BlockTime,
		ReceivedTime: tx.ReceivedTime,
	}
}

type transactionResourceView struct {
	WalletTx *walletTxView `json:"wallet_tx,omitempty"`
	Tx       bundleTxView  `json:"tx"`
}

func newTransactionResourceView(res *model.TransactionResource) *transactionResourceView {
	if res == nil {
		return nil
	}
	return &transactionResourceView{
		WalletTx: newWalletTxView(res.WalletTx),
		Tx:       newBundleTxView(res.Tx),
	}
}

type vaultTransactionsView struct {
	Outpoint         string                   `json:"outpoint"`
	Deposit          *walletTxView            `json:"deposit"`
	Unvault          *transactionResourceView `json:"unvault,omitempty"`
	Cancel           *transactionResourceView `json:"cancel,omitempty"`
	Spend            *transactionResourceView `json:"spend,omitempty"`
	Emergency        *transactionResourceView `json:"emergency,omitempty"`
	UnvaultEmergency *transactionResourceView `json:"unvault_emergency,omitempty"`
}

func newVaultTransactionsView(txs model.VaultTransactions) vaultTransactionsView {
	return vaultTransactionsView{
		Outpoint:         model.OutpointString(txs.Outpoint),
		Deposit:          newWalletTxView(txs.Deposit),
		Unvault:          newTransactionResourceView(txs.Unvault),
		Cancel:           newTransactionResourceView(txs.Cancel),
		Spend:            newTransactionResourceView(txs.Spend),
		Emergency:        newTransactionResourceView(txs.Emergency),
		UnvaultEmergency: newTransactionResourceView(txs.UnvaultEmergency),
	}
}

type infoView struct {
	Network      string  `json:"network"`
	Height       int32   `json:"height"`
	SyncProgress float64 `json:"sync_progress"`
	Vaults       int     `json:"vaults"`
}

func newInfoView(reply hub.GetInfoReply) infoView {
	return infoView{
		Network:      reply.Network,
		Height:       reply.Height,
		SyncProgress: reply.SyncProgress,
		Vaults:       reply.Vaults,
	}
}
