package bitcoind

import (
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/bitcoind/rpc"
	"github.com/vaultcustody/vaultd/internal/model"
)

type listUnspentEntry struct {
	TxID          *string  `json:"txid"`
	Vout          *uint32  `json:"vout"`
	Address       *string  `json:"address"`
	Label         *string  `json:"label"`
	ScriptPubKey  *string  `json:"scriptPubKey"`
	Amount        *float64 `json:"amount"`
	Confirmations *int64   `json:"confirmations"`
}

func (e *listUnspentEntry) outpoint() (wire.OutPoint, error) {
	if e.TxID == nil {
		return wire.OutPoint{}, apiBreak("listunspent", "entry has no 'txid'")
	}
	if e.Vout == nil {
		return wire.OutPoint{}, apiBreak("listunspent", "entry has no 'vout'")
	}
	hash, err := chainhash.NewHashFromStr(*e.TxID)
	if err != nil {
		return wire.OutPoint{}, apiBreak("listunspent", "entry 'txid' is not a txid")
	}
	return wire.OutPoint{Hash: *hash, Index: *e.Vout}, nil
}

// SyncDeposits diffs our known deposit UTXOs against the node's unspent
// list and partitions the result into brand-new, newly-confirmed and
// newly-spent sets. It is repeatedly called by the poller to stay in sync.
//
// New deposits are always recorded unconfirmed, whatever confirmation
// count the node reports: confirmation is only granted on a subsequent
// pass, so every deposit is observed unconfirmed at least once.
func (b *BitcoinD) SyncDeposits(known map[wire.OutPoint]*model.UtxoInfo, minConf int32) (*model.DepositsState, error) {
	newUnconfirmed := make(map[wire.OutPoint]*model.UtxoInfo)
	newConfirmed := make(map[wire.OutPoint]*model.UtxoInfo)
	// Whatever remains unseen by listunspent at the end has been spent.
	possiblySpent := make(map[wire.OutPoint]*model.UtxoInfo, len(known))
	for op, utxo := range known {
		possiblySpent[op] = utxo
	}

	raw, err := b.caller.Call(rpc.EndpointWatchonly, "listunspent",
		0,          // minconf
		9999999,    // maxconf
		[]string{}, // addresses
		true,       // include_unsafe
		map[string]interface{}{
			"minimumAmount": minDepositValue.ToBTC(),
		},
	)
	if err != nil {
		return nil, err
	}
	var entries []listUnspentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apiBreak("listunspent", "result is not an array")
	}

	for i := range entries {
		entry := &entries[i]
		if entry.Label == nil || *entry.Label != depositLabel {
			continue
		}
		if entry.Confirmations == nil {
			return nil, apiBreak("listunspent", "entry has no 'confirmations'")
		}

		outpoint, err := entry.outpoint()
		if err != nil {
			return nil, err
		}

		// listunspent never returns duplicated entries, so an outpoint
		// found in possiblySpent is an already known deposit: it is not
		// spent, and it may have just crossed the confirmation threshold.
		if utxo, ok := possiblySpent[outpoint]; ok {
			delete(possiblySpent, outpoint)
			if !utxo.Confirmed && *entry.Confirmations >= int64(minConf) {
				newConfirmed[outpoint] = utxo
			}
			continue
		}

		if entry.ScriptPubKey == nil {
			return nil, apiBreak("listunspent", "entry has no 'scriptPubKey'")
		}
		script, err := hex.DecodeString(*entry.ScriptPubKey)
		if err != nil {
			return nil, apiBreak("listunspent", "entry 'scriptPubKey' is not hex")
		}
		if entry.Amount == nil {
			return nil, apiBreak("listunspent", "entry has no 'amount'")
		}
		value, err := btcutil.NewAmount(*entry.Amount)
		if err != nil {
			return nil, apiBreak("listunspent", "entry 'amount' is not an amount")
		}

		newUnconfirmed[outpoint] = &model.UtxoInfo{
			Value:     value,
			Script:    script,
			Confirmed: false,
		}
	}

	return &model.DepositsState{
		NewUnconfirmed: newUnconfirmed,
		NewConfirmed:   newConfirmed,
		NewSpent:       possiblySpent,
	}, nil
}

// SyncUnvaults diffs our known unvault UTXOs against the node's unspent
// list. Unvault outputs only come from our own broadcasts, so this only
// detects confirmations and spends.
func (b *BitcoinD) SyncUnvaults(known map[wire.OutPoint]*model.UtxoInfo) (*model.UnvaultsState, error) {
	raw, err := b.caller.Call(rpc.EndpointWatchonly, "listunspent", 0)
	if err != nil {
		return nil, err
	}
	var entries []listUnspentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apiBreak("listunspent", "result is not an array")
	}

	unspent := make(map[wire.OutPoint]bool, len(entries))
	for i := range entries {
		entry := &entries[i]
		if entry.Label == nil || *entry.Label != unvaultLabel {
			continue
		}
		if entry.Confirmations == nil {
			return nil, apiBreak("listunspent", "entry has no 'confirmations'")
		}
		outpoint, err := entry.outpoint()
		if err != nil {
			return nil, err
		}
		unspent[outpoint] = *entry.Confirmations > 0
	}

	newConfirmed := make(map[wire.OutPoint]*model.UtxoInfo)
	newSpent := make(map[wire.OutPoint]*model.UtxoInfo)
	for outpoint, utxo := range known {
		confirmed, ok := unspent[outpoint]
		if !ok {
			newSpent[outpoint] = utxo
			continue
		}
		if confirmed && !utxo.Confirmed {
			newConfirmed[outpoint] = utxo
		}
	}

	if len(newConfirmed) > 0 || len(newSpent) > 0 {
		b.logger.Debug("unvault reconciliation delta",
			zap.Int("new_confirmed", len(newConfirmed)),
			zap.Int("new_spent", len(newSpent)))
	}

	return &model.UnvaultsState{
		NewConfirmed: newConfirmed,
		NewSpent:     newSpent,
	}, nil
}
