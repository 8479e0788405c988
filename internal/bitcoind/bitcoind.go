// Package bitcoind is the chain sync engine: a high-level client over the
// RPC transport exposing idempotent reconciliation operations and the
// wallet lookups the vault state machine needs.
package bitcoind

import (
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/bitcoind/rpc"
	"github.com/vaultcustody/vaultd/internal/model"
)

// BitcoinD wraps the three endpoint connections. It holds no chain state:
// every reconciliation call is given the caller's current knowledge and
// returns a diff, which makes it retry-safe.
type BitcoinD struct {
	caller Caller
	logger *zap.Logger
}

// New builds the sync engine on top of an established transport.
func New(caller Caller, logger *zap.Logger) *BitcoinD {
	return &BitcoinD{caller: caller, logger: logger}
}

// GetBlockHash fetches the hash of the block at the given height.
func (b *BitcoinD) GetBlockHash(height int32) (*chainhash.Hash, error) {
	raw, err := b.caller.Call(rpc.EndpointNode, "getblockhash", height)
	if err != nil {
		return nil, err
	}
	var hashStr string
	if err := json.Unmarshal(raw, &hashStr); err != nil {
		return nil, apiBreak("getblockhash", "result is not a string")
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return nil, apiBreak("getblockhash", "result is not a block hash")
	}
	return hash, nil
}

// GetTip returns the node's best block.
func (b *BitcoinD) GetTip() (*model.BlockchainTip, error) {
	raw, err := b.caller.Call(rpc.EndpointNode, "getblockcount")
	if err != nil {
		return nil, err
	}
	var height int32
	if err := json.Unmarshal(raw, &height); err != nil {
		return nil, apiBreak("getblockcount", "result is not an integer")
	}
	hash, err := b.GetBlockHash(height)
	if err != nil {
		return nil, err
	}
	return &model.BlockchainTip{Height: height, Hash: *hash}, nil
}

type blockchainInfoResult struct {
	Headers              *uint64  `json:"headers"`
	Blocks               *uint64  `json:"blocks"`
	InitialBlockDownload *bool    `json:"initialblockdownload"`
	VerificationProgress *float64 `json:"verificationprogress"`
}

// SyncInfo returns the node's synchronization progress.
func (b *BitcoinD) SyncInfo() (*model.SyncInfo, error) {
	raw, err := b.caller.Call(rpc.EndpointNode, "getblockchaininfo")
	if err != nil {
		return nil, err
	}
	var info blockchainInfoResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, apiBreak("getblockchaininfo", "result is not an object")
	}
	if info.Headers == nil || info.Blocks == nil || info.InitialBlockDownload == nil ||
		info.VerificationProgress == nil {
		return nil, apiBreak("getblockchaininfo", "missing field in result")
	}
	return &model.SyncInfo{
		Headers:  *info.Headers,
		Blocks:   *info.Blocks,
		IBD:      *info.InitialBlockDownload,
		Progress: *info.VerificationProgress,
	}, nil
}

type getTransactionResult struct {
	Hex          *string `json:"hex"`
	BlockHeight  *int32  `json:"blockheight"`
	BlockTime    *int64  `json:"blocktime"`
	TimeReceived *int64  `json:"timereceived"`
	Decoded      *struct {
		Vin []struct {
			TxID *string `json:"txid"`
			Vout *uint32 `json:"vout"`
		} `json:"vin"`
	} `json:"decoded"`
}

// GetWalletTransaction resolves the watchonly wallet's view of a
// transaction. It errors if the wallet does not know the txid.
func (b *BitcoinD) GetWalletTransaction(txid *chainhash.Hash) (*model.WalletTransaction, error) {
	raw, err := b.caller.Call(rpc.EndpointWatchonly, "gettransaction", txid.String())
	if err != nil {
		return nil, err
	}
	var res getTransactionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, apiBreak("gettransaction", "result is not an object")
	}
	if res.Hex == nil {
		return nil, apiBreak("gettransaction", "no 'hex' in result")
	}
	if res.TimeReceived == nil {
		return nil, apiBreak("gettransaction", "no 'timereceived' in result")
	}
	return &model.WalletTransaction{
		Hex:          *res.Hex,
		BlockHeight:  res.BlockHeight,
		BlockTime:    res.BlockTime,
		ReceivedTime: *res.TimeReceived,
	}, nil
}

// IsInMempool tests mempool membership. The node answering "not found" is
// a normal negative answer, not an error.
func (b *BitcoinD) IsInMempool(txid *chainhash.Hash) (bool, error) {
	_, err := b.caller.Call(rpc.EndpointNode, "getmempoolentry", txid.String())
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsCurrent reports whether a transaction is part of the wallet and not
// stuck: either confirmed, or unconfirmed but present in the mempool. A
// transaction unknown to the wallet is simply not current.
func (b *BitcoinD) IsCurrent(txid *chainhash.Hash) (bool, error) {
	tx, err := b.GetWalletTransaction(txid)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) {
			return false, nil
		}
		return false, err
	}
	if tx.Confirmed() {
		return true, nil
	}
	return b.IsInMempool(txid)
}

type listSinceBlockResult struct {
	Transactions *[]struct {
		Category *string `json:"category"`
		TxID     *string `json:"txid"`
	} `json:"transactions"`
}

// GetSpenderTxid identifies the transaction spending one of our outpoints.
// bitcoind has no direct API for it, so we list the wallet's outgoing
// transactions since the block before which the outpoint was last known
// unspent and test each one's inputs. First match wins; nil if no outgoing
// transaction in the window spends it.
func (b *BitcoinD) GetSpenderTxid(spent *wire.OutPoint, sinceBlock *chainhash.Hash) (*chainhash.Hash, error) {
	raw, err := b.caller.Call(rpc.EndpointWatchonly, "listsinceblock", sinceBlock.String())
	if err != nil {
		return nil, err
	}
	var lsb listSinceBlockResult
	if err := json.Unmarshal(raw, &lsb); err != nil || lsb.Transactions == nil {
		return nil, apiBreak("listsinceblock", "no 'transactions' in result")
	}

	for _, entry := range *lsb.Transactions {
		if entry.Category == nil || *entry.Category != "send" {
			continue
		}
		if entry.TxID == nil {
			return nil, apiBreak("listsinceblock", "no 'txid' in transaction entry")
		}

		gtRaw, err := b.caller.Call(rpc.EndpointWatchonly, "gettransaction",
			*entry.TxID, true, true)
		if err != nil {
			return nil, err
		}
		var gt getTransactionResult
		if err := json.Unmarshal(gtRaw, &gt); err != nil || gt.Decoded == nil {
			return nil, apiBreak("gettransaction", "no 'decoded' in verbose result")
		}

		for _, input := range gt.Decoded.Vin {
			if input.TxID == nil || input.Vout == nil {
				return nil, apiBreak("gettransaction", "invalid input in 'decoded.vin'")
			}
			inHash, err := chainhash.NewHashFromStr(*input.TxID)
			if err != nil {
				return nil, apiBreak("gettransaction", "invalid txid in 'decoded.vin'")
			}
			if spent.Hash == *inHash && spent.Index == *input.Vout {
				spenderHash, err := chainhash.NewHashFromStr(*entry.TxID)
				if err != nil {
					return nil, apiBreak("listsinceblock", "invalid txid in transaction entry")
				}
				return spenderHash, nil
			}
		}
	}

	return nil, nil
}
