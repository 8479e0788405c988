package bitcoind

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/bitcoind/rpc"
)

// ListWallets returns the wallets currently loaded on the node.
func (b *BitcoinD) ListWallets() ([]string, error) {
	raw, err := b.caller.Call(rpc.EndpointNode, "listwallets")
	if err != nil {
		return nil, err
	}
	var wallets []string
	if err := json.Unmarshal(raw, &wallets); err != nil {
		return nil, apiBreak("listwallets", "result is not an array of strings")
	}
	return wallets, nil
}

type walletActionResult struct {
	Name    *string `json:"name"`
	Warning *string `json:"warning"`
}

// CreateWallet creates a blank, watch-only descriptor wallet flagged for
// load on startup.
func (b *BitcoinD) CreateWallet(name string) error {
	raw, err := b.caller.Call(rpc.EndpointNode, "createwallet",
		name,
		true,  // disable_private_keys
		true,  // blank
		"",    // passphrase
		false, // avoid_reuse
		true,  // descriptors
		true,  // load_on_startup
	)
	if err != nil {
		return err
	}
	var res walletActionResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Name == nil {
		warning := ""
		if res.Warning != nil {
			warning = *res.Warning
		}
		return fmt.Errorf("creating wallet %q: %s", name, warning)
	}
	return nil
}

// LoadWallet loads an existing wallet, flagging it for load on startup.
func (b *BitcoinD) LoadWallet(name string) error {
	raw, err := b.caller.Call(rpc.EndpointNode, "loadwallet", name, true)
	if err != nil {
		return err
	}
	var res walletActionResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Name == nil {
		warning := ""
		if res.Warning != nil {
			warning = *res.Warning
		}
		return fmt.Errorf("loading wallet %q: %s", name, warning)
	}
	return nil
}

// UnloadWallet unloads a wallet, surfacing any node warning as an error.
func (b *BitcoinD) UnloadWallet(name string) error {
	raw, err := b.caller.Call(rpc.EndpointNode, "unloadwallet", name)
	if err != nil {
		return err
	}
	var res walletActionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return apiBreak("unloadwallet", "result is not an object")
	}
	if res.Warning != nil && *res.Warning != "" {
		return fmt.Errorf("unloading wallet %q: %s", name, *res.Warning)
	}
	return nil
}

// AddrDescriptor turns an address into a checksummed addr() descriptor.
func (b *BitcoinD) AddrDescriptor(address string) (string, error) {
	raw, err := b.caller.Call(rpc.EndpointWatchonly, "getdescriptorinfo",
		fmt.Sprintf("addr(%s)", address))
	if err != nil {
		return "", err
	}
	var res struct {
		Descriptor *string `json:"descriptor"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.Descriptor == nil {
		return "", apiBreak("getdescriptorinfo", "no 'descriptor' in result")
	}
	return *res.Descriptor, nil
}

type importDescriptorsEntry struct {
	Desc      string      `json:"desc"`
	Timestamp interface{} `json:"timestamp"`
	Label     string      `json:"label,omitempty"`
	Active    bool        `json:"active"`
}

type importDescriptorsResult struct {
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
}

func (b *BitcoinD) importDescriptors(endpoint rpc.Endpoint, descriptors []string,
	timestamp int64, label string, freshWallet, active bool) error {
	if !freshWallet {
		b.logger.Debug("importing into a pre-existing wallet, rescan may take some time")
	}

	entries := make([]importDescriptorsEntry, 0, len(descriptors))
	for _, desc := range descriptors {
		// A fresh wallet has nothing to rescan: "now" spares bitcoind a
		// needless walk over the last blocks for each descriptor.
		var ts interface{} = timestamp
		if freshWallet {
			ts = "now"
		}
		entries = append(entries, importDescriptorsEntry{
			Desc:      desc,
			Timestamp: ts,
			Label:     label,
			Active:    active,
		})
	}

	raw, err := b.caller.Call(endpoint, "importdescriptors", entries)
	if err != nil {
		return err
	}
	var results []importDescriptorsResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return apiBreak("importdescriptors", "result is not an array")
	}
	if len(results) != len(entries) {
		return apiBreak("importdescriptors", "one result per descriptor expected")
	}
	for _, res := range results {
		if res.Success == nil || !*res.Success {
			return fmt.Errorf("importing descriptors: %s", string(res.Error))
		}
	}
	return nil
}

// ImportDepositDescriptors imports the deposit address descriptors into
// the watchonly wallet.
func (b *BitcoinD) ImportDepositDescriptors(descriptors []string, timestamp int64, freshWallet bool) error {
	return b.importDescriptors(rpc.EndpointWatchonly, descriptors, timestamp,
		depositLabel, freshWallet, false)
}

// ImportUnvaultDescriptors imports the unvault address descriptors into
// the watchonly wallet.
func (b *BitcoinD) ImportUnvaultDescriptors(descriptors []string, timestamp int64, freshWallet bool) error {
	return b.importDescriptors(rpc.EndpointWatchonly, descriptors, timestamp,
		unvaultLabel, freshWallet, false)
}

// ImportCPFPDescriptor imports the fee-bump descriptor into the cpfp
// wallet, marked active so the wallet derives from it.
func (b *BitcoinD) ImportCPFPDescriptor(descriptor string, timestamp int64, freshWallet bool) error {
	return b.importDescriptors(rpc.EndpointCPFP, []string{descriptor}, timestamp,
		cpfpLabel, freshWallet, true)
}

// BroadcastTransaction submits one raw transaction, discarding the
// returned txid.
func (b *BitcoinD) BroadcastTransaction(txHex string) error {
	b.logger.Debug("broadcasting transaction", zap.String("hex", txHex))
	_, err := b.caller.Call(rpc.EndpointWatchonly, "sendrawtransaction", txHex)
	return err
}

// BroadcastTransactions submits a batch of raw transactions in one
// round-trip against the node endpoint.
func (b *BitcoinD) BroadcastTransactions(txsHex []string) error {
	reqs := make([]rpc.Request, 0, len(txsHex))
	for _, txHex := range txsHex {
		reqs = append(reqs, rpc.Request{
			Method: "sendrawtransaction",
			Params: []interface{}{txHex},
		})
	}
	b.logger.Debug("batch-broadcasting transactions", zap.Int("count", len(reqs)))
	_, err := b.caller.CallBatch(rpc.EndpointNode, reqs)
	return err
}

// RebroadcastWalletTransaction re-submits a transaction already part of
// the wallet.
func (b *BitcoinD) RebroadcastWalletTransaction(txid *chainhash.Hash) error {
	tx, err := b.GetWalletTransaction(txid)
	if err != nil {
		return err
	}
	return b.BroadcastTransaction(tx.Hex)
}
