// Package model holds the daemon's view of vaults and of the chain.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BundleTx is one of the pre-signed transactions attached to a vault.
type BundleTx struct {
	Txid   chainhash.Hash `json:"txid"`
	Hex    string         `json:"hex"`
	Signed bool           `json:"signed"`
}

// TxBundle is the set of pre-signed transactions controlling a vault.
// Unvault and Cancel are nil until the vault is being secured; the rest
// are optional depending on the vault's history and our role.
type TxBundle struct {
	Unvault          *BundleTx `json:"unvault,omitempty"`
	Cancel           *BundleTx `json:"cancel,omitempty"`
	Spend            *BundleTx `json:"spend,omitempty"`
	Emergency        *BundleTx `json:"emergency,omitempty"`
	UnvaultEmergency *BundleTx `json:"unvault_emergency,omitempty"`
}

// Vault is our in-memory record of a custody position. It is keyed by its
// deposit outpoint, which never changes. Canceled and spent vaults are kept
// around as history.
type Vault struct {
	DepositOutpoint wire.OutPoint  `json:"deposit_outpoint"`
	Amount          btcutil.Amount `json:"amount"`
	Status          VaultStatus    `json:"status"`
	DerivationIndex uint32         `json:"derivation_index"`
	DepositAddress  string         `json:"deposit_address"`
	DepositScript   []byte         `json:"deposit_script"`
	UpdatedAt       int64          `json:"updated_at"`
	Bundle          TxBundle       `json:"bundle"`
}

// UnvaultOutpoint returns the outpoint of the unvault transaction's main
// output, or false if no unvault transaction is attached yet.
func (v *Vault) UnvaultOutpoint() (wire.OutPoint, bool) {
	if v.Bundle.Unvault == nil {
		return wire.OutPoint{}, false
	}
	return wire.OutPoint{Hash: v.Bundle.Unvault.Txid, Index: 0}, true
}

// OutpointString renders an outpoint as "txid:vout", the form used across
// the control boundary and as store keys.
func OutpointString(op wire.OutPoint) string {
	return fmt.Sprintf("%s:%d", op.Hash.String(), op.Index)
}

// OutpointFromString parses the "txid:vout" form.
func OutpointFromString(s string) (wire.OutPoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint txid %q: %w", parts[0], err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint vout %q: %w", parts[1], err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(vout)}, nil
}
