package model

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestOutpointStringRoundTrip(t *testing.T) {
	hash, err := chainhash.NewHashFromStr(
		"5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821")
	require.NoError(t, err)
	op := wire.OutPoint{Hash: *hash, Index: 7}

	s := OutpointString(op)
	require.Equal(t, "5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821:7", s)

	parsed, err := OutpointFromString(s)
	require.NoError(t, err)
	require.Equal(t, op, parsed)
}

func TestOutpointFromStringRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"no-colon",
		"deadbeef:0",   // txid too short
		"5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821",
		"5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821:-1",
		"5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821:vout",
	} {
		_, err := OutpointFromString(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestVaultStatusFromString(t *testing.T) {
	st, err := VaultStatusFromString("unvaulting")
	require.NoError(t, err)
	require.Equal(t, StatusUnvaulting, st)

	_, err = VaultStatusFromString("melting")
	require.Error(t, err)

	_, err = VaultStatusFromString("")
	require.Error(t, err)
}

func TestUnvaultOutpoint(t *testing.T) {
	v := &Vault{}
	_, ok := v.UnvaultOutpoint()
	require.False(t, ok)

	hash, err := chainhash.NewHashFromStr(
		"0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098")
	require.NoError(t, err)
	v.Bundle.Unvault = &BundleTx{Txid: *hash, Hex: "aa"}

	op, ok := v.UnvaultOutpoint()
	require.True(t, ok)
	require.Equal(t, wire.OutPoint{Hash: *hash, Index: 0}, op)
}
