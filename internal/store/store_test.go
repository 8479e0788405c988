package store

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/vaultcustody/vaultd/internal/model"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tip, err := s.LoadTip()
	require.NoError(t, err)
	require.Equal(t, model.BlockchainTip{}, tip, "fresh store must report the zero tip")

	vaults, err := s.LoadVaults()
	require.NoError(t, err)
	require.Empty(t, vaults)

	hash, err := chainhash.NewHashFromStr("0000000000000000000245a43ae8e6cbdddd5f0faf80ccdfce1d19ad76bce0b4")
	require.NoError(t, err)
	wantTip := model.BlockchainTip{Height: 712_015, Hash: *hash}
	require.NoError(t, s.SaveTip(wantTip))

	depositTxid, err := chainhash.NewHashFromStr("5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821")
	require.NoError(t, err)
	unvaultTxid, err := chainhash.NewHashFromStr("f21c3c95d1b6916cd2b7e1c2fa02a0a1e2c3d4e5f60718293a4b5c6d7e8f9012")
	require.NoError(t, err)
	want := model.Vault{
		DepositOutpoint: wire.OutPoint{Hash: *depositTxid, Index: 1},
		Amount:          btcutil.Amount(120_000),
		Status:          model.StatusActive,
		DerivationIndex: 42,
		DepositAddress:  "bcrt1qexample",
		UpdatedAt:       1700000000,
		Bundle: model.TxBundle{
			Unvault: &model.BundleTx{Txid: *unvaultTxid, Hex: "deadbeef", Signed: true},
		},
	}
	require.NoError(t, s.SaveVaults([]model.Vault{want}))

	gotTip, err := s.LoadTip()
	require.NoError(t, err)
	require.Equal(t, wantTip, gotTip)

	got, err := s.LoadVaults()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want, *got[0])
}

func TestStoreSaveVaultsOverwrites(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	txid, err := chainhash.NewHashFromStr("5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821")
	require.NoError(t, err)
	v := model.Vault{
		DepositOutpoint: wire.OutPoint{Hash: *txid, Index: 0},
		Status:          model.StatusUnconfirmed,
	}
	require.NoError(t, s.SaveVaults([]model.Vault{v}))

	v.Status = model.StatusFunded
	require.NoError(t, s.SaveVaults([]model.Vault{v}))

	got, err := s.LoadVaults()
	require.NoError(t, err)
	require.Len(t, got, 1, "same outpoint must map to a single record")
	require.Equal(t, model.StatusFunded, got[0].Status)
}
