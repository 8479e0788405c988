package bitcoind

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/bitcoind/rpc"
	"github.com/vaultcustody/vaultd/internal/model"
)

// fakeCaller answers each method from a canned responder and records the
// calls it saw.
type fakeCaller struct {
	responders map[string]func(params []interface{}) (json.RawMessage, error)
	calls      []string
}

func (f *fakeCaller) Call(endpoint rpc.Endpoint, method string, params ...interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	responder, ok := f.responders[method]
	if !ok {
		return nil, fmt.Errorf("unexpected call to %q", method)
	}
	return responder(params)
}

func (f *fakeCaller) CallBatch(endpoint rpc.Endpoint, reqs []rpc.Request) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, 0, len(reqs))
	for _, req := range reqs {
		raw, err := f.Call(endpoint, req.Method, req.Params...)
		if err != nil {
			return nil, err
		}
		results = append(results, raw)
	}
	return results, nil
}

func respond(raw string) func([]interface{}) (json.RawMessage, error) {
	return func([]interface{}) (json.RawMessage, error) {
		return json.RawMessage(raw), nil
	}
}

func mustHash(t *testing.T, s string) *chainhash.Hash {
	t.Helper()
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		t.Fatalf("bad hash %q: %v", s, err)
	}
	return hash
}

const (
	txidA = "5b0b53d43fe9b8b31f5c0a8f9c9fd8b5f3b1f2f52648e81c8a2e53a4b9f3c821"
	txidB = "f21c3c95d1b6916cd2b7e1c2fa02a0a1e2c3d4e5f60718293a4b5c6d7e8f9012"
	txidC = "a3d2c1b0998877665544332211fcfdfebfaebdaccbdaebfcadbecfdaebfcadb0"
	txidD = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func outpoint(t *testing.T, txid string, vout uint32) wire.OutPoint {
	t.Helper()
	return wire.OutPoint{Hash: *mustHash(t, txid), Index: vout}
}

func unspentEntry(txid string, vout uint32, label string, confs int64) string {
	return fmt.Sprintf(`{"txid":%q,"vout":%d,"label":%q,"confirmations":%d,`+
		`"scriptPubKey":"0014751e76e8199196d454941c45d1b3a323f1433bd6","amount":0.005}`,
		txid, vout, label, confs)
}

func TestSyncDepositsPartition(t *testing.T) {
	knownUnconfirmed := outpoint(t, txidA, 0)
	knownConfirmed := outpoint(t, txidB, 1)
	spent := outpoint(t, txidC, 0)
	brandNew := outpoint(t, txidD, 2)

	known := map[wire.OutPoint]*model.UtxoInfo{
		knownUnconfirmed: {Value: 500_000, Confirmed: false},
		knownConfirmed:   {Value: 500_000, Confirmed: true},
		spent:            {Value: 500_000, Confirmed: true},
	}

	listing := "[" +
		unspentEntry(txidA, 0, "vault-deposit", 7) + "," +
		unspentEntry(txidB, 1, "vault-deposit", 120) + "," +
		// A new deposit, already deeply confirmed on the node's side.
		unspentEntry(txidD, 2, "vault-deposit", 100) + "," +
		// Unvault outputs share the wallet but not the label.
		unspentEntry(txidC, 1, "vault-unvault", 3) +
		"]"

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"listunspent": respond(listing),
	}}
	node := New(caller, zap.NewNop())

	state, err := node.SyncDeposits(known, 6)
	if err != nil {
		t.Fatalf("SyncDeposits: %v", err)
	}

	if len(state.NewUnconfirmed) != 1 {
		t.Fatalf("expected 1 new unconfirmed deposit, got %d", len(state.NewUnconfirmed))
	}
	utxo, ok := state.NewUnconfirmed[brandNew]
	if !ok {
		t.Fatal("the unknown outpoint must be reported new")
	}
	if utxo.Confirmed {
		t.Fatal("a new deposit is always recorded unconfirmed, whatever the node reports")
	}

	if len(state.NewConfirmed) != 1 {
		t.Fatalf("expected 1 newly confirmed deposit, got %d", len(state.NewConfirmed))
	}
	if _, ok := state.NewConfirmed[knownUnconfirmed]; !ok {
		t.Fatal("the known unconfirmed outpoint crossed the threshold and must confirm")
	}

	if len(state.NewSpent) != 1 {
		t.Fatalf("expected 1 newly spent deposit, got %d", len(state.NewSpent))
	}
	if _, ok := state.NewSpent[spent]; !ok {
		t.Fatal("an outpoint gone from listunspent must be reported spent")
	}
}

func TestSyncDepositsNoChangesIsEmpty(t *testing.T) {
	known := map[wire.OutPoint]*model.UtxoInfo{
		outpoint(t, txidA, 0): {Value: 500_000, Confirmed: true},
	}
	listing := "[" + unspentEntry(txidA, 0, "vault-deposit", 10) + "]"

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"listunspent": respond(listing),
	}}
	node := New(caller, zap.NewNop())

	state, err := node.SyncDeposits(known, 6)
	if err != nil {
		t.Fatalf("SyncDeposits: %v", err)
	}
	if !state.Empty() {
		t.Fatalf("an unchanged chain view must produce an empty delta: %+v", state)
	}
}

func TestSyncDepositsBelowThresholdStaysUnconfirmed(t *testing.T) {
	op := outpoint(t, txidA, 0)
	known := map[wire.OutPoint]*model.UtxoInfo{
		op: {Value: 500_000, Confirmed: false},
	}
	listing := "[" + unspentEntry(txidA, 0, "vault-deposit", 3) + "]"

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"listunspent": respond(listing),
	}}
	node := New(caller, zap.NewNop())

	state, err := node.SyncDeposits(known, 6)
	if err != nil {
		t.Fatalf("SyncDeposits: %v", err)
	}
	if !state.Empty() {
		t.Fatalf("3 confirmations against a threshold of 6 is no delta: %+v", state)
	}
}

func TestSyncUnvaults(t *testing.T) {
	confirming := outpoint(t, txidA, 0)
	spent := outpoint(t, txidB, 0)
	stable := outpoint(t, txidC, 0)

	known := map[wire.OutPoint]*model.UtxoInfo{
		confirming: {Value: 500_000, Confirmed: false},
		spent:      {Value: 500_000, Confirmed: true},
		stable:     {Value: 500_000, Confirmed: true},
	}

	listing := "[" +
		unspentEntry(txidA, 0, "vault-unvault", 1) + "," +
		unspentEntry(txidC, 0, "vault-unvault", 12) + "," +
		unspentEntry(txidD, 0, "vault-deposit", 2) +
		"]"

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"listunspent": respond(listing),
	}}
	node := New(caller, zap.NewNop())

	state, err := node.SyncUnvaults(known)
	if err != nil {
		t.Fatalf("SyncUnvaults: %v", err)
	}

	if _, ok := state.NewConfirmed[confirming]; !ok || len(state.NewConfirmed) != 1 {
		t.Fatalf("expected exactly the confirming unvault, got %+v", state.NewConfirmed)
	}
	if _, ok := state.NewSpent[spent]; !ok || len(state.NewSpent) != 1 {
		t.Fatalf("expected exactly the spent unvault, got %+v", state.NewSpent)
	}
}

func TestGetTip(t *testing.T) {
	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"getblockcount": respond("712015"),
		"getblockhash":  respond(fmt.Sprintf("%q", txidA)),
	}}
	node := New(caller, zap.NewNop())

	tip, err := node.GetTip()
	if err != nil {
		t.Fatalf("GetTip: %v", err)
	}
	if tip.Height != 712015 {
		t.Fatalf("expected height 712015, got %d", tip.Height)
	}
	if tip.Hash != *mustHash(t, txidA) {
		t.Fatalf("unexpected tip hash %s", tip.Hash)
	}
}

func TestSyncInfoMissingFieldIsAPIBreak(t *testing.T) {
	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"getblockchaininfo": respond(`{"headers":100,"blocks":100}`),
	}}
	node := New(caller, zap.NewNop())

	_, err := node.SyncInfo()
	var breakErr *APIBreakError
	if !errors.As(err, &breakErr) {
		t.Fatalf("expected *APIBreakError, got %T (%v)", err, err)
	}
}

func TestIsInMempool(t *testing.T) {
	inMempool := mustHash(t, txidA)
	unknown := mustHash(t, txidB)

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"getmempoolentry": func(params []interface{}) (json.RawMessage, error) {
			if params[0] == inMempool.String() {
				return json.RawMessage(`{"vsize":141}`), nil
			}
			return nil, &btcjson.RPCError{
				Code:    btcjson.ErrRPCInvalidAddressOrKey,
				Message: "Transaction not in mempool",
			}
		},
	}}
	node := New(caller, zap.NewNop())

	got, err := node.IsInMempool(inMempool)
	if err != nil || !got {
		t.Fatalf("expected (true, nil), got (%v, %v)", got, err)
	}

	got, err = node.IsInMempool(unknown)
	if err != nil {
		t.Fatalf("a 'not found' answer is not an error: %v", err)
	}
	if got {
		t.Fatal("expected false for a txid missing from the mempool")
	}
}

func TestIsCurrent(t *testing.T) {
	confirmed := mustHash(t, txidA)
	evicted := mustHash(t, txidB)
	unknown := mustHash(t, txidC)

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"gettransaction": func(params []interface{}) (json.RawMessage, error) {
			switch params[0] {
			case confirmed.String():
				return json.RawMessage(`{"hex":"00","timereceived":1,"blockheight":10}`), nil
			case evicted.String():
				return json.RawMessage(`{"hex":"00","timereceived":1}`), nil
			}
			return nil, &btcjson.RPCError{
				Code:    btcjson.ErrRPCInvalidAddressOrKey,
				Message: "Invalid or non-wallet transaction id",
			}
		},
		"getmempoolentry": func(params []interface{}) (json.RawMessage, error) {
			return nil, &btcjson.RPCError{
				Code:    btcjson.ErrRPCInvalidAddressOrKey,
				Message: "Transaction not in mempool",
			}
		},
	}}
	node := New(caller, zap.NewNop())

	got, err := node.IsCurrent(confirmed)
	if err != nil || !got {
		t.Fatalf("a confirmed wallet transaction is current, got (%v, %v)", got, err)
	}

	got, err = node.IsCurrent(evicted)
	if err != nil {
		t.Fatalf("IsCurrent: %v", err)
	}
	if got {
		t.Fatal("an unconfirmed transaction missing from the mempool is not current")
	}

	got, err = node.IsCurrent(unknown)
	if err != nil {
		t.Fatalf("a transaction unknown to the wallet is a negative answer: %v", err)
	}
	if got {
		t.Fatal("a transaction unknown to the wallet is not current")
	}
}

func TestGetSpenderTxid(t *testing.T) {
	spentOutpoint := outpoint(t, txidA, 1)
	sinceBlock := mustHash(t, txidD)

	listSince := fmt.Sprintf(`{"transactions":[
		{"category":"receive","txid":%q},
		{"category":"send","txid":%q},
		{"category":"send","txid":%q}
	]}`, txidA, txidB, txidC)

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"listsinceblock": respond(listSince),
		"gettransaction": func(params []interface{}) (json.RawMessage, error) {
			switch params[0] {
			case txidB:
				// Spends something else.
				return json.RawMessage(fmt.Sprintf(
					`{"hex":"00","timereceived":1,"decoded":{"vin":[{"txid":%q,"vout":0}]}}`,
					txidD)), nil
			case txidC:
				return json.RawMessage(fmt.Sprintf(
					`{"hex":"00","timereceived":1,"decoded":{"vin":[{"txid":%q,"vout":1}]}}`,
					txidA)), nil
			}
			return nil, fmt.Errorf("unexpected gettransaction %v", params[0])
		},
	}}
	node := New(caller, zap.NewNop())

	spender, err := node.GetSpenderTxid(&spentOutpoint, sinceBlock)
	if err != nil {
		t.Fatalf("GetSpenderTxid: %v", err)
	}
	if spender == nil || *spender != *mustHash(t, txidC) {
		t.Fatalf("expected spender %s, got %v", txidC, spender)
	}
}

func TestGetSpenderTxidNoneFound(t *testing.T) {
	spentOutpoint := outpoint(t, txidA, 1)

	caller := &fakeCaller{responders: map[string]func([]interface{}) (json.RawMessage, error){
		"listsinceblock": respond(`{"transactions":[{"category":"receive","txid":"aa"}]}`),
	}}
	node := New(caller, zap.NewNop())

	spender, err := node.GetSpenderTxid(&spentOutpoint, mustHash(t, txidD))
	if err != nil {
		t.Fatalf("GetSpenderTxid: %v", err)
	}
	if spender != nil {
		t.Fatalf("expected no spender, got %s", spender)
	}
}
