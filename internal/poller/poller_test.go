package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/model"
)

type fakeNode struct {
	tip         model.BlockchainTip
	info        model.SyncInfo
	deposits    *model.DepositsState
	unvaults    *model.UnvaultsState
	spenders    map[wire.OutPoint]*chainhash.Hash
	wallet      map[chainhash.Hash]*model.WalletTransaction
	mempool     map[chainhash.Hash]bool
	rebroadcast []chainhash.Hash
	syncErr     error
}

func (f *fakeNode) GetTip() (*model.BlockchainTip, error) {
	tip := f.tip
	return &tip, nil
}

func (f *fakeNode) SyncInfo() (*model.SyncInfo, error) {
	info := f.info
	return &info, nil
}

func (f *fakeNode) SyncDeposits(known map[wire.OutPoint]*model.UtxoInfo, minConf int32) (*model.DepositsState, error) {
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return f.deposits, nil
}

func (f *fakeNode) SyncUnvaults(known map[wire.OutPoint]*model.UtxoInfo) (*model.UnvaultsState, error) {
	return f.unvaults, nil
}

func (f *fakeNode) GetWalletTransaction(txid *chainhash.Hash) (*model.WalletTransaction, error) {
	tx, ok := f.wallet[*txid]
	if !ok {
		return nil, &btcjson.RPCError{
			Code:    btcjson.ErrRPCInvalidAddressOrKey,
			Message: "Invalid or non-wallet transaction id",
		}
	}
	return tx, nil
}

func (f *fakeNode) GetSpenderTxid(spent *wire.OutPoint, sinceBlock *chainhash.Hash) (*chainhash.Hash, error) {
	return f.spenders[*spent], nil
}

func (f *fakeNode) IsInMempool(txid *chainhash.Hash) (bool, error) {
	return f.mempool[*txid], nil
}

func (f *fakeNode) RebroadcastWalletTransaction(txid *chainhash.Hash) error {
	f.rebroadcast = append(f.rebroadcast, *txid)
	return nil
}

type fakeView struct {
	tip      model.BlockchainTip
	deposits map[wire.OutPoint]*model.UtxoInfo
	unvaults map[wire.OutPoint]*model.UtxoInfo
	spending map[wire.OutPoint]chainhash.Hash
}

func (f *fakeView) Tip() model.BlockchainTip { return f.tip }

func (f *fakeView) KnownDeposits() map[wire.OutPoint]*model.UtxoInfo { return f.deposits }

func (f *fakeView) KnownUnvaults() map[wire.OutPoint]*model.UtxoInfo { return f.unvaults }

func (f *fakeView) SpendingTxids() map[wire.OutPoint]chainhash.Hash { return f.spending }

type nopMetrics struct{}

func (nopMetrics) ObservePass(err error, started time.Time) {}

func emptyDeposits() *model.DepositsState {
	return &model.DepositsState{
		NewUnconfirmed: map[wire.OutPoint]*model.UtxoInfo{},
		NewConfirmed:   map[wire.OutPoint]*model.UtxoInfo{},
		NewSpent:       map[wire.OutPoint]*model.UtxoInfo{},
	}
}

func emptyUnvaults() *model.UnvaultsState {
	return &model.UnvaultsState{
		NewConfirmed: map[wire.OutPoint]*model.UtxoInfo{},
		NewSpent:     map[wire.OutPoint]*model.UtxoInfo{},
	}
}

func testTip(height int32) model.BlockchainTip {
	var hash chainhash.Hash
	hash[0] = byte(height)
	return model.BlockchainTip{Height: height, Hash: hash}
}

func startPoller(t *testing.T, node *fakeNode, view *fakeView) (*Poller, chan error) {
	t.Helper()

	p := New(node, view, nopMetrics{}, time.Hour, 6, zap.NewNop())
	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(context.Background())
	}()
	return p, runErr
}

func waitErr(t *testing.T, runErr chan error) error {
	t.Helper()
	select {
	case err := <-runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop in time")
		return nil
	}
}

func TestPollerDeliversDelta(t *testing.T) {
	var depositOutpoint wire.OutPoint
	depositOutpoint.Hash[0] = 0xaa

	node := &fakeNode{
		tip:      testTip(2),
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
	}
	node.deposits.NewUnconfirmed[depositOutpoint] = &model.UtxoInfo{Value: 500_000}
	view := &fakeView{tip: testTip(1)}

	p, runErr := startPoller(t, node, view)

	delta := <-p.Deltas()
	if delta.Tip != node.tip {
		t.Fatalf("unexpected delta tip %+v", delta.Tip)
	}
	if _, ok := delta.Deposits.NewUnconfirmed[depositOutpoint]; !ok {
		t.Fatalf("the new deposit must be in the delta: %+v", delta.Deposits)
	}
	delta.Ack <- nil

	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("Done must be closed after Run returns")
	}
}

func TestPollerDeliversTipOnlyDelta(t *testing.T) {
	node := &fakeNode{
		tip:      testTip(5),
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
	}
	view := &fakeView{tip: testTip(4)}

	p, runErr := startPoller(t, node, view)

	delta := <-p.Deltas()
	if !delta.Empty() {
		t.Fatalf("expected an empty delta carrying only the tip: %+v", delta)
	}
	if delta.Tip != node.tip {
		t.Fatalf("unexpected tip %+v", delta.Tip)
	}
	delta.Ack <- nil

	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPollerSkipsUnchangedPass(t *testing.T) {
	tip := testTip(7)
	node := &fakeNode{
		tip:      tip,
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
	}
	view := &fakeView{tip: tip}

	p, runErr := startPoller(t, node, view)

	// No delta: the poller goes straight to idling and serves this.
	req := SyncProgressRequest{Reply: make(chan SyncProgressReply)}
	p.Requests() <- req
	<-req.Reply

	select {
	case <-p.Deltas():
		t.Fatal("an unchanged pass must not deliver a delta")
	default:
	}

	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPollerServesRequestsWhileDeltaPending(t *testing.T) {
	node := &fakeNode{
		tip:      testTip(2),
		info:     model.SyncInfo{Headers: 100, Blocks: 100, Progress: 1},
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
	}
	view := &fakeView{tip: testTip(1)}

	p, runErr := startPoller(t, node, view)

	// The delta is pending delivery; the poller must still answer.
	req := SyncProgressRequest{Reply: make(chan SyncProgressReply)}
	p.Requests() <- req
	reply := <-req.Reply
	if reply.Err != nil || reply.Info.Progress != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	delta := <-p.Deltas()

	// And likewise between delivery and acknowledgment.
	req = SyncProgressRequest{Reply: make(chan SyncProgressReply)}
	p.Requests() <- req
	<-req.Reply

	delta.Ack <- nil
	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPollerShutdownWhileDeltaPending(t *testing.T) {
	node := &fakeNode{
		tip:      testTip(2),
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
	}
	view := &fakeView{tip: testTip(1)}

	p, runErr := startPoller(t, node, view)

	// Never consume the delta: shutdown must still go through.
	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPollerReconciliationFailureIsFatal(t *testing.T) {
	boom := errors.New("listunspent exploded")
	node := &fakeNode{
		tip:     testTip(2),
		syncErr: boom,
	}
	view := &fakeView{tip: testTip(1)}

	_, runErr := startPoller(t, node, view)

	if err := waitErr(t, runErr); !errors.Is(err, boom) {
		t.Fatalf("expected the reconciliation error, got %v", err)
	}
}

func TestPollerSettledVaults(t *testing.T) {
	var depositOutpoint wire.OutPoint
	depositOutpoint.Hash[0] = 0xaa
	var cancelTxid chainhash.Hash
	cancelTxid[0] = 0xbb
	height := int32(9)

	node := &fakeNode{
		tip:      testTip(10),
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
		wallet: map[chainhash.Hash]*model.WalletTransaction{
			cancelTxid: {Hex: "00", BlockHeight: &height, ReceivedTime: 1},
		},
	}
	view := &fakeView{
		tip:      testTip(9),
		spending: map[wire.OutPoint]chainhash.Hash{depositOutpoint: cancelTxid},
	}

	p, runErr := startPoller(t, node, view)

	delta := <-p.Deltas()
	if len(delta.Settled) != 1 || delta.Settled[0] != depositOutpoint {
		t.Fatalf("the confirmed cancel must settle its vault: %+v", delta.Settled)
	}
	delta.Ack <- nil

	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPollerRebroadcastsEvictedSpend(t *testing.T) {
	var depositOutpoint wire.OutPoint
	depositOutpoint.Hash[0] = 0xaa
	var spendTxid chainhash.Hash
	spendTxid[0] = 0xcc

	node := &fakeNode{
		tip:      testTip(10),
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
		// Known to the wallet but unconfirmed, and gone from the mempool.
		wallet: map[chainhash.Hash]*model.WalletTransaction{
			spendTxid: {Hex: "00", ReceivedTime: 1},
		},
		mempool: map[chainhash.Hash]bool{},
	}
	view := &fakeView{
		tip:      testTip(9),
		spending: map[wire.OutPoint]chainhash.Hash{depositOutpoint: spendTxid},
	}

	p, runErr := startPoller(t, node, view)

	delta := <-p.Deltas()
	if len(delta.Settled) != 0 {
		t.Fatalf("an unconfirmed spend must not settle: %+v", delta.Settled)
	}
	delta.Ack <- nil

	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(node.rebroadcast) != 1 || node.rebroadcast[0] != spendTxid {
		t.Fatalf("the evicted spend must be rebroadcast: %+v", node.rebroadcast)
	}
}

func TestPollerWalletTransactionNegativeAnswer(t *testing.T) {
	tip := testTip(3)
	node := &fakeNode{
		tip:      tip,
		deposits: emptyDeposits(),
		unvaults: emptyUnvaults(),
		wallet:   map[chainhash.Hash]*model.WalletTransaction{},
	}
	view := &fakeView{tip: tip}

	p, runErr := startPoller(t, node, view)

	var unknown chainhash.Hash
	unknown[0] = 0xcc
	req := WalletTransactionRequest{Txid: unknown, Reply: make(chan WalletTransactionReply)}
	p.Requests() <- req
	reply := <-req.Reply
	if reply.Err != nil || reply.Tx != nil {
		t.Fatalf("an unknown txid is a normal negative answer, got %+v", reply)
	}

	p.Requests() <- ShutdownRequest{}
	if err := waitErr(t, runErr); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
