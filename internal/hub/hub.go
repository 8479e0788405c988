// Package hub is the coordination point between the control boundary and
// the poller. It is the sole writer of the vault state: reconciliation
// deltas and control submissions both go through its dispatch loop, while
// read-only control requests are answered from the state under the read
// lock.
package hub

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/model"
	"github.com/vaultcustody/vaultd/internal/poller"
	"github.com/vaultcustody/vaultd/internal/vault"
)

type (
	// Store is the persistence boundary: the applied state is durably
	// recorded after each delta.
	Store interface {
		SaveTip(tip model.BlockchainTip) error
		SaveVaults(vaults []model.Vault) error
	}
)

// Hub dispatches control requests and reconciliation deltas.
type Hub struct {
	state   *vault.State
	store   Store
	network string
	logger  *zap.Logger

	control    chan Request
	done       chan struct{}
	deltas     <-chan poller.Delta
	pollerReqs chan<- poller.Request
	pollerDone <-chan struct{}
}

// New wires the hub to the vault state, the store and the poller channels.
func New(state *vault.State, store Store, network string, p *poller.Poller, logger *zap.Logger) *Hub {
	return &Hub{
		state:      state,
		store:      store,
		network:    network,
		logger:     logger,
		control:    make(chan Request),
		done:       make(chan struct{}),
		deltas:     p.Deltas(),
		pollerReqs: p.Requests(),
		pollerDone: p.Done(),
	}
}

// Control is the channel the control boundary submits requests on.
func (h *Hub) Control() chan<- Request { return h.control }

// Done is closed when the dispatch loop has returned and no more control
// requests will be accepted.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Run dispatches until a shutdown request arrives, a store write fails or
// the context is canceled. It returns only after the poller is fully
// stopped. A store failure is fatal: custody state that cannot be
// persisted must not keep being served as if it were.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.stopPoller()
			return ctx.Err()
		case delta := <-h.deltas:
			if err := h.applyDelta(delta); err != nil {
				h.stopPoller()
				return err
			}
		case req := <-h.control:
			if shutdown, ok := req.(ShutdownRequest); ok {
				h.logger.Info("stopping vaultd")
				h.stopPoller()
				shutdown.Reply <- struct{}{}
				return nil
			}
			if err := h.handle(req); err != nil {
				h.stopPoller()
				return err
			}
		}
	}
}

// stopPoller delivers the shutdown and joins the poller. Leaking the
// poller thread is not an option: we block until it is gone.
func (h *Hub) stopPoller() {
	select {
	case h.pollerReqs <- poller.ShutdownRequest{}:
	case <-h.pollerDone:
		// Already gone: it failed on its own and Run's caller will see
		// its error.
	}
	<-h.pollerDone
}

// applyDelta advances the vault state with one reconciliation pass,
// persists the outcome and acknowledges so the poller can start the next
// pass. Refused transitions are reported back over the acknowledgment and
// left to the poller's judgment; a store failure is returned so the
// dispatch loop stops instead of drifting from disk.
func (h *Hub) applyDelta(delta poller.Delta) error {
	var conflicts []error

	h.state.SetTip(delta.Tip)
	if err := h.state.ApplyDeposits(delta.Deposits, delta.DepositSpenders); err != nil {
		conflicts = append(conflicts, err)
	}
	if err := h.state.ApplyUnvaults(delta.Unvaults, delta.UnvaultSpenders); err != nil {
		conflicts = append(conflicts, err)
	}
	for _, outpoint := range delta.Settled {
		if err := h.state.MarkSpendConfirmed(outpoint); err != nil {
			conflicts = append(conflicts, err)
		}
	}

	storeErr := h.store.SaveTip(delta.Tip)
	if storeErr == nil {
		storeErr = h.store.SaveVaults(h.state.Snapshot())
	}

	delta.Ack <- errors.Join(conflicts...)

	if storeErr != nil {
		h.logger.Error("persisting reconciliation outcome", zap.Error(storeErr))
		return storeErr
	}
	return nil
}

// handle answers one control request. The returned error is nil except
// when a store write failed, which stops the dispatch loop.
func (h *Hub) handle(req Request) error {
	switch r := req.(type) {
	case GetInfoRequest:
		r.Reply <- h.getInfo()
	case ListVaultsRequest:
		r.Reply <- h.state.ListVaults(r.Statuses, r.Outpoints)
	case GetRevocationTxsRequest:
		txs, err := h.state.RevocationTxs(r.Outpoint)
		r.Reply <- RevocationTxsReply{Txs: txs, Err: err}
	case SetRevocationTxsRequest:
		err, storeErr := h.persistSubmission(h.state.SetRevocationTxs(r.Outpoint, r.Txs))
		r.Reply <- err
		return storeErr
	case GetUnvaultTxRequest:
		tx, err := h.state.UnvaultTx(r.Outpoint)
		r.Reply <- UnvaultTxReply{Tx: tx, Err: err}
	case SetUnvaultTxRequest:
		err, storeErr := h.persistSubmission(h.state.SetUnvaultTx(r.Outpoint, r.Tx))
		r.Reply <- err
		return storeErr
	case SetSpendTxRequest:
		err, storeErr := h.persistSubmission(h.state.SetSpendTx(r.Outpoint, r.Tx))
		r.Reply <- err
		return storeErr
	case ListTransactionsRequest:
		r.Reply <- h.listTransactions(r.Outpoints)
	default:
		h.logger.Error("unhandled control request")
	}
	return nil
}

// persistSubmission records the state after an accepted control
// submission. The first error goes back to the requester, the second one
// is the store failure stopping the loop.
func (h *Hub) persistSubmission(stateErr error) (error, error) {
	if stateErr != nil {
		return stateErr, nil
	}
	if err := h.store.SaveVaults(h.state.Snapshot()); err != nil {
		h.logger.Error("persisting vaults", zap.Error(err))
		return err, err
	}
	return nil, nil
}

// getInfo asks the poller for the node's sync progress over a rendezvous
// channel: only the poller may query the node.
func (h *Hub) getInfo() GetInfoReply {
	progressReq := poller.SyncProgressRequest{Reply: make(chan poller.SyncProgressReply)}
	h.pollerReqs <- progressReq
	progress := <-progressReq.Reply
	if progress.Err != nil {
		return GetInfoReply{Err: progress.Err}
	}

	tip := h.state.Tip()
	return GetInfoReply{
		Network:      h.network,
		Height:       tip.Height,
		SyncProgress: progress.Info.Progress,
		Vaults:       len(h.state.ListVaults(nil, nil)),
	}
}

// walletTx resolves the wallet's view of a transaction through the poller.
// Nil when unknown to the wallet.
func (h *Hub) walletTx(txid chainhash.Hash) (*model.WalletTransaction, error) {
	req := poller.WalletTransactionRequest{
		Txid:  txid,
		Reply: make(chan poller.WalletTransactionReply),
	}
	h.pollerReqs <- req
	reply := <-req.Reply
	return reply.Tx, reply.Err
}

func (h *Hub) listTransactions(outpoints []wire.OutPoint) ListTransactionsReply {
	vaults := h.state.ListVaults(nil, outpoints)

	listings := make([]model.VaultTransactions, 0, len(vaults))
	for i := range vaults {
		v := &vaults[i]

		deposit, err := h.walletTx(v.DepositOutpoint.Hash)
		if err != nil {
			return ListTransactionsReply{Err: err}
		}

		listing := model.VaultTransactions{
			Outpoint: v.DepositOutpoint,
			Deposit:  deposit,
		}
		for _, tx := range []struct {
			bundle **model.BundleTx
			dest   **model.TransactionResource
		}{
			{&v.Bundle.Unvault, &listing.Unvault},
			{&v.Bundle.Cancel, &listing.Cancel},
			{&v.Bundle.Spend, &listing.Spend},
			{&v.Bundle.Emergency, &listing.Emergency},
			{&v.Bundle.UnvaultEmergency, &listing.UnvaultEmergency},
		} {
			if *tx.bundle == nil {
				continue
			}
			walletTx, err := h.walletTx((*tx.bundle).Txid)
			if err != nil {
				return ListTransactionsReply{Err: err}
			}
			*tx.dest = &model.TransactionResource{WalletTx: walletTx, Tx: **tx.bundle}
		}
		listings = append(listings, listing)
	}

	return ListTransactionsReply{Transactions: listings}
}
