// Package control exposes the daemon's operations over HTTP. Handlers do
// no work themselves: every request is turned into a message for the hub
// and answered from its reply channel.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/hub"
	"github.com/vaultcustody/vaultd/internal/model"
	"github.com/vaultcustody/vaultd/internal/vault"
)

// Server is the HTTP control boundary.
type Server struct {
	control chan<- hub.Request
	hubDone <-chan struct{}
	logger  *zap.Logger
	srv     *http.Server
}

// New builds the control server listening on addr. hubDone tells the
// handlers the dispatch loop is gone, so a request racing the shutdown is
// answered instead of parking on the control channel forever.
func New(addr string, control chan<- hub.Request, hubDone <-chan struct{}, logger *zap.Logger) *Server {
	s := &Server{control: control, hubDone: hubDone, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", s.getInfo)
	mux.HandleFunc("GET /vaults", s.listVaults)
	mux.HandleFunc("GET /vaults/{outpoint}/revocation_txs", s.getRevocationTxs)
	mux.HandleFunc("POST /vaults/{outpoint}/revocation_txs", s.setRevocationTxs)
	mux.HandleFunc("GET /vaults/{outpoint}/unvault_tx", s.getUnvaultTx)
	mux.HandleFunc("POST /vaults/{outpoint}/unvault_tx", s.setUnvaultTx)
	mux.HandleFunc("POST /vaults/{outpoint}/spend_tx", s.setSpendTx)
	mux.HandleFunc("GET /transactions", s.listTransactions)
	mux.HandleFunc("POST /stop", s.stop)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           cors.Default().Handler(mux),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}
	return s
}

// Handler exposes the configured handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down the control server")
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.logger.Error("control server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("starting control server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// dispatch hands a request to the hub. Once accepted, the hub always
// replies before taking the next request.
func (s *Server) dispatch(req hub.Request) error {
	select {
	case s.control <- req:
		return nil
	case <-s.hubDone:
		return &httpError{
			status: http.StatusServiceUnavailable,
			err:    errors.New("shutting down"),
		}
	}
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	req := hub.GetInfoRequest{Reply: make(chan hub.GetInfoReply)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	reply := <-req.Reply
	if reply.Err != nil {
		s.writeError(w, reply.Err)
		return
	}
	s.writeJSON(w, http.StatusOK, newInfoView(reply))
}

func (s *Server) listVaults(w http.ResponseWriter, r *http.Request) {
	var statuses []model.VaultStatus
	for _, raw := range r.URL.Query()["status"] {
		status, err := model.VaultStatusFromString(raw)
		if err != nil {
			s.writeError(w, badRequest(err))
			return
		}
		statuses = append(statuses, status)
	}
	outpoints, err := outpointsParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := hub.ListVaultsRequest{
		Statuses:  statuses,
		Outpoints: outpoints,
		Reply:     make(chan []model.Vault),
	}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	vaults := <-req.Reply

	views := make([]vaultView, 0, len(vaults))
	for _, v := range vaults {
		views = append(views, newVaultView(v))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"vaults": views})
}

func (s *Server) getRevocationTxs(w http.ResponseWriter, r *http.Request) {
	outpoint, err := model.OutpointFromString(r.PathValue("outpoint"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	req := hub.GetRevocationTxsRequest{Outpoint: outpoint, Reply: make(chan hub.RevocationTxsReply)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	reply := <-req.Reply
	if reply.Err != nil {
		s.writeError(w, reply.Err)
		return
	}
	s.writeJSON(w, http.StatusOK, newRevocationTxsView(reply.Txs))
}

func (s *Server) setRevocationTxs(w http.ResponseWriter, r *http.Request) {
	outpoint, err := model.OutpointFromString(r.PathValue("outpoint"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	var body revocationTxsView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	txs, err := body.toModel()
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	req := hub.SetRevocationTxsRequest{Outpoint: outpoint, Txs: txs, Reply: make(chan error)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := <-req.Reply; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) getUnvaultTx(w http.ResponseWriter, r *http.Request) {
	outpoint, err := model.OutpointFromString(r.PathValue("outpoint"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	req := hub.GetUnvaultTxRequest{Outpoint: outpoint, Reply: make(chan hub.UnvaultTxReply)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	reply := <-req.Reply
	if reply.Err != nil {
		s.writeError(w, reply.Err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBundleTxView(reply.Tx))
}

func (s *Server) setUnvaultTx(w http.ResponseWriter, r *http.Request) {
	outpoint, err := model.OutpointFromString(r.PathValue("outpoint"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	var body bundleTxView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	tx, err := body.toModel()
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	req := hub.SetUnvaultTxRequest{Outpoint: outpoint, Tx: tx, Reply: make(chan error)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := <-req.Reply; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) setSpendTx(w http.ResponseWriter, r *http.Request) {
	outpoint, err := model.OutpointFromString(r.PathValue("outpoint"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	var body bundleTxView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	tx, err := body.toModel()
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	req := hub.SetSpendTxRequest{Outpoint: outpoint, Tx: tx, Reply: make(chan error)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := <-req.Reply; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	outpoints, err := outpointsParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := hub.ListTransactionsRequest{Outpoints: outpoints, Reply: make(chan hub.ListTransactionsReply)}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	reply := <-req.Reply
	if reply.Err != nil {
		s.writeError(w, reply.Err)
		return
	}

	views := make([]vaultTransactionsView, 0, len(reply.Transactions))
	for _, txs := range reply.Transactions {
		views = append(views, newVaultTransactionsView(txs))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": views})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	req := hub.ShutdownRequest{Reply: make(chan struct{})}
	if err := s.dispatch(req); err != nil {
		s.writeError(w, err)
		return
	}
	<-req.Reply
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func outpointsParam(r *http.Request) ([]wire.OutPoint, error) {
	var outpoints []wire.OutPoint
	for _, raw := range r.URL.Query()["outpoint"] {
		outpoint, err := model.OutpointFromString(raw)
		if err != nil {
			return nil, badRequest(err)
		}
		outpoints = append(outpoints, outpoint)
	}
	return outpoints, nil
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }

func badRequest(err error) error { return &httpError{status: http.StatusBadRequest, err: err} }

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var httpErr *httpError
	var statusErr *vault.StatusError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.status
	case errors.Is(err, vault.ErrUnknownOutpoint):
		status = http.StatusNotFound
	case errors.As(err, &statusErr):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("control request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}
