package bitcoind

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/vaultcustody/vaultd/internal/bitcoind/rpc"
)

// Labels tagging our UTXOs in the watchonly wallet.
const (
	depositLabel = "vault-deposit"
	unvaultLabel = "vault-unvault"
	cpfpLabel    = "vault-cpfp"
)

// Outputs below this floor can never be economically unwound once the
// unvault fee-bump output and the dust limit are accounted for, so the
// wallet never tracks them. The 5% leeway gives one value that fits all
// deployments.
const (
	dustLimit        = btcutil.Amount(546)
	unvaultCPFPValue = btcutil.Amount(30_000)
	minDepositValue  = (dustLimit + unvaultCPFPValue) * 105 / 100
)

type (
	// Caller is the transport contract this package consumes.
	Caller interface {
		Call(endpoint rpc.Endpoint, method string, params ...interface{}) (json.RawMessage, error)
		CallBatch(endpoint rpc.Endpoint, reqs []rpc.Request) ([]json.RawMessage, error)
	}
)

// APIBreakError flags a node response missing an expected field or of the
// wrong type. It signals an incompatible node version, never a transient
// condition, so it is fatal for the call.
type APIBreakError struct {
	Method string
	Detail string
}

func (e *APIBreakError) Error() string {
	return fmt.Sprintf("api break: %s: %s", e.Method, e.Detail)
}

func apiBreak(method, detail string) *APIBreakError {
	return &APIBreakError{Method: method, Detail: detail}
}
