package model

import "fmt"

// VaultStatus is the position of a vault along its lifecycle.
//
// The progression is monotonic with three terminal branches after the
// unvault confirms: cancel, spend, or emergency. A vault can also be
// emergency-vaulted straight from funded/secured, before any unvault.
type VaultStatus string

const (
	// StatusUnconfirmed is a deposit seen in the wallet but not yet buried
	// under enough confirmations.
	StatusUnconfirmed VaultStatus = "unconfirmed"
	// StatusFunded is a deposit with enough confirmations.
	StatusFunded VaultStatus = "funded"
	// StatusSecuring means the revocation transactions were handed to us
	// but are not all fully signed yet.
	StatusSecuring VaultStatus = "securing"
	// StatusSecured means all revocation transactions are stored and signed.
	StatusSecured VaultStatus = "secured"
	// StatusActive means the unvault transaction is fully signed too: the
	// vault is usable.
	StatusActive VaultStatus = "active"
	// StatusUnvaulting means the unvault transaction spending the deposit
	// was noticed on-chain but is unconfirmed.
	StatusUnvaulting VaultStatus = "unvaulting"
	// StatusUnvaulted means the unvault output is confirmed.
	StatusUnvaulted VaultStatus = "unvaulted"

	StatusCanceling VaultStatus = "canceling"
	StatusCanceled  VaultStatus = "canceled"
	StatusSpending  VaultStatus = "spending"
	StatusSpent     VaultStatus = "spent"

	// StatusEmergencyVaulting covers both the pre-unvault emergency (spending
	// the deposit) and the post-unvault one (spending the unvault output).
	StatusEmergencyVaulting VaultStatus = "emergencyvaulting"
	StatusEmergencyVaulted  VaultStatus = "emergencyvaulted"
)

// VaultStatusFromString parses a status as found in the store or a control
// request.
func VaultStatusFromString(s string) (VaultStatus, error) {
	switch st := VaultStatus(s); st {
	case StatusUnconfirmed, StatusFunded, StatusSecuring, StatusSecured,
		StatusActive, StatusUnvaulting, StatusUnvaulted,
		StatusCanceling, StatusCanceled, StatusSpending, StatusSpent,
		StatusEmergencyVaulting, StatusEmergencyVaulted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown vault status %q", s)
	}
}

func (s VaultStatus) String() string { return string(s) }
