package vault

import (
	"errors"
	"testing"

	"github.com/vaultcustody/vaultd/internal/model"
)

func TestAdvance(t *testing.T) {
	cases := []struct {
		name    string
		from    model.VaultStatus
		to      model.VaultStatus
		refused bool
	}{
		{name: "deposit confirms", from: model.StatusUnconfirmed, to: model.StatusFunded},
		{name: "funded starts securing", from: model.StatusFunded, to: model.StatusSecuring},
		{name: "securing completes", from: model.StatusSecuring, to: model.StatusSecured},
		{name: "secured activates", from: model.StatusSecured, to: model.StatusActive},
		{name: "active unvaults", from: model.StatusActive, to: model.StatusUnvaulting},
		{name: "unvault confirms", from: model.StatusUnvaulting, to: model.StatusUnvaulted},
		{name: "unvault canceled before confirming", from: model.StatusUnvaulting, to: model.StatusCanceling},
		{name: "cancel settles", from: model.StatusCanceling, to: model.StatusCanceled},
		{name: "unvaulted is spent", from: model.StatusUnvaulted, to: model.StatusSpending},
		{name: "spend settles", from: model.StatusSpending, to: model.StatusSpent},
		{name: "funded emergency", from: model.StatusFunded, to: model.StatusEmergencyVaulting},
		{name: "unvaulted emergency", from: model.StatusUnvaulted, to: model.StatusEmergencyVaulting},
		{name: "emergency settles", from: model.StatusEmergencyVaulting, to: model.StatusEmergencyVaulted},

		{name: "no skipping to active", from: model.StatusFunded, to: model.StatusActive, refused: true},
		{name: "no going backwards", from: model.StatusFunded, to: model.StatusUnconfirmed, refused: true},
		{name: "no double confirmation", from: model.StatusFunded, to: model.StatusFunded, refused: true},
		{name: "terminal means terminal", from: model.StatusSpent, to: model.StatusUnvaulting, refused: true},
		{name: "unconfirmed cannot unvault", from: model.StatusUnconfirmed, to: model.StatusUnvaulting, refused: true},
		{name: "spending cannot cancel", from: model.StatusSpending, to: model.StatusCanceling, refused: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &model.Vault{Status: tc.from, UpdatedAt: 1}
			err := advance(v, tc.to, 1700000000)

			if tc.refused {
				var statusErr *StatusError
				if !errors.As(err, &statusErr) {
					t.Fatalf("expected a *StatusError, got %v", err)
				}
				if v.Status != tc.from || v.UpdatedAt != 1 {
					t.Fatalf("a refused transition must not touch the vault: %+v", v)
				}
				return
			}

			if err != nil {
				t.Fatalf("advance(%s -> %s): %v", tc.from, tc.to, err)
			}
			if v.Status != tc.to {
				t.Fatalf("expected %s, got %s", tc.to, v.Status)
			}
			if v.UpdatedAt != 1700000000 {
				t.Fatalf("the update timestamp must be stamped, got %d", v.UpdatedAt)
			}
		})
	}
}
