package escrow

import (
	"math/big"

	"github.com/mbd888/upiramp/internal/validation"
)

// DefaultPlatformFee is 0.001 of the native asset, in wei.
var DefaultPlatformFee = big.NewInt(1_000_000_000_000_000)

// FeeSchedule splits the native fee supplied at creation. The platform part
// is paid to the recipient immediately; the remainder is held for the payer.
// Both values are fixed for the lifetime of the engine.
type FeeSchedule struct {
	platformFee *big.Int
	recipient   string
}

// NewFeeSchedule validates and freezes the platform fee and its recipient.
func NewFeeSchedule(platformFee *big.Int, recipient string) (FeeSchedule, error) {
	if platformFee == nil {
		platformFee = DefaultPlatformFee
	}
	if platformFee.Sign() < 0 {
		return FeeSchedule{}, ErrInsufficientFee
	}
	recipient = validation.SanitizeAddress(recipient)
	if recipient == "" {
		return FeeSchedule{}, ErrInvalidAddress
	}
	return FeeSchedule{platformFee: new(big.Int).Set(platformFee), recipient: recipient}, nil
}

// PlatformFee returns a copy of the fixed platform fee.
func (f FeeSchedule) PlatformFee() *big.Int {
	return new(big.Int).Set(f.platformFee)
}

// Recipient is the address that receives every platform fee.
func (f FeeSchedule) Recipient() string {
	return f.recipient
}

// Split returns (platformFee, payerFee) for a fee payment.
func (f FeeSchedule) Split(feePayment *big.Int) (*big.Int, *big.Int, error) {
	if feePayment == nil || feePayment.Cmp(f.platformFee) < 0 {
		return nil, nil, ErrInsufficientFee
	}
	return f.PlatformFee(), new(big.Int).Sub(feePayment, f.platformFee), nil
}
