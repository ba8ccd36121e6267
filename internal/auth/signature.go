package auth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChallengeMessage is the text a wallet signs to obtain a key for addr.
func ChallengeMessage(addr string, timestamp int64) string {
	return fmt.Sprintf("upiramp:key:%s:%d", strings.ToLower(addr), timestamp)
}

// RecoverAddress returns the lower-case address whose key produced an
// EIP-191 personal_sign signature over message. signature is 65 bytes hex,
// with v either 0/1 or 27/28.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that signature over message was made by addr.
func VerifySignature(message, signature, addr string) error {
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, addr) {
		return ErrInvalidSignature
	}
	return nil
}

func isAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}
