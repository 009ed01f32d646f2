package protocol

import (
	"fmt"

	"github.com/jmcleod/secsync/crypto"
)

type createUpdateOptions struct {
	clock *int
}

// UpdateOption configures CreateUpdate.
type UpdateOption func(*createUpdateOptions)

// WithClock sets the update clock explicitly instead of deriving it from
// the clocks passed to CreateUpdate.
func WithClock(clock int) UpdateOption {
	return func(o *createUpdateOptions) {
		o.clock = &clock
	}
}

// CreateUpdate encrypts and signs content against publicData.RefSnapshotID.
// The clock is clocks.Next(pubKey) unless WithClock is given.
func CreateUpdate(content []byte, publicData UpdatePublicData, key []byte, signer *crypto.SigningKey, clocks Clocks, opts ...UpdateOption) (*Update, error) {
	var o createUpdateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if publicData.PubKey == "" {
		publicData.PubKey = signer.PublicKeyString()
	}
	publicData.Clock = clocks.Next(publicData.PubKey)
	if o.clock != nil {
		publicData.Clock = *o.clock
	}

	s, err := seal(content, publicData, crypto.DomainUpdate, key, signer)
	if err != nil {
		return nil, fmt.Errorf("creating update: %w", err)
	}
	return &Update{
		Ciphertext: s.ciphertext,
		Nonce:      s.nonce,
		Signature:  s.signature,
		PublicData: publicData,
	}, nil
}

// VerifyUpdateSignature reports whether update is signed by the key in its
// public data.
func VerifyUpdateSignature(update *Update) error {
	if update == nil {
		return ErrMalformedMessage
	}
	_, err := verifyEnvelope(update.Ciphertext, update.Nonce, update.Signature,
		update.PublicData.PubKey, update.PublicData, crypto.DomainUpdate)
	return err
}

// CheckUpdateClock validates clock continuity for an update by pubKey.
func CheckUpdateClock(clocks Clocks, pubKey string, clock int) error {
	current := clocks.Current(pubKey)
	if clock <= current {
		return fmt.Errorf("%w: got %d, current %d", ErrClockNotIncreasing, clock, current)
	}
	if clock != current+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrClockGap, clock, current+1)
	}
	return nil
}

// VerifyAndDecryptUpdate verifies update against the active snapshot and
// clocks and returns its content. clocks is only modified when the update is
// accepted; a nil map verifies against an empty history and records nothing.
func VerifyAndDecryptUpdate(update *Update, key []byte, activeSnapshotID string, clocks Clocks) ([]byte, error) {
	if update == nil {
		return nil, ErrMalformedMessage
	}
	pd := update.PublicData
	ad, err := verifyEnvelope(update.Ciphertext, update.Nonce, update.Signature, pd.PubKey, pd, crypto.DomainUpdate)
	if err != nil {
		return nil, err
	}
	if pd.RefSnapshotID != activeSnapshotID {
		return nil, ErrUnknownSnapshot
	}
	if err := CheckUpdateClock(clocks, pd.PubKey, pd.Clock); err != nil {
		return nil, err
	}

	content, err := crypto.Decrypt(update.Ciphertext, ad, key, update.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypting update: %w", err)
	}
	if clocks != nil {
		clocks[pd.PubKey] = pd.Clock
	}
	return content, nil
}
