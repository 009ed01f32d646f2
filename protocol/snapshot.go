package protocol

import (
	"fmt"

	"github.com/jmcleod/secsync/crypto"
)

// ParentSnapshotProof binds a snapshot to its parent: the hash of the
// parent's own proof together with the hash of the parent's ciphertext.
// The first snapshot of a document uses empty strings for both.
func ParentSnapshotProof(grandParentSnapshotProof, parentSnapshotCiphertextHash string) string {
	// canonicalizing a string map cannot fail
	canonical, _ := crypto.Canonicalize(map[string]string{
		"grandParentSnapshotProof": grandParentSnapshotProof,
		"parentSnapshotCiphertext": parentSnapshotCiphertextHash,
	})
	return crypto.Hash(string(canonical))
}

// CreateSnapshot encrypts and signs content as a child of the snapshot whose
// ciphertext hash and proof are given. publicData.ParentSnapshotProof is
// computed here. An empty PubKey is filled from signer.
func CreateSnapshot(content []byte, publicData SnapshotPublicData, key []byte, signer *crypto.SigningKey, parentSnapshotCiphertextHash, grandParentSnapshotProof string) (*Snapshot, error) {
	publicData.ParentSnapshotProof = ParentSnapshotProof(grandParentSnapshotProof, parentSnapshotCiphertextHash)
	if publicData.ParentSnapshotUpdateClocks == nil {
		publicData.ParentSnapshotUpdateClocks = Clocks{}
	}
	if publicData.PubKey == "" {
		publicData.PubKey = signer.PublicKeyString()
	}

	s, err := seal(content, publicData, crypto.DomainSnapshot, key, signer)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}
	return &Snapshot{
		Ciphertext: s.ciphertext,
		Nonce:      s.nonce,
		Signature:  s.signature,
		PublicData: publicData,
	}, nil
}

// CreateInitialSnapshot creates the first snapshot of a document.
func CreateInitialSnapshot(content []byte, publicData SnapshotPublicData, key []byte, signer *crypto.SigningKey) (*Snapshot, error) {
	return CreateSnapshot(content, publicData, key, signer, "", "")
}

// VerifySnapshotSignature reports whether snapshot is signed by the key in
// its public data.
func VerifySnapshotSignature(snapshot *Snapshot) error {
	if snapshot == nil {
		return ErrMalformedMessage
	}
	_, err := verifyEnvelope(snapshot.Ciphertext, snapshot.Nonce, snapshot.Signature,
		snapshot.PublicData.PubKey, snapshot.PublicData, crypto.DomainSnapshot)
	return err
}

type verifySnapshotOptions struct {
	parent      *SnapshotProofChainEntry
	parentClock *int
}

// VerifySnapshotOption adds an optional check to VerifyAndDecryptSnapshot.
type VerifySnapshotOption func(*verifySnapshotOptions)

// WithParentSnapshot requires the snapshot to be a direct child of parent.
func WithParentSnapshot(parent SnapshotProofChainEntry) VerifySnapshotOption {
	return func(o *verifySnapshotOptions) {
		o.parent = &parent
	}
}

// WithParentSnapshotUpdateClock requires the snapshot to record clock as the
// verifying client's last update on the parent snapshot.
func WithParentSnapshotUpdateClock(clock int) VerifySnapshotOption {
	return func(o *verifySnapshotOptions) {
		o.parentClock = &clock
	}
}

// VerifyAndDecryptSnapshot verifies snapshot and returns its content.
// Checks run in order: signature, document id, parent proof, own parent
// clock, decryption.
func VerifyAndDecryptSnapshot(snapshot *Snapshot, key []byte, docID, clientPublicKey string, opts ...VerifySnapshotOption) ([]byte, error) {
	var o verifySnapshotOptions
	for _, opt := range opts {
		opt(&o)
	}
	if snapshot == nil {
		return nil, ErrMalformedMessage
	}

	pd := snapshot.PublicData
	ad, err := verifyEnvelope(snapshot.Ciphertext, snapshot.Nonce, snapshot.Signature, pd.PubKey, pd, crypto.DomainSnapshot)
	if err != nil {
		return nil, err
	}
	if pd.DocID != docID {
		return nil, ErrDocumentMismatch
	}
	if o.parent != nil &&
		ParentSnapshotProof(o.parent.ParentSnapshotProof, o.parent.SnapshotCiphertextHash) != pd.ParentSnapshotProof {
		return nil, ErrInvalidParentSnapshot
	}
	if o.parentClock != nil {
		if clock, ok := pd.ParentSnapshotUpdateClocks[clientPublicKey]; !ok || clock != *o.parentClock {
			return nil, ErrInvalidParentSnapshotUpdateClock
		}
	}

	content, err := crypto.Decrypt(snapshot.Ciphertext, ad, key, snapshot.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypting snapshot %s: %w", pd.SnapshotID, err)
	}
	return content, nil
}

// IsValidAncestorSnapshot reports whether chain links the known snapshot to
// current. The first entry must be the direct child of known and the last
// entry must describe current.
func IsValidAncestorSnapshot(known SnapshotProofChainEntry, chain []SnapshotProofChainEntry, current *Snapshot) bool {
	if len(chain) == 0 || current == nil {
		return false
	}
	if chain[0].ParentSnapshotProof != ParentSnapshotProof(known.ParentSnapshotProof, known.SnapshotCiphertextHash) {
		return false
	}
	for i := 1; i < len(chain); i++ {
		prev := chain[i-1]
		if chain[i].ParentSnapshotProof != ParentSnapshotProof(prev.ParentSnapshotProof, prev.SnapshotCiphertextHash) {
			return false
		}
	}
	last := chain[len(chain)-1]
	return last.SnapshotID == current.PublicData.SnapshotID &&
		last.ParentSnapshotProof == current.PublicData.ParentSnapshotProof &&
		last.SnapshotCiphertextHash == hashCiphertext(current.Ciphertext)
}

// VerifyProofChain checks that every entry of a complete history, starting
// at the first snapshot of a document, links to its predecessor. It returns
// the index of the first broken link or -1.
func VerifyProofChain(chain []SnapshotProofChainEntry) int {
	prevProof, prevHash := "", ""
	for i, entry := range chain {
		if entry.ParentSnapshotProof != ParentSnapshotProof(prevProof, prevHash) {
			return i
		}
		prevProof, prevHash = entry.ParentSnapshotProof, entry.SnapshotCiphertextHash
	}
	return -1
}
