package ephemeral

import (
	"encoding/binary"
	"fmt"

	"github.com/jmcleod/secsync/crypto"
)

// Result is the outcome of VerifyAndDecrypt. ValidSessions is the session
// table to keep; it is the input table when nothing changed.
type Result struct {
	// Content is set for an accepted TypeMessage.
	Content []byte
	// Proof is a session proof to send back to the author.
	Proof []byte
	// RequestProof asks the author to answer Proof with its own proof.
	RequestProof  bool
	ValidSessions map[string]ValidSession
	// Ignored is set for messages addressed to another document.
	Ignored bool
}

// ReplyType returns the message type that carries Proof back to the author.
func (r *Result) ReplyType() (MessageType, bool) {
	if r == nil || r.Proof == nil {
		return 0, false
	}
	if r.RequestProof {
		return TypeProofAndRequestProof, true
	}
	return TypeProof, true
}

// VerifyAndDecrypt verifies msg against session and returns the resulting
// action. It does not modify session; callers adopt Result.ValidSessions.
func VerifyAndDecrypt(msg *Message, key []byte, currentDocID string, session *Session, signer *crypto.SigningKey) (*Result, error) {
	if session == nil {
		return nil, ErrInvalidSessionID
	}
	valid := session.ValidSessions
	if msg != nil && msg.PublicData.DocID != currentDocID {
		return &Result{ValidSessions: valid, Ignored: true}, nil
	}

	ad, pubKey, err := verifyEnvelope(msg)
	if err != nil {
		return &Result{ValidSessions: valid}, err
	}
	plaintext, err := crypto.Decrypt(msg.Ciphertext, ad, key, msg.Nonce)
	if err != nil {
		return &Result{ValidSessions: valid}, fmt.Errorf("decrypting ephemeral message: %w", err)
	}
	if len(plaintext) < headerLength {
		return &Result{ValidSessions: valid}, ErrMalformedMessage
	}

	messageType := MessageType(plaintext[0])
	sessionID := crypto.EncodeBase64(plaintext[1 : 1+SessionIDLength])
	counter := binary.LittleEndian.Uint32(plaintext[1+SessionIDLength : headerLength])
	body := plaintext[headerLength:]
	author := crypto.EncodeBase64(pubKey)

	switch messageType {
	case TypeInitialize:
		proof, err := CreateSessionProof(sessionID, session.ID, signer)
		if err != nil {
			return &Result{ValidSessions: valid}, err
		}
		return &Result{Proof: proof, RequestProof: true, ValidSessions: valid}, nil

	case TypeProof, TypeProofAndRequestProof:
		if !VerifySessionProof(body, session.ID, sessionID, pubKey) {
			return &Result{ValidSessions: valid}, ErrInvalidSessionProof
		}
		next := cloneValidSessions(valid)
		next[author] = ValidSession{SessionID: sessionID, Counter: counter}
		result := &Result{ValidSessions: next}
		if messageType == TypeProofAndRequestProof {
			proof, err := CreateSessionProof(sessionID, session.ID, signer)
			if err != nil {
				return &Result{ValidSessions: valid}, err
			}
			result.Proof = proof
		}
		return result, nil

	case TypeMessage:
		known, ok := valid[author]
		if !ok || known.SessionID != sessionID {
			proof, err := CreateSessionProof(sessionID, session.ID, signer)
			if err != nil {
				return &Result{ValidSessions: valid}, err
			}
			return &Result{Proof: proof, RequestProof: true, ValidSessions: valid}, ErrUnknownSession
		}
		if counter <= known.Counter {
			return &Result{ValidSessions: valid}, ErrReplayedMessage
		}
		next := cloneValidSessions(valid)
		next[author] = ValidSession{SessionID: sessionID, Counter: counter}
		return &Result{Content: body, ValidSessions: next}, nil

	default:
		return &Result{ValidSessions: valid}, fmt.Errorf("%w: %d", ErrUnknownMessageType, messageType)
	}
}
