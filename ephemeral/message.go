package ephemeral

import (
	"encoding/binary"
	"fmt"

	"github.com/jmcleod/secsync/crypto"
)

// MessageType is the first plaintext byte of an ephemeral message.
type MessageType byte

const (
	TypeInitialize           MessageType = 0
	TypeProofAndRequestProof MessageType = 1
	TypeProof                MessageType = 2
	TypeMessage              MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeInitialize:
		return "initialize"
	case TypeProofAndRequestProof:
		return "proofAndRequestProof"
	case TypeProof:
		return "proof"
	case TypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

const (
	counterLength = 4
	headerLength  = 1 + SessionIDLength + counterLength
)

type PublicData struct {
	DocID  string `json:"docId"`
	PubKey string `json:"pubKey"`
}

// Message is the wire form of an ephemeral message.
type Message struct {
	Ciphertext string     `json:"ciphertext"`
	Nonce      string     `json:"nonce"`
	Signature  string     `json:"signature"`
	PublicData PublicData `json:"publicData"`
}

func encodePublicData(publicData PublicData) (string, error) {
	canonical, err := crypto.Canonicalize(publicData)
	if err != nil {
		return "", err
	}
	return crypto.EncodeBase64(canonical), nil
}

func signingContent(nonce, ciphertext, publicData string) map[string]string {
	return map[string]string{
		"nonce":      nonce,
		"ciphertext": ciphertext,
		"publicData": publicData,
	}
}

// CreateMessage encrypts and signs content framed with its type, session id
// and counter.
func CreateMessage(content []byte, messageType MessageType, publicData PublicData, key []byte, signer *crypto.SigningKey, sessionID string, counter uint32) (*Message, error) {
	sid, err := crypto.DecodeBase64(sessionID)
	if err != nil || len(sid) != SessionIDLength {
		return nil, ErrInvalidSessionID
	}
	if publicData.PubKey == "" {
		publicData.PubKey = signer.PublicKeyString()
	}

	plaintext := make([]byte, headerLength+len(content))
	plaintext[0] = byte(messageType)
	copy(plaintext[1:], sid)
	binary.LittleEndian.PutUint32(plaintext[1+SessionIDLength:], counter)
	copy(plaintext[headerLength:], content)

	ad, err := encodePublicData(publicData)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := crypto.Encrypt(plaintext, ad, key)
	if err != nil {
		return nil, fmt.Errorf("encrypting ephemeral message: %w", err)
	}
	signature, err := crypto.Sign(signingContent(nonce, ciphertext, ad), crypto.DomainEphemeralMessage, signer)
	if err != nil {
		return nil, fmt.Errorf("signing ephemeral message: %w", err)
	}
	return &Message{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Signature:  signature,
		PublicData: publicData,
	}, nil
}

// VerifySignature checks the envelope signature without decrypting.
func VerifySignature(msg *Message) error {
	_, _, err := verifyEnvelope(msg)
	return err
}

func verifyEnvelope(msg *Message) (ad string, pubKey []byte, err error) {
	if msg == nil {
		return "", nil, ErrMalformedMessage
	}
	pubKey, err = crypto.DecodeBase64(msg.PublicData.PubKey)
	if err != nil {
		return "", nil, ErrInvalidPublicKey
	}
	ad, err = encodePublicData(msg.PublicData)
	if err != nil {
		return "", nil, ErrMalformedMessage
	}
	if !crypto.VerifySignature(signingContent(msg.Nonce, msg.Ciphertext, ad), crypto.DomainEphemeralMessage, msg.Signature, pubKey) {
		return "", nil, ErrInvalidSignature
	}
	return ad, pubKey, nil
}

// CreateSessionProof signs the pairing of the remote session id with the
// local one.
func CreateSessionProof(remoteSessionID, localSessionID string, signer *crypto.SigningKey) ([]byte, error) {
	sig, err := crypto.Sign(sessionProofContent(remoteSessionID, localSessionID), crypto.DomainEphemeralSessionProof, signer)
	if err != nil {
		return nil, fmt.Errorf("creating session proof: %w", err)
	}
	return crypto.DecodeBase64(sig)
}

// VerifySessionProof checks a proof created by the owner of authorPublicKey
// whose own session is currentSessionID, addressed to remoteSessionID.
func VerifySessionProof(proof []byte, remoteSessionID, currentSessionID string, authorPublicKey []byte) bool {
	return crypto.VerifySignature(sessionProofContent(remoteSessionID, currentSessionID),
		crypto.DomainEphemeralSessionProof, crypto.EncodeBase64(proof), authorPublicKey)
}

func sessionProofContent(remoteSessionID, currentSessionID string) map[string]string {
	return map[string]string{
		"remoteClientSessionId":  remoteSessionID,
		"currentClientSessionId": currentSessionID,
	}
}
