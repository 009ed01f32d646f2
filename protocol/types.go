package protocol

import "encoding/json"

// SnapshotPublicData is authenticated but unencrypted snapshot metadata.
// Additional holds application supplied fields; they are serialized next to
// the known fields and therefore covered by the signature.
type SnapshotPublicData struct {
	DocID                      string                     `json:"docId"`
	PubKey                     string                     `json:"pubKey"`
	SnapshotID                 string                     `json:"snapshotId"`
	ParentSnapshotID           string                     `json:"parentSnapshotId"`
	ParentSnapshotProof        string                     `json:"parentSnapshotProof"`
	ParentSnapshotUpdateClocks Clocks                     `json:"parentSnapshotUpdateClocks"`
	Additional                 map[string]json.RawMessage `json:"-"`
}

var snapshotPublicDataFields = []string{
	"docId", "pubKey", "snapshotId", "parentSnapshotId",
	"parentSnapshotProof", "parentSnapshotUpdateClocks",
}

type snapshotPublicDataFieldsOnly SnapshotPublicData

func (p SnapshotPublicData) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(snapshotPublicDataFieldsOnly(p))
	if err != nil || len(p.Additional) == 0 {
		return base, err
	}
	merged := make(map[string]json.RawMessage, len(snapshotPublicDataFields)+len(p.Additional))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Additional {
		if _, reserved := merged[k]; !reserved {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (p *SnapshotPublicData) UnmarshalJSON(data []byte) error {
	var base snapshotPublicDataFieldsOnly
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range snapshotPublicDataFields {
		delete(all, k)
	}
	if len(all) > 0 {
		base.Additional = all
	}
	*p = SnapshotPublicData(base)
	return nil
}

// Snapshot is an encrypted, signed full document state.
type Snapshot struct {
	Ciphertext string             `json:"ciphertext"`
	Nonce      string             `json:"nonce"`
	Signature  string             `json:"signature"`
	PublicData SnapshotPublicData `json:"publicData"`
}

// SnapshotServerData is attached by the relay.
type SnapshotServerData struct {
	LatestVersion uint64 `json:"latestVersion"`
}

type SnapshotWithServerData struct {
	Snapshot
	ServerData SnapshotServerData `json:"serverData"`
}

// SnapshotWithClientData is what a client sends when creating a snapshot.
// AdditionalServerData is opaque to the protocol and handed to the store.
type SnapshotWithClientData struct {
	Snapshot
	AdditionalServerData json.RawMessage `json:"additionalServerData,omitempty"`
}

type UpdatePublicData struct {
	DocID         string `json:"docId"`
	PubKey        string `json:"pubKey"`
	RefSnapshotID string `json:"refSnapshotId"`
	Clock         int    `json:"clock"`
}

// Update is an encrypted, signed delta against RefSnapshotID.
type Update struct {
	Ciphertext string           `json:"ciphertext"`
	Nonce      string           `json:"nonce"`
	Signature  string           `json:"signature"`
	PublicData UpdatePublicData `json:"publicData"`
}

type UpdateServerData struct {
	Version uint64 `json:"version"`
}

type UpdateWithServerData struct {
	Update
	ServerData UpdateServerData `json:"serverData"`
}

// SnapshotProofChainEntry is one link of the snapshot history.
type SnapshotProofChainEntry struct {
	SnapshotID             string `json:"snapshotId"`
	ParentSnapshotProof    string `json:"parentSnapshotProof"`
	SnapshotCiphertextHash string `json:"snapshotCiphertextHash"`
}

// SnapshotProofInfo identifies a snapshot a client has processed.
type SnapshotProofInfo struct {
	SnapshotProofChainEntry
	AdditionalPublicData map[string]json.RawMessage `json:"additionalPublicData,omitempty"`
}

// SnapshotInfoWithUpdateClocks is the resume point a client persists.
type SnapshotInfoWithUpdateClocks struct {
	SnapshotProofInfo
	UpdateClocks Clocks `json:"updateClocks"`
}

// ProofInfo returns the identifying info of s.
func (s *Snapshot) ProofInfo() SnapshotProofInfo {
	return SnapshotProofInfo{
		SnapshotProofChainEntry: s.ChainEntry(),
		AdditionalPublicData:    s.PublicData.Additional,
	}
}

// ChainEntry returns the proof chain entry describing s.
func (s *Snapshot) ChainEntry() SnapshotProofChainEntry {
	return SnapshotProofChainEntry{
		SnapshotID:             s.PublicData.SnapshotID,
		ParentSnapshotProof:    s.PublicData.ParentSnapshotProof,
		SnapshotCiphertextHash: hashCiphertext(s.Ciphertext),
	}
}
