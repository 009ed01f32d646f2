package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/secsync/crypto"
)

type fixture struct {
	key    []byte
	signer *crypto.SigningKey
	pubKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	return &fixture{key: key, signer: signer, pubKey: signer.PublicKeyString()}
}

func (f *fixture) initialSnapshot(t *testing.T, id string, content string) *Snapshot {
	t.Helper()
	s, err := CreateInitialSnapshot([]byte(content), SnapshotPublicData{
		DocID:      "doc",
		SnapshotID: id,
	}, f.key, f.signer)
	require.NoError(t, err)
	return s
}

func (f *fixture) childSnapshot(t *testing.T, parent *Snapshot, id string, clocks Clocks) *Snapshot {
	t.Helper()
	s, err := CreateSnapshot([]byte("child of "+parent.PublicData.SnapshotID), SnapshotPublicData{
		DocID:                      "doc",
		SnapshotID:                 id,
		ParentSnapshotID:           parent.PublicData.SnapshotID,
		ParentSnapshotUpdateClocks: clocks,
	}, f.key, f.signer, crypto.Hash(parent.Ciphertext), parent.PublicData.ParentSnapshotProof)
	require.NoError(t, err)
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	s := f.initialSnapshot(t, "s1", "hello")

	assert.Equal(t, f.pubKey, s.PublicData.PubKey)
	assert.Equal(t, ParentSnapshotProof("", ""), s.PublicData.ParentSnapshotProof)
	assert.NotNil(t, s.PublicData.ParentSnapshotUpdateClocks)

	content, err := VerifyAndDecryptSnapshot(s, f.key, "doc", f.pubKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	t.Run("SurvivesWire", func(t *testing.T) {
		data, err := json.Marshal(s)
		require.NoError(t, err)
		var decoded Snapshot
		require.NoError(t, json.Unmarshal(data, &decoded))
		content, err := VerifyAndDecryptSnapshot(&decoded, f.key, "doc", f.pubKey)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), content)
	})
}

func TestSnapshotVerificationFailures(t *testing.T) {
	f := newFixture(t)
	s := f.initialSnapshot(t, "s1", "hello")

	t.Run("TamperedPublicData", func(t *testing.T) {
		tampered := *s
		tampered.PublicData.SnapshotID = "s2"
		_, err := VerifyAndDecryptSnapshot(&tampered, f.key, "doc", f.pubKey)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("TamperedCiphertext", func(t *testing.T) {
		tampered := *s
		tampered.Ciphertext = f.initialSnapshot(t, "s1", "other").Ciphertext
		_, err := VerifyAndDecryptSnapshot(&tampered, f.key, "doc", f.pubKey)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("WrongDocument", func(t *testing.T) {
		_, err := VerifyAndDecryptSnapshot(s, f.key, "other", f.pubKey)
		assert.ErrorIs(t, err, ErrDocumentMismatch)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		_, err = VerifyAndDecryptSnapshot(s, other, "doc", f.pubKey)
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
	})

	t.Run("BadPublicKey", func(t *testing.T) {
		tampered := *s
		tampered.PublicData.PubKey = "***"
		_, err := VerifyAndDecryptSnapshot(&tampered, f.key, "doc", f.pubKey)
		assert.ErrorIs(t, err, ErrInvalidPublicKey)
	})

	t.Run("Nil", func(t *testing.T) {
		_, err := VerifyAndDecryptSnapshot(nil, f.key, "doc", f.pubKey)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestSnapshotParentChecks(t *testing.T) {
	f := newFixture(t)
	s1 := f.initialSnapshot(t, "s1", "one")
	s2 := f.childSnapshot(t, s1, "s2", Clocks{f.pubKey: 3})

	_, err := VerifyAndDecryptSnapshot(s2, f.key, "doc", f.pubKey,
		WithParentSnapshot(s1.ChainEntry()), WithParentSnapshotUpdateClock(3))
	require.NoError(t, err)

	_, err = VerifyAndDecryptSnapshot(s2, f.key, "doc", f.pubKey, WithParentSnapshotUpdateClock(2))
	assert.ErrorIs(t, err, ErrInvalidParentSnapshotUpdateClock)

	_, err = VerifyAndDecryptSnapshot(s2, f.key, "doc", "someone-else", WithParentSnapshotUpdateClock(0))
	assert.ErrorIs(t, err, ErrInvalidParentSnapshotUpdateClock)

	unrelated := f.initialSnapshot(t, "x", "unrelated")
	_, err = VerifyAndDecryptSnapshot(s2, f.key, "doc", f.pubKey, WithParentSnapshot(unrelated.ChainEntry()))
	assert.ErrorIs(t, err, ErrInvalidParentSnapshot)
}

func TestAdditionalPublicData(t *testing.T) {
	f := newFixture(t)
	s, err := CreateInitialSnapshot([]byte("x"), SnapshotPublicData{
		DocID:      "doc",
		SnapshotID: "s1",
		Additional: map[string]json.RawMessage{"title": json.RawMessage(`"notes"`)},
	}, f.key, f.signer)
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"title":"notes"`)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.JSONEq(t, `"notes"`, string(decoded.PublicData.Additional["title"]))
	_, err = VerifyAndDecryptSnapshot(&decoded, f.key, "doc", f.pubKey)
	require.NoError(t, err)

	decoded.PublicData.Additional["title"] = json.RawMessage(`"changed"`)
	_, err = VerifyAndDecryptSnapshot(&decoded, f.key, "doc", f.pubKey)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIsValidAncestorSnapshot(t *testing.T) {
	f := newFixture(t)
	s1 := f.initialSnapshot(t, "s1", "one")
	s2 := f.childSnapshot(t, s1, "s2", nil)
	s3 := f.childSnapshot(t, s2, "s3", nil)
	chain := []SnapshotProofChainEntry{s2.ChainEntry(), s3.ChainEntry()}

	assert.True(t, IsValidAncestorSnapshot(s1.ChainEntry(), chain, s3))
	assert.True(t, IsValidAncestorSnapshot(s2.ChainEntry(), chain[1:], s3))

	t.Run("EmptyChain", func(t *testing.T) {
		assert.False(t, IsValidAncestorSnapshot(s1.ChainEntry(), nil, s3))
	})

	t.Run("MissingLink", func(t *testing.T) {
		assert.False(t, IsValidAncestorSnapshot(s1.ChainEntry(), chain[1:], s3))
	})

	t.Run("WrongCurrent", func(t *testing.T) {
		assert.False(t, IsValidAncestorSnapshot(s1.ChainEntry(), chain, s2))
	})

	t.Run("ForkedHistory", func(t *testing.T) {
		fork := f.childSnapshot(t, s1, "s2b", nil)
		forked := []SnapshotProofChainEntry{fork.ChainEntry(), s3.ChainEntry()}
		assert.False(t, IsValidAncestorSnapshot(s1.ChainEntry(), forked, s3))
	})

	t.Run("TamperedHash", func(t *testing.T) {
		tampered := append([]SnapshotProofChainEntry(nil), chain...)
		tampered[0].SnapshotCiphertextHash = crypto.Hash("other")
		assert.False(t, IsValidAncestorSnapshot(s1.ChainEntry(), tampered, s3))
	})
}

func TestVerifyProofChain(t *testing.T) {
	f := newFixture(t)
	s1 := f.initialSnapshot(t, "s1", "one")
	s2 := f.childSnapshot(t, s1, "s2", nil)
	s3 := f.childSnapshot(t, s2, "s3", nil)

	chain := []SnapshotProofChainEntry{s1.ChainEntry(), s2.ChainEntry(), s3.ChainEntry()}
	assert.Equal(t, -1, VerifyProofChain(chain))
	assert.Equal(t, -1, VerifyProofChain(nil))
	assert.Equal(t, 0, VerifyProofChain(chain[1:]))

	chain[1].SnapshotCiphertextHash = "x"
	assert.Equal(t, 2, VerifyProofChain(chain))
}

func TestUpdateClockContinuity(t *testing.T) {
	f := newFixture(t)
	clocks := Clocks{}
	pd := UpdatePublicData{DocID: "doc", RefSnapshotID: "s1"}

	u0, err := CreateUpdate([]byte("a"), pd, f.key, f.signer, clocks)
	require.NoError(t, err)
	assert.Equal(t, 0, u0.PublicData.Clock)

	content, err := VerifyAndDecryptUpdate(u0, f.key, "s1", clocks)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), content)
	assert.Equal(t, 0, clocks[f.pubKey])

	t.Run("Duplicate", func(t *testing.T) {
		_, err := VerifyAndDecryptUpdate(u0, f.key, "s1", clocks)
		assert.ErrorIs(t, err, ErrClockNotIncreasing)
		assert.Equal(t, 0, clocks[f.pubKey])
	})

	t.Run("Gap", func(t *testing.T) {
		u2, err := CreateUpdate([]byte("c"), pd, f.key, f.signer, nil, WithClock(2))
		require.NoError(t, err)
		_, err = VerifyAndDecryptUpdate(u2, f.key, "s1", clocks)
		assert.ErrorIs(t, err, ErrClockGap)
		assert.Equal(t, 0, clocks[f.pubKey])
	})

	t.Run("Next", func(t *testing.T) {
		u1, err := CreateUpdate([]byte("b"), pd, f.key, f.signer, clocks)
		require.NoError(t, err)
		assert.Equal(t, 1, u1.PublicData.Clock)
		_, err = VerifyAndDecryptUpdate(u1, f.key, "s1", clocks)
		require.NoError(t, err)
		assert.Equal(t, 1, clocks[f.pubKey])
	})

	t.Run("OtherSnapshot", func(t *testing.T) {
		u, err := CreateUpdate([]byte("d"), pd, f.key, f.signer, clocks)
		require.NoError(t, err)
		_, err = VerifyAndDecryptUpdate(u, f.key, "s2", clocks)
		assert.ErrorIs(t, err, ErrUnknownSnapshot)
	})

	t.Run("Tampered", func(t *testing.T) {
		u, err := CreateUpdate([]byte("d"), pd, f.key, f.signer, clocks)
		require.NoError(t, err)
		u.PublicData.Clock = 5
		_, err = VerifyAndDecryptUpdate(u, f.key, "s1", clocks)
		assert.ErrorIs(t, err, ErrInvalidSignature)
		assert.Equal(t, 1, clocks[f.pubKey])
	})
}

func TestClocks(t *testing.T) {
	c := Clocks{"a": 2}
	assert.Equal(t, 2, c.Current("a"))
	assert.Equal(t, -1, c.Current("b"))
	assert.Equal(t, 0, c.Next("b"))

	c.Advance("a", 1)
	assert.Equal(t, 2, c["a"])
	c.Advance("a", 4)
	assert.Equal(t, 4, c["a"])
	assert.Equal(t, 5, c.UpdateCount())

	clone := c.Clone()
	clone["a"] = 9
	assert.Equal(t, 4, c["a"])

	equal, missing := CompareClocks(Clocks{"a": 1, "b": 0}, Clocks{"a": 1, "b": 0})
	assert.True(t, equal)
	assert.Empty(t, missing)

	equal, missing = CompareClocks(Clocks{"a": 1, "b": 0}, Clocks{"a": 0})
	assert.False(t, equal)
	assert.Equal(t, Clocks{"a": 1, "b": 0}, missing)

	equal, _ = CompareClocks(Clocks{}, Clocks{"x": 0})
	assert.False(t, equal)
}

func TestClassifyClientMessage(t *testing.T) {
	kind, err := ClassifyClientMessage([]byte(`{"publicData":{"snapshotId":"s"}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientSnapshot, kind)

	kind, err = ClassifyClientMessage([]byte(`{"publicData":{"refSnapshotId":"s","clock":0}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientUpdate, kind)

	kind, err = ClassifyClientMessage([]byte(`{"publicData":{"docId":"d"}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientEphemeralMessage, kind)

	_, err = ClassifyClientMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = ClassifyClientMessage([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestUpdateMessageIsFlat(t *testing.T) {
	f := newFixture(t)
	u, err := CreateUpdate([]byte("a"), UpdatePublicData{DocID: "doc", RefSnapshotID: "s1"}, f.key, f.signer, nil)
	require.NoError(t, err)

	data, err := json.Marshal(UpdateMessage{Type: MessageUpdate, UpdateWithServerData: UpdateWithServerData{
		Update: *u, ServerData: UpdateServerData{Version: 3},
	}})
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Contains(t, generic, "ciphertext")
	assert.Contains(t, generic, "publicData")
	assert.JSONEq(t, `{"version":3}`, string(generic["serverData"]))

	typ, err := PeekMessageType(data)
	require.NoError(t, err)
	assert.Equal(t, MessageUpdate, typ)
}
