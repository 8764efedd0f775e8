package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		KeyAction:      ActionMessage,
		KeyFrom:        "alice",
		KeyTo:          "bob",
		KeyMessageText: "hello, world | with, punctuation\nand newline",
	}

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "frame must stay on one line")

	decoded, err := Decode(data[:len(data)-1])
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"not json at all",
		`{"action": "presence"`, // truncated
		`[1, 2, 3]`,             // not an object
		``,
	}

	for _, input := range cases {
		_, err := Decode([]byte(input))
		assert.ErrorIs(t, err, ErrDecode, "input %q", input)
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	_, err := Decode(big)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeOversizedFrame(t *testing.T) {
	msg := Message{KeyMessageText: strings.Repeat("x", MaxFrameSize)}
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestResponseField(t *testing.T) {
	decoded, err := Decode([]byte(`{"response": 200}`))
	require.NoError(t, err)

	code, ok := decoded.Response()
	assert.True(t, ok)
	assert.Equal(t, ResponseOK, code)

	_, ok = Message{}.Response()
	assert.False(t, ok)
}

func TestStrList(t *testing.T) {
	decoded, err := Decode([]byte(`{"data_list": ["alice", "bob"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, decoded.StrList(KeyDataList))

	assert.Nil(t, Message{KeyDataList: "not a list"}.StrList(KeyDataList))
}

func TestPasswordHash(t *testing.T) {
	h1 := PasswordHash("alice", "secret")
	h2 := PasswordHash("alice", "secret")
	assert.Equal(t, h1, h2, "hash must be deterministic")
	assert.Len(t, h1, 128, "64 bytes hex encoded")

	// Логин участвует как соль: тот же пароль у другого логина даёт
	// другой хеш
	assert.NotEqual(t, h1, PasswordHash("bob", "secret"))
	assert.NotEqual(t, h1, PasswordHash("alice", "other"))
}

func TestChallengeDigest(t *testing.T) {
	hash := PasswordHash("alice", "secret")
	nonce, err := NewNonce()
	require.NoError(t, err)

	d1 := ChallengeDigest(hash, nonce)
	d2 := ChallengeDigest(hash, nonce)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32, "MD5 hex")

	other, err := NewNonce()
	require.NoError(t, err)
	assert.NotEqual(t, d1, ChallengeDigest(hash, other))
	assert.NotEqual(t, d1, ChallengeDigest(PasswordHash("alice", "wrong"), nonce))

	assert.True(t, DigestsEqual(d1, d2))
	assert.False(t, DigestsEqual(d1, ChallengeDigest(hash, other)))
}

func TestNewNonceUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		nonce, err := NewNonce()
		require.NoError(t, err)
		assert.Len(t, nonce, 128)
		_, dup := seen[nonce]
		assert.False(t, dup, "nonce repeated")
		seen[nonce] = struct{}{}
	}
}
