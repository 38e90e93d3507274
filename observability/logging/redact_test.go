package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureMaterialIsMasked(t *testing.T) {
	attr := MaskField("signature", "c2lnbmF0dXJl")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("public_key", "ed25519:AAAA")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestAllowlistedKeysPassThrough(t *testing.T) {
	attr := MaskField("agent_id", "a-alice")
	require.Equal(t, "a-alice", attr.Value.String())

	// Empty values never mask; they carry no secret.
	attr = MaskField("signature", "")
	require.Equal(t, "", attr.Value.String())
}

func TestAllowlistStaysSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.NotEmpty(t, keys)
	require.IsIncreasing(t, keys)
	require.NotContains(t, keys, "signature")
	require.NotContains(t, keys, "public_key")
}
