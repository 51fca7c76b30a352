package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Directive
	}{
		{name: "arm", raw: "#OLYMPUS# TIMEOUT START", want: Directive{Kind: KindArmTimeout}},
		{name: "disarm", raw: "#OLYMPUS# TIMEOUT END", want: Directive{Kind: KindDisarmTimeout}},
		{name: "unknown command", raw: "#OLYMPUS# FROBNICATE", want: Directive{Kind: KindUnknown, Text: "FROBNICATE"}},
		{name: "empty command", raw: "#OLYMPUS# ", want: Directive{Kind: KindUnknown, Text: ""}},
		{name: "case sensitive command", raw: "#OLYMPUS# timeout start", want: Directive{Kind: KindUnknown, Text: "timeout start"}},
		{name: "trailing space is not trimmed", raw: "#OLYMPUS# TIMEOUT START ", want: Directive{Kind: KindUnknown, Text: "TIMEOUT START "}},
		{name: "plain output", raw: "Loading maps", want: Directive{Kind: KindOrdinary, Text: "Loading maps"}},
		{name: "prefix without space", raw: "#OLYMPUS#TIMEOUT START", want: Directive{Kind: KindOrdinary, Text: "#OLYMPUS#TIMEOUT START"}},
		{name: "lowercase prefix", raw: "#olympus# TIMEOUT START", want: Directive{Kind: KindOrdinary, Text: "#olympus# TIMEOUT START"}},
		{name: "indented prefix", raw: " #OLYMPUS# TIMEOUT START", want: Directive{Kind: KindOrdinary, Text: " #OLYMPUS# TIMEOUT START"}},
		{name: "progress line", raw: "#Precompiling 12%", want: Directive{Kind: KindOrdinary, Text: "#Precompiling 12%"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Decode(tt.raw))
		})
	}
}

func TestDirectiveErr(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Decode("#OLYMPUS# TIMEOUT START").Err())
	assert.NoError(t, Decode("#OLYMPUS# TIMEOUT END").Err())
	assert.NoError(t, Decode("hello").Err())

	err := Decode("#OLYMPUS# FROBNICATE").Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDirective))

	var unknown *UnknownDirectiveError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "FROBNICATE", unknown.Command)
	assert.Contains(t, err.Error(), "FROBNICATE")
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ordinary", KindOrdinary.String())
	assert.Equal(t, "arm_timeout", KindArmTimeout.String())
	assert.Equal(t, "disarm_timeout", KindDisarmTimeout.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
