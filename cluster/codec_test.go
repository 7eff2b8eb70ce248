package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	state := State{
		Members: []Member{
			{Candidate: Candidate{IP: "10.0.0.1", Port: DefaultPort, Hash: "abc"}, Role: RoleMaster},
			{Candidate: Candidate{IP: "10.0.0.2", Port: 16137, Hash: "abc"}, Role: RoleSecondary},
			{Candidate: Candidate{IP: "10.0.0.3", Port: DefaultPort, Hash: ""}, Role: RoleTrio},
		},
	}

	decoded, err := Decode(Encode(state))
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestEncode_Format(t *testing.T) {
	state := State{
		Members: []Member{
			{Candidate: Candidate{IP: "10.0.0.1", Port: DefaultPort, Hash: "h1"}, Role: RoleMaster},
			{Candidate: Candidate{IP: "10.0.0.2", Port: 16137, Hash: "h1"}, Role: RoleSecondary},
		},
	}

	expected := "# fluxdnsd cluster-state v1\n" +
		"10.0.0.1:MASTER:h1\n" +
		"10.0.0.2:SECONDARY:h1:16137\n"
	assert.Equal(t, expected, string(Encode(state)))
}

func TestDecode_LegacyWithoutHeader(t *testing.T) {
	state, err := Decode([]byte("10.0.0.1:MASTER:h1\n\n10.0.0.2:SECONDARY:h2:16137\n"))
	require.NoError(t, err)

	require.Len(t, state.Members, 2)
	master, ok := state.Master()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", master.IP)
	assert.Equal(t, DefaultPort, master.Port)
	assert.Equal(t, 16137, state.Members[1].Port)
}

func TestDecode_FirstMasterIsAuthoritative(t *testing.T) {
	state, err := Decode([]byte("10.0.0.1:SECONDARY:h\n10.0.0.2:MASTER:h\n10.0.0.3:MASTER:h\n"))
	require.NoError(t, err)

	master, ok := state.Master()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", master.IP)
	assert.Equal(t, RoleSecondary, state.Members[2].Role)
}

func TestDecode_DuplicateIPFirstWins(t *testing.T) {
	state, err := Decode([]byte("10.0.0.1:MASTER:h1\n10.0.0.1:SECONDARY:h2\n"))
	require.NoError(t, err)

	require.Len(t, state.Members, 1)
	assert.Equal(t, "h1", state.Members[0].Hash)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"too few fields":  "10.0.0.1:MASTER\n",
		"too many fields": "10.0.0.1:MASTER:h:1:2\n",
		"bad ip":          "not-an-ip:MASTER:h\n",
		"bad role":        "10.0.0.1:LEADER:h\n",
		"bad port":        "10.0.0.1:MASTER:h:99999\n",
		"future version":  "# fluxdnsd cluster-state v2\n10.0.0.1:MASTER:h\n",
		"garbled version": "# fluxdnsd cluster-state vX\n",
		"binary rubbish":  "\x00\x01\x02",
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	state, err := Decode(nil)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
}

func TestValidIP(t *testing.T) {
	assert.True(t, ValidIP("10.0.0.1"))
	assert.False(t, ValidIP("2001:db8::1"))
	assert.False(t, ValidIP("::ffff:10.0.0.1"))
	assert.False(t, ValidIP("node.example.com"))
	assert.False(t, ValidIP(""))
}

func TestValidate_RejectsWhatDecodeRejects(t *testing.T) {
	good := State{Members: []Member{{Candidate: Candidate{IP: "10.0.0.1", Port: DefaultPort}, Role: RoleMaster}}}
	require.NoError(t, good.Validate())
	_, err := Decode(Encode(good))
	require.NoError(t, err)

	v6 := State{Members: []Member{{Candidate: Candidate{IP: "2001:db8::1", Port: DefaultPort, Hash: "h"}, Role: RoleMaster}}}
	assert.ErrorIs(t, v6.Validate(), ErrUnencodable)
	_, err = Decode(Encode(v6))
	assert.ErrorIs(t, err, ErrMalformed)
}
