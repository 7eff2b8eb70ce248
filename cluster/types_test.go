package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func member(ip string, role Role) Member {
	return Member{Candidate: Candidate{IP: ip, Port: DefaultPort, Hash: "h"}, Role: role}
}

func TestState_MasterMissing(t *testing.T) {
	state := State{Members: []Member{member("10.0.0.1", RoleSecondary)}}

	_, ok := state.Master()
	assert.False(t, ok)
}

func TestState_Normalize(t *testing.T) {
	state := State{Members: []Member{
		{Candidate: Candidate{IP: "10.0.0.1"}, Role: RoleMaster},
		member("10.0.0.2", RoleMaster),
		member("10.0.0.1", RoleTrio),
	}}

	normalized := state.Normalize()

	assert.Len(t, normalized.Members, 2)
	assert.Equal(t, DefaultPort, normalized.Members[0].Port)
	assert.Equal(t, RoleMaster, normalized.Members[0].Role)
	assert.Equal(t, RoleSecondary, normalized.Members[1].Role)
}

func TestState_WithHashDoesNotMutate(t *testing.T) {
	state := State{Members: []Member{member("10.0.0.1", RoleMaster)}}

	updated := state.WithHash("10.0.0.1", "new")

	assert.Equal(t, "h", state.Members[0].Hash)
	assert.Equal(t, "new", updated.Members[0].Hash)
	assert.False(t, state.Equal(updated))
}

func TestState_Contains(t *testing.T) {
	state := State{Members: []Member{member("10.0.0.1", RoleMaster)}}

	assert.True(t, state.Contains("10.0.0.1"))
	assert.False(t, state.Contains("10.0.0.2"))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("TRIO")
	assert.NoError(t, err)
	assert.Equal(t, RoleTrio, role)

	_, err = ParseRole("master")
	assert.Error(t, err)
}
