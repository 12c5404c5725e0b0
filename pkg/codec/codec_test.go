package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
)

func TestYAMLSerializer_UserRecordKeepsPassword(t *testing.T) {
	s := NewYAMLSerializer(true)
	out, err := s.Encode(core.UserInfo{ID: "admin", Name: "Admin", Authority: core.AuthorityAdmin, Password: "$2a$hash"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "$2a$hash")

	var back core.UserInfo
	require.NoError(t, s.Decode(out, &back))
	assert.Equal(t, "$2a$hash", back.Password)
	assert.Equal(t, core.AuthorityAdmin, back.Authority)
}

func TestYAMLSerializer_StrictRejectsUnknownKeys(t *testing.T) {
	var info core.TypeInfo
	data := []byte("is_flag: true\ncolour: blue\n")

	require.Error(t, NewYAMLSerializer(true).Decode(data, &info))
	require.NoError(t, NewYAMLSerializer(false).Decode(data, &info))
	assert.True(t, info.IsFlag)
}

func TestYAMLSerializer_EmptyDocument(t *testing.T) {
	var info core.TableInfo
	require.NoError(t, NewYAMLSerializer(true).Decode(nil, &info))
	assert.Empty(t, info.Columns)
}

func TestJSONSerializer_OmitsPassword(t *testing.T) {
	out, err := NewJSONSerializer(false).Encode(core.UserInfo{ID: "u1", Password: "secret-hash"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret-hash")
}

func TestForPath(t *testing.T) {
	serializers := DefaultSerializers(true)

	s, err := ForPath(serializers, "tables/A/T1.yaml")
	require.NoError(t, err)
	assert.IsType(t, &YAMLSerializer{}, s)

	_, err = ForPath(serializers, "tables/A/T1.csv")
	require.Error(t, err)
}
