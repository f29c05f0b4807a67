package mijia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mihome/pkg/platform/sentinel"
)

func TestParseEnvelope_StripsSentinelPrefix(t *testing.T) {
	env, err := ParseEnvelope([]byte(`&&&START&&&{"code":0,"userId":12345}`))
	require.NoError(t, err)
	assert.Equal(t, 0, env.Code)

	var payload struct {
		UserID int `json:"userId"`
	}
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, 12345, payload.UserID)
}

func TestParseEnvelope_PlainJSON(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"code":0,"qs":"abc"}`))
	require.NoError(t, err)
	assert.NoError(t, env.Err())
}

func TestParseEnvelope_NotJSON(t *testing.T) {
	_, err := ParseEnvelope([]byte("<html>upstream error page</html>"))
	require.ErrorIs(t, err, sentinel.ErrParse)
}

func TestParseEnvelope_MessageFallbackOrder(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"description wins", `{"code":1,"description":"d1","desc":"d2","message":"d3"}`, "d1"},
		{"desc next", `{"code":1,"desc":"d2","message":"d3"}`, "d2"},
		{"message last", `{"code":1,"message":"d3"}`, "d3"},
		{"empty description skipped", `{"code":1,"description":"","desc":"d2"}`, "d2"},
		{"nothing present", `{"code":1}`, "Unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Message)
		})
	}
}

func TestEnvelope_Err(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"code":70016,"description":"QR code expired"}`))
	require.NoError(t, err)

	failure := env.Err()
	require.Error(t, failure)

	re, ok := sentinel.AsRemote(failure)
	require.True(t, ok)
	assert.Equal(t, 70016, re.Code)
	assert.Equal(t, "QR code expired", re.Description)
}

func TestEnvelope_Result(t *testing.T) {
	t.Run("unwraps result field", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"code":0,"result":{"home_list":[{"id":1,"name":"Home"}]}}`))
		require.NoError(t, err)

		var out struct {
			HomeList []Home `json:"home_list"`
		}
		require.NoError(t, env.Result(&out))
		require.Len(t, out.HomeList, 1)
		assert.Equal(t, "Home", out.HomeList[0].Name)
	})

	t.Run("falls back to whole payload", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"code":0,"loginUrl":"https://example.com/qr","lp":"https://example.com/lp"}`))
		require.NoError(t, err)

		var out struct {
			LoginURL string `json:"loginUrl"`
		}
		require.NoError(t, env.Result(&out))
		assert.Equal(t, "https://example.com/qr", out.LoginURL)
	})
}
