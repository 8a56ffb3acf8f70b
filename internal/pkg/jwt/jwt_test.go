package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secretTest = []byte("test")

func TestNewPair(t *testing.T) {
	pair, err := NewPair("u1", "alice", time.Minute, time.Hour, secretTest)
	require.NoError(t, err)
	assert.NotEqual(t, pair.Access, pair.Refresh)

	access, err := ParseTyped(pair.Access, TypeAccess, secretTest)
	require.NoError(t, err)
	assert.Equal(t, "u1", access.UserID)
	assert.Equal(t, "alice", access.Username)

	refresh, err := ParseTyped(pair.Refresh, TypeRefresh, secretTest)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshID, refresh.ID)

	_, err = ParseTyped(pair.Refresh, TypeAccess, secretTest)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestValidateToken(t *testing.T) {
	valid, err := NewPair("u1", "alice", time.Minute, time.Minute, secretTest)
	require.NoError(t, err)
	expired, err := NewPair("u1", "alice", -time.Minute, -time.Minute, secretTest)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		secret  []byte
		want    bool
		wantErr bool
	}{
		{name: "valid", token: valid.Access, secret: secretTest, want: true},
		{name: "expired", token: expired.Access, secret: secretTest, wantErr: true},
		{name: "wrong_secret", token: valid.Access, secret: []byte("other"), wantErr: true},
		{name: "garbage", token: "not-a-token", secret: secretTest, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ValidateToken() = %v, want %v", got, tt.want)
			}
		})
	}
}
