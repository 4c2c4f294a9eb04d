package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementKind(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT 1", "SELECT"},
		{"\n\tinsert into twitch_identities VALUES ($1)", "INSERT"},
		{"  UPDATE x SET y = 1", "UPDATE"},
		{"", "unknown"},
		{"   ", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, statementKind(tt.sql))
		})
	}
}
