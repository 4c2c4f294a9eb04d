package domain

import "errors"

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrBotTokenNotFound   = errors.New("bot token not found")
	ErrTokenRevoked       = errors.New("token revoked")
)
