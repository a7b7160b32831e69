// Package api holds the request and response types of the gateway HTTP API.
package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationFailed is returned by an authenticator when the directory rejects the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidRequest marks a request the directory exchange cannot be attempted with.
	ErrInvalidRequest = errors.New("invalid request")
)

// AuthRequest is a pass-through NTLM authentication (POST /ntlm/auth).
// Challenge and NTResponse are hex encoded.
type AuthRequest struct {
	Username   string `json:"username" binding:"required"`
	Domain     string `json:"domain"`
	Challenge  string `json:"challenge" binding:"required"`
	NTResponse string `json:"ntResponse" binding:"required"`
}

// Validate checks the hex encoded fields
func (r *AuthRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	challenge, err := hex.DecodeString(r.Challenge)
	if err != nil || len(challenge) != 8 {
		return fmt.Errorf("%w: challenge must be 8 hex encoded bytes", ErrInvalidRequest)
	}
	if _, err := hex.DecodeString(r.NTResponse); err != nil || r.NTResponse == "" {
		return fmt.Errorf("%w: ntResponse must be hex encoded", ErrInvalidRequest)
	}
	return nil
}

// AuthResponse is returned on successful authentication.
type AuthResponse struct {
	// NTKey is the hex encoded user session key
	NTKey string `json:"ntKey"`
	// MachineAccount is the account the exchange was relayed with
	MachineAccount string `json:"machineAccount"`
}

// ExpireRequest asks for the cached NT key material of a user to be dropped (POST /ntlm/expire).
type ExpireRequest struct {
	Username string `json:"username" binding:"required"`
	Domain   string `json:"domain"`
}

// ExpireResponse reports whether cached material existed.
type ExpireResponse struct {
	Expired bool `json:"expired"`
}

// EventReport is an accounting or lockout event forwarded by the authentication server (POST /event/report).
type EventReport struct {
	Type     string            `json:"type" binding:"required"`
	Username string            `json:"username"`
	Domain   string            `json:"domain"`
	Details  map[string]string `json:"details,omitempty"`
}

// TestPasswordRequest verifies a machine account password against the directory (POST /ntlm/connect).
type TestPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// ConnectResponse describes the directory connection of the bound machine account (GET /ntlm/connect).
type ConnectResponse struct {
	MachineAccount string `json:"machineAccount"`
	Server         string `json:"server,omitempty"`
	Connected      bool   `json:"connected"`
	Message        string `json:"message,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
