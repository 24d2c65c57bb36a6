/*
 * Copyright (c) 2024, Lightway Server Contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"crypto/rsa"
	std_errors "errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/lightway-server/lightway/common/errors"
	"github.com/lightway-server/lightway/common/wire"
)

// AuthDecision is the outcome of credential verification.
type AuthDecision struct {
	Accepted bool
	Identity string
	Reason   wire.AuthFailureReason
}

func authAccept(identity string) AuthDecision {
	return AuthDecision{Accepted: true, Identity: identity}
}

func authReject(reason wire.AuthFailureReason) AuthDecision {
	return AuthDecision{Reason: reason}
}

// Authenticator verifies the credential presented in an auth frame.
type Authenticator interface {
	Authenticate(request *wire.AuthRequest) AuthDecision
}

// authenticator dispatches to the configured password file and token
// verifier backends by auth method.
type authenticator struct {
	passwords     map[string]string
	tokenPubKey   *rsa.PublicKey
	tokenVerifier *jwt.Parser
}

// NewAuthenticator builds an Authenticator from the configured backends.
// At least one of the password file and the token public key must be
// configured.
func NewAuthenticator(config *Config) (Authenticator, error) {

	auth := &authenticator{}

	if config.UserDB != "" {
		passwords, err := loadPasswordFile(config.UserDB)
		if err != nil {
			return nil, errors.Trace(err)
		}
		auth.passwords = passwords
	}

	if config.TokenRSAPubKeyPEM != "" {
		pemBytes, err := os.ReadFile(config.TokenRSAPubKeyPEM)
		if err != nil {
			return nil, errors.Trace(err)
		}
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, errors.Trace(err)
		}
		auth.tokenPubKey = publicKey
		auth.tokenVerifier = jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired())
	}

	if auth.passwords == nil && auth.tokenPubKey == nil {
		return nil, errors.TraceNew("no authentication backend configured")
	}
	return auth, nil
}

// loadPasswordFile parses an htpasswd style file of "user:hash" records
// with bcrypt hashes. Blank lines and '#' comments are skipped.
func loadPasswordFile(path string) (map[string]string, error) {

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}

	passwords := make(map[string]string)
	for lineNumber, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, found := strings.Cut(line, ":")
		if !found || user == "" || hash == "" {
			return nil, errors.Tracef("malformed password record at line %d", lineNumber+1)
		}
		if !strings.HasPrefix(hash, "$2") {
			return nil, errors.Tracef("unsupported hash for user %q: only bcrypt is accepted", user)
		}
		passwords[user] = hash
	}
	return passwords, nil
}

func (auth *authenticator) Authenticate(request *wire.AuthRequest) AuthDecision {
	switch request.Method {
	case wire.AuthMethodUserPassword:
		return auth.authenticatePassword(request.Username, request.Password)
	case wire.AuthMethodToken:
		return auth.authenticateToken(request.Token)
	}
	return authReject(wire.AuthFailureInvalidCredentials)
}

func (auth *authenticator) authenticatePassword(username, password string) AuthDecision {

	if auth.passwords == nil {
		return authReject(wire.AuthFailureInvalidCredentials)
	}

	hash, ok := auth.passwords[username]
	if !ok {
		// Burn a comparison so unknown and known users take the same
		// time.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(password))
		return authReject(wire.AuthFailureInvalidCredentials)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return authReject(wire.AuthFailureInvalidCredentials)
	}
	return authAccept(username)
}

func (auth *authenticator) authenticateToken(tokenString string) AuthDecision {

	if auth.tokenVerifier == nil {
		return authReject(wire.AuthFailureInvalidCredentials)
	}

	token, err := auth.tokenVerifier.Parse(
		tokenString,
		func(*jwt.Token) (interface{}, error) {
			return auth.tokenPubKey, nil
		})
	if err != nil {
		if std_errors.Is(err, jwt.ErrTokenExpired) {
			return authReject(wire.AuthFailureExpiredCredentials)
		}
		return authReject(wire.AuthFailureInvalidCredentials)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		subject = "token"
	}
	return authAccept(subject)
}
