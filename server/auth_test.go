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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lightway-server/lightway/common/wire"
)

func writePasswordFile(t *testing.T, users map[string]string) string {
	t.Helper()
	var contents string
	contents += "# test users\n\n"
	for user, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		contents += user + ":" + string(hash) + "\n"
	}
	path := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestPasswordAuthentication(t *testing.T) {

	path := writePasswordFile(t, map[string]string{"alice": "hunter2"})

	auth, err := NewAuthenticator(&Config{UserDB: path})
	require.NoError(t, err)

	decision := auth.Authenticate(&wire.AuthRequest{
		Method:   wire.AuthMethodUserPassword,
		Username: "alice",
		Password: "hunter2",
	})
	require.True(t, decision.Accepted)
	require.Equal(t, "alice", decision.Identity)

	decision = auth.Authenticate(&wire.AuthRequest{
		Method:   wire.AuthMethodUserPassword,
		Username: "alice",
		Password: "wrong",
	})
	require.False(t, decision.Accepted)
	require.Equal(t, wire.AuthFailureInvalidCredentials, decision.Reason)

	decision = auth.Authenticate(&wire.AuthRequest{
		Method:   wire.AuthMethodUserPassword,
		Username: "nobody",
		Password: "hunter2",
	})
	require.False(t, decision.Accepted)
}

func TestMalformedPasswordFile(t *testing.T) {

	path := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(path, []byte("alice\n"), 0600))
	_, err := NewAuthenticator(&Config{UserDB: path})
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("alice:{SHA}xxxx\n"), 0600))
	_, err = NewAuthenticator(&Config{UserDB: path})
	require.Error(t, err)
}

func writeTokenKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	publicPEM := pem.EncodeToMemory(
		&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	path := filepath.Join(t.TempDir(), "token.pub")
	require.NoError(t, os.WriteFile(path, publicPEM, 0600))
	return privateKey, path
}

func signToken(
	t *testing.T, key *rsa.PrivateKey, subject string,
	expires time.Time) string {

	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestTokenAuthentication(t *testing.T) {

	privateKey, publicKeyPath := writeTokenKeyPair(t)

	auth, err := NewAuthenticator(&Config{TokenRSAPubKeyPEM: publicKeyPath})
	require.NoError(t, err)

	decision := auth.Authenticate(&wire.AuthRequest{
		Method: wire.AuthMethodToken,
		Token:  signToken(t, privateKey, "bob", time.Now().Add(time.Hour)),
	})
	require.True(t, decision.Accepted)
	require.Equal(t, "bob", decision.Identity)

	decision = auth.Authenticate(&wire.AuthRequest{
		Method: wire.AuthMethodToken,
		Token:  signToken(t, privateKey, "bob", time.Now().Add(-time.Hour)),
	})
	require.False(t, decision.Accepted)
	require.Equal(t, wire.AuthFailureExpiredCredentials, decision.Reason)

	decision = auth.Authenticate(&wire.AuthRequest{
		Method: wire.AuthMethodToken,
		Token:  "not-a-token",
	})
	require.False(t, decision.Accepted)
	require.Equal(t, wire.AuthFailureInvalidCredentials, decision.Reason)

	// A token signed with the wrong key must not verify.
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	decision = auth.Authenticate(&wire.AuthRequest{
		Method: wire.AuthMethodToken,
		Token:  signToken(t, otherKey, "bob", time.Now().Add(time.Hour)),
	})
	require.False(t, decision.Accepted)
}

func TestMethodRouting(t *testing.T) {

	path := writePasswordFile(t, map[string]string{"alice": "hunter2"})
	auth, err := NewAuthenticator(&Config{UserDB: path})
	require.NoError(t, err)

	// Token auth with no token backend configured.
	decision := auth.Authenticate(&wire.AuthRequest{
		Method: wire.AuthMethodToken,
		Token:  "anything",
	})
	require.False(t, decision.Accepted)

	// Unknown method.
	decision = auth.Authenticate(&wire.AuthRequest{Method: 99})
	require.False(t, decision.Accepted)
}

func TestNoBackendConfigured(t *testing.T) {
	_, err := NewAuthenticator(&Config{})
	require.Error(t, err)
}
