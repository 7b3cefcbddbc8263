// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package action

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, initiatorID string) string {
	t.Helper()
	claims := &InitiatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		InitiatorID:      initiatorID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestResolveInitiator_EmptyTokenIsAnonymousNoOp(t *testing.T) {
	a := &Action{PID: "p1"}
	err := ResolveInitiator(a, "", []byte("secret"))
	require.NoError(t, err)
	assert.Nil(t, a.Options)
}

func TestResolveInitiator_ValidTokenMergesInitiatorID(t *testing.T) {
	secret := []byte("test-secret")
	tok := signToken(t, secret, "user-42")

	a := &Action{PID: "p1"}
	require.NoError(t, ResolveInitiator(a, tok, secret))
	assert.Equal(t, "user-42", a.Options["initiator_id"])
}

func TestResolveInitiator_WrongSecretIsActionError(t *testing.T) {
	tok := signToken(t, []byte("right-secret"), "user-1")

	a := &Action{PID: "p1"}
	err := ResolveInitiator(a, tok, []byte("wrong-secret"))
	assert.Error(t, err)
}
