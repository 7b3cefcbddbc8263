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
	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/acts/pkg/acterr"
)

// InitiatorClaims is the minimal bearer-claim shape the admin surface
// resolves: who is asking an action to happen, for attribution in
// options["initiator_id"] rather than for coarse-grained authorization
// (that remains a deployment-specific concern in front of the daemon).
type InitiatorClaims struct {
	jwt.RegisteredClaims
	InitiatorID string `json:"initiator_id"`
}

// ResolveInitiator verifies tokenString against secret and, on success,
// merges the initiator id into the action's options so hook expressions
// can read it back.
func ResolveInitiator(a *Action, tokenString string, secret []byte) error {
	if tokenString == "" {
		return nil // anonymous actions are permitted; auth is optional
	}
	claims := &InitiatorClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return &acterr.ActionError{PID: a.PID, TID: a.TID, Event: string(a.Event), Reason: "invalid bearer token: " + err.Error()}
	}
	if a.Options == nil {
		a.Options = map[string]any{}
	}
	a.Options["initiator_id"] = claims.InitiatorID
	return nil
}
