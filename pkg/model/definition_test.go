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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
id: order-fulfillment
name: Order Fulfillment
version: "1"
inputs:
  - name: order_id
    type: string
steps:
  - id: validate
    acts:
      - act: set
        key: mark-valid
        inputs:
          valid: "true"
  - id: ship
    branches:
      - key: express
        when: "INPUT.priority == 'high'"
        rule: if
        steps:
          - id: ship-express
    catches:
      - err: payment_declined
        then:
          - act: msg
            key: notify-decline
    timeout:
      on: "24h"
      then:
        - act: cmd
          params:
            cmd: cancel
`

func TestParse_DecodesNestedStructure(t *testing.T) {
	w, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "order-fulfillment", w.ID)
	require.Len(t, w.Steps, 2)
	assert.Equal(t, "validate", w.Steps[0].ID)
	require.Len(t, w.Steps[0].Acts, 1)
	assert.Equal(t, "set", w.Steps[0].Acts[0].Dispatch)

	ship := w.Steps[1]
	require.Len(t, ship.Branches, 1)
	assert.Equal(t, "if", ship.Branches[0].Rule)
	require.Len(t, ship.Catches, 1)
	assert.Equal(t, "payment_declined", ship.Catches[0].Err)
	require.NotNil(t, ship.Timeout)
	assert.Equal(t, "24h", ship.Timeout.On)
}

func TestParse_DerivesIDFromNameWhenMissing(t *testing.T) {
	w, err := Parse([]byte("name: My Flow\nsteps: []\n"))
	require.NoError(t, err)
	assert.Equal(t, "My Flow", w.ID)
}

func TestParse_InvalidYAMLIsError(t *testing.T) {
	_, err := Parse([]byte("steps: [this is not a list of steps"))
	assert.Error(t, err)
}

func TestRoundTrip_ParseToYAMLIsIdentity(t *testing.T) {
	w, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	out, err := w.ToYAML()
	require.NoError(t, err)

	w2, err := Parse(out)
	require.NoError(t, err)

	assert.Equal(t, w, w2)
}
