// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonSerializer is a minimal [Serializer] used only by this package's own
// tests; concrete serialization is out of scope for the library itself.
var jsonSerializer = SerializerFunc{
	SerializeFunc: func(w io.Writer, value any) error {
		return json.NewEncoder(w).Encode(value)
	},
	DeserializeFunc: func(r io.Reader, target any) error {
		return json.NewDecoder(r).Decode(target)
	},
}

func TestSerializerFuncRoundtrip(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
	}

	var buf bytes.Buffer
	require.NoError(t, jsonSerializer.Serialize(&buf, doc{Name: "cluster-1"}))

	var out doc
	require.NoError(t, jsonSerializer.Deserialize(&buf, &out))
	assert.Equal(t, "cluster-1", out.Name)
}
