package storysync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()
	assert.NotEqual(t, Id{}, id)

	idStr := id.String()
	assert.Equal(t, 36, len(idStr))

	parsedId, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsedId)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)

	idFromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, idFromBytes)

	_, err = IdFromBytes([]byte{0x01})
	assert.NotEqual(t, err, nil)
}

func TestIdJson(t *testing.T) {
	id := NewId()

	idJson, err := json.Marshal(&id)
	assert.Equal(t, err, nil)

	var decodedId Id
	err = json.Unmarshal(idJson, &decodedId)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, decodedId)

	err = json.Unmarshal([]byte(`"short"`), &decodedId)
	assert.NotEqual(t, err, nil)
}
