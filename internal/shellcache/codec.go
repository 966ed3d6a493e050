package shellcache

import (
	"bytes"
	"encoding/gob"
	"net/http"
)

// Persistent backends store entries and their metadata gob encoded.

func init() {
	gob.Register(http.Header{})
}

func marshalGob[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalGob[T any](b []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v)
	return v, err
}
