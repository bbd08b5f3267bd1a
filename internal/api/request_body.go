package api

import (
	"encoding/json"
	"net/http"
)

// maxJSONBodyBytes bounds request bodies. Execute bodies carry plugin
// input, so this is larger than a control request needs.
const maxJSONBodyBytes int64 = 8 * 1024 * 1024

// decodeJSONBody decodes one JSON value into dst, rejecting unknown fields
// and bodies over maxJSONBodyBytes.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
