package api

import "net/http"

// applyPairCORSHeaders sets the CORS headers for a /pair response. preflight
// additionally sets Access-Control-Max-Age, sent only on the OPTIONS
// preflight itself.
func applyPairCORSHeaders(w http.ResponseWriter, origin string, preflight bool) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "content-type")
	h.Set("Vary", "Origin")
	if preflight {
		h.Set("Access-Control-Max-Age", "600")
	}
}
