package x402

import (
	"net/http"
)

// DiscoveryPath is where example servers mount DiscoveryHandler.
const DiscoveryPath = "/x402/discovery"

// Discovery advertises payment capability to clients before they call a
// priced endpoint.
type Discovery struct {
	Enabled           bool    `json:"enabled"`
	X402Version       int     `json:"x402Version"`
	Scheme            string  `json:"scheme"`
	Network           string  `json:"network"`
	Asset             string  `json:"asset"`
	Decimals          int     `json:"decimals"`
	PayTo             *string `json:"payTo"`
	Facilitator       string  `json:"facilitator"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds"`
}

// Discover resolves the current payment capability for r.
func (g *Gate) Discover(r *http.Request) Discovery {
	d := Discovery{
		X402Version:       g.protocol.X402Version,
		Scheme:            SchemeExact,
		Network:           g.protocol.Network,
		Asset:             g.treasury.ResolveTokenMint(),
		Decimals:          g.protocol.DefaultDecimals,
		Facilitator:       g.protocol.FacilitatorURL,
		MaxTimeoutSeconds: g.protocol.MaxTimeoutSeconds,
	}
	if payTo := g.treasury.ResolveTreasuryAddress(r.Context(), ""); payTo != "" {
		d.PayTo = &payTo
	}
	d.Enabled = d.PayTo != nil && d.Asset != "" && g.verifier.facilitator != nil
	return d
}

// DiscoveryHandler serves Discover as JSON on GET.
func (g *Gate) DiscoveryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cors.HandlePreflight(w, r) {
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			WriteError(w, &Error{
				Code:    "METHOD_NOT_ALLOWED",
				Message: "Method not allowed",
				Status:  http.StatusMethodNotAllowed,
			})
			return
		}
		writeJSON(w, http.StatusOK, g.Discover(r))
	})
}
