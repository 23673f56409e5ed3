package x402

import (
	"net/http"
	"strings"
)

// CORSPolicy shapes cross-origin headers. Every gate response carries them.
type CORSPolicy struct {
	// AllowedOrigins lists origins echoed back. Empty or "*" allows any origin.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string

	// ExposedHeaders always includes PAYMENT-REQUIRED and PAYMENT-RESPONSE.
	ExposedHeaders []string
}

func (c *CORSPolicy) setDefaults() {
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{
			"Authorization", "Content-Type", "X-Client-Info", "Apikey",
			HeaderAPIKey, HeaderPaymentSignature, HeaderLegacyPayment,
		}
	}
	for _, h := range []string{HeaderPaymentRequired, HeaderPaymentResponse} {
		if !containsFold(c.ExposedHeaders, h) {
			c.ExposedHeaders = append(c.ExposedHeaders, h)
		}
	}
}

// Apply sets the CORS headers for r's origin.
func (c *CORSPolicy) Apply(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	allowOrigin := "*"
	if origin != "" {
		if !c.allowed(origin) {
			return
		}
		allowOrigin = origin
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	if allowOrigin != "*" {
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
	h.Set("Access-Control-Expose-Headers", strings.Join(c.ExposedHeaders, ", "))
	h.Set("Access-Control-Max-Age", "3600")
}

// HandlePreflight applies headers and answers OPTIONS requests. It reports
// whether the request was consumed.
func (c *CORSPolicy) HandlePreflight(w http.ResponseWriter, r *http.Request) bool {
	c.Apply(w, r)
	if r.Method != http.MethodOptions {
		return false
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

func (c *CORSPolicy) allowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
