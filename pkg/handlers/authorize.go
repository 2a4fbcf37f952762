// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"html/template"
	"net/http"

	"github.com/stacklok/authserver/pkg/flow"
	"github.com/stacklok/authserver/pkg/logger"
	"github.com/stacklok/authserver/pkg/oauth"
)

// Authorize adapts the flow engine to HTTP: it collects the parameters and
// flow cookies, runs one pass of the state machine, and renders the result.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, oauth.InvalidRequest("The request parameters could not be parsed."))
		return
	}

	res := h.engine.Authorize(r.Context(), &flow.Request{
		Params:    r.Form,
		SessionID: cookieValue(r, SessionCookie),
		GrantID:   cookieValue(r, GrantCookie),
	})
	h.applyFlowCookies(w, res)

	switch res.Kind {
	case flow.KindErrorPage:
		if h.metrics != nil {
			h.metrics.CountProtocolError("authorize", res.Err.Code)
		}
		h.renderErrorPage(w, res.Err)
	case flow.KindInteractionRedirect:
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
	case flow.KindResponse:
		if code := res.Parameters.Get("error"); code != "" && h.metrics != nil {
			h.metrics.CountProtocolError("authorize", code)
		}
		h.renderResponse(w, r, res)
	}
}

// applyFlowCookies writes the cookie directives of a flow result.
func (h *Handlers) applyFlowCookies(w http.ResponseWriter, res *flow.Result) {
	if res.SessionID != "" {
		h.setCookie(w, SessionCookie, res.SessionID, h.cfg.SessionCookieTTL)
	}
	switch {
	case res.ClearGrant:
		h.clearCookie(w, GrantCookie)
	case res.SetGrantID != "":
		// Session-scoped; the grant record expires on its own.
		h.setCookie(w, GrantCookie, res.SetGrantID, 0)
	}
}

var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization Error</title></head>
<body>
<h1>Authorization Error</h1>
<p><strong>{{.Code}}</strong>{{if .Description}}: {{.Description}}{{end}}</p>
</body>
</html>
`))

// renderErrorPage renders a protocol error directly to the user agent. Used
// only when the client identity or redirect URI cannot be trusted; everything
// else is delivered through the response mode.
func (h *Handlers) renderErrorPage(w http.ResponseWriter, oe *oauth.Error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(oe.Status)
	if err := errorPageTemplate.Execute(w, oe); err != nil {
		logger.Errorf("failed to render error page: %v", err)
	}
}
