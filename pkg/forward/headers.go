// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package forward

import "net/http"

// forbiddenHeaders are handshake-management headers owned by the
// transport. They must never be copied onto the outbound connect
// request; gorilla/websocket generates its own. Keys are in canonical
// form so lookups are case-insensitive.
var forbiddenHeaders = map[string]struct{}{
	"Connection":               {},
	"Host":                     {},
	"Upgrade":                  {},
	"Sec-Websocket-Accept":     {},
	"Sec-Websocket-Protocol":   {},
	"Sec-Websocket-Key":        {},
	"Sec-Websocket-Version":    {},
	"Sec-Websocket-Extensions": {},
}

// forwardHeaders copies every inbound header not owned by the handshake
// onto a new header set for the outbound connect request.
func forwardHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vals := range src {
		if _, deny := forbiddenHeaders[http.CanonicalHeaderKey(k)]; deny {
			continue
		}
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), vals...)
	}
	return dst
}
