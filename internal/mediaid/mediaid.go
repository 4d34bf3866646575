// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package mediaid encodes and decodes content identifiers of the form
// emby://{type}/{id}. Identifiers survive transport through automation
// systems that treat them as opaque strings, so both segments are
// percent-encoded and the codec guarantees Decode(Encode(t, id)) round
// trips exactly.
package mediaid

import (
	"fmt"
	"net/url"
	"strings"
)

const scheme = "emby"

// TypeNone marks identifiers without a content type segment, produced by
// older encoders that wrote emby://{id}.
const TypeNone = ""

// DecodeError describes a malformed media identifier.
type DecodeError struct {
	ID     string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid media id %q: %s", e.ID, e.Reason)
}

// Encode builds an emby:// identifier from a content type and item id.
// An empty contentType produces the legacy single-segment form.
func Encode(contentType, itemID string) string {
	if contentType == TypeNone {
		return scheme + "://" + url.PathEscape(itemID)
	}
	return scheme + "://" + url.PathEscape(contentType) + "/" + url.PathEscape(itemID)
}

// Decode splits an emby:// identifier into content type and item id.
// Single-segment identifiers decode with TypeNone as the type.
func Decode(mediaID string) (contentType, itemID string, err error) {
	rest, ok := strings.CutPrefix(mediaID, scheme+"://")
	if !ok {
		return "", "", &DecodeError{ID: mediaID, Reason: "missing emby:// scheme"}
	}
	if rest == "" {
		return "", "", &DecodeError{ID: mediaID, Reason: "empty identifier"}
	}

	first, second, hasType := strings.Cut(rest, "/")
	if !hasType {
		id, err := url.PathUnescape(first)
		if err != nil {
			return "", "", &DecodeError{ID: mediaID, Reason: "bad percent encoding in id"}
		}
		return TypeNone, id, nil
	}

	if second == "" {
		return "", "", &DecodeError{ID: mediaID, Reason: "empty item id"}
	}
	ct, err := url.PathUnescape(first)
	if err != nil {
		return "", "", &DecodeError{ID: mediaID, Reason: "bad percent encoding in type"}
	}
	id, err := url.PathUnescape(second)
	if err != nil {
		return "", "", &DecodeError{ID: mediaID, Reason: "bad percent encoding in id"}
	}
	return ct, id, nil
}
