package logging

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/apex/log"
)

// Component is the base structure embedded by every long-lived gateway
// subsystem to carry its own static logging fields.
type Component struct {
	// LogTags are the Apex logging metadata fields fixed at construction time.
	LogTags log.Fields
}

// RequestParamKey is the context key under which a RequestParam is stored.
type RequestParamKey struct{}

// RequestParam carries the per-request fields folded into logs along the
// dispatcher pipeline. Unlike padlock's RequestParam (which tracks full HTTP
// request metadata for a generic REST audit log), this only tracks the
// fields the gateway's own log lines reference: app, method, path, the
// decoded identity once known, and the permission string being checked.
type RequestParam struct {
	App         string
	Method      string
	Path        string
	UserSub     string
	TokenID     string
	Permission  string
	StatusCode  int
}

func (p RequestParam) updateLogTags(tags log.Fields) {
	if p.App != "" {
		tags["app"] = p.App
	}
	if p.Method != "" {
		tags["method"] = p.Method
	}
	if p.Path != "" {
		tags["path"] = p.Path
	}
	if p.UserSub != "" {
		tags["user_sub"] = p.UserSub
	}
	if p.TokenID != "" {
		tags["token_id"] = p.TokenID
	}
	if p.Permission != "" {
		tags["perm"] = p.Permission
	}
	if p.StatusCode != 0 {
		tags["status_code"] = p.StatusCode
	}
}

/*
GetLogTagsForContext produces a fresh copy of this component's log tags,
enriched with any RequestParam found on ctxt.

 @param ctxt context.Context - the request-scoped context
 @return the enriched log.Fields for this call
*/
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&c.LogTags); err != nil {
		return c.LogTags
	}
	if err := gob.NewDecoder(bytes.NewBuffer(buf.Bytes())).Decode(&result); err != nil {
		return c.LogTags
	}
	if v, ok := ctxt.Value(RequestParamKey{}).(RequestParam); ok {
		v.updateLogTags(result)
	}
	return result
}

// WithRequestParam returns a new context carrying param for downstream
// GetLogTagsForContext calls.
func WithRequestParam(ctxt context.Context, param RequestParam) context.Context {
	return context.WithValue(ctxt, RequestParamKey{}, param)
}
