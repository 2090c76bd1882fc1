package pvdata

import "strings"

// PVRequest is the structured filter sent with an operation's INIT
// (spec.md GLOSSARY): which fields to return/accept, plus option
// key=value pairs (e.g. monitor's queueSize/pipeline/ackAny).
type PVRequest struct {
	Fields  []string
	Options map[string]string
}

// ParsePVRequest parses the conventional "field(a,b.c)record[opt=v]"
// syntax down to its field list and option map. Only the subset this
// spec's operations need is supported: a single field(...) group and
// a single record[...] option group, both optional.
func ParsePVRequest(s string) *PVRequest {
	req := &PVRequest{Options: map[string]string{}}
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "field("):
			end := strings.IndexByte(s, ')')
			if end < 0 {
				return req
			}
			body := s[len("field("):end]
			if body != "" {
				req.Fields = append(req.Fields, strings.Split(body, ",")...)
			}
			s = s[end+1:]
		case strings.HasPrefix(s, "record["):
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return req
			}
			body := s[len("record["):end]
			for _, kv := range strings.Split(body, ",") {
				if kv == "" {
					continue
				}
				if i := strings.IndexByte(kv, '='); i >= 0 {
					req.Options[kv[:i]] = kv[i+1:]
				}
			}
			s = s[end+1:]
		default:
			return req
		}
	}
	return req
}

// Selects reports whether the request carries no explicit field list
// (meaning "everything") or names path among its fields.
func (r *PVRequest) Selects(path string) bool {
	if len(r.Fields) == 0 {
		return true
	}
	for _, f := range r.Fields {
		if f == path || strings.HasPrefix(path, f+".") {
			return true
		}
	}
	return false
}
