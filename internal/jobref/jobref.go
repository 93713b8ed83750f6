// Package jobref encodes and decodes muster://job/... references, the
// opaque handles step runs keep into the external job backend.
package jobref

import (
	"fmt"
	"net/url"
	"strings"
)

// Resource selects which artifact of a job a reference points at.
type Resource string

const (
	ResourceLogs   Resource = "logs"
	ResourceResult Resource = "result"
	ResourceError  Resource = "error"
)

// DefaultResource is what a bare muster://job/<id> reference resolves to.
const DefaultResource = ResourceLogs

const scheme = "muster"

// Reference is a parsed job reference.
type Reference struct {
	JobID    string
	Resource Resource
}

// String renders the canonical URI form. The default resource is
// omitted so String(Parse(x)) is stable for bare references.
func (r Reference) String() string {
	if r.Resource == "" || r.Resource == DefaultResource {
		return fmt.Sprintf("%s://job/%s", scheme, r.JobID)
	}
	return fmt.Sprintf("%s://job/%s/%s", scheme, r.JobID, r.Resource)
}

// Parse decodes a job reference. It never errors: any string that is not
// a well-formed muster://job/... reference simply reports false, so
// callers can probe arbitrary summaries and handles safely.
func Parse(raw string) (Reference, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, false
	}
	if u.Scheme != scheme || u.Host != "job" {
		return Reference{}, false
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Reference{}, false
		}
		return Reference{JobID: parts[0], Resource: DefaultResource}, true
	case 2:
		res := Resource(parts[1])
		switch res {
		case ResourceLogs, ResourceResult, ResourceError:
			return Reference{JobID: parts[0], Resource: res}, true
		}
		return Reference{}, false
	default:
		return Reference{}, false
	}
}

// New builds a reference for a job id with the default resource.
func New(jobID string) Reference {
	return Reference{JobID: jobID, Resource: DefaultResource}
}
