package normalization

import (
	"regexp"
	"strings"
)

var guidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

const (
	roleDefinitionsSegment = "/providers/microsoft.authorization/roledefinitions/"
	roleAssignmentsSegment = "/providers/microsoft.authorization/roleassignments/"
)

// armTypes maps lower-cased provider types to known resource types.
var armTypes = map[string]string{
	"microsoft.compute/virtualmachines": ResourceTypeVirtualMachine,
	"microsoft.network/virtualnetworks": ResourceTypeVirtualNetwork,
}

// ClassifyScope derives the resource type targeted by an ARM scope path.
// Unrecognized provider types are returned verbatim with known=false.
func ClassifyScope(scope string) (resourceType string, known bool) {
	segs := splitPath(scope)
	if len(segs) == 0 {
		return "root", false
	}

	if strings.EqualFold(segs[0], "providers") {
		if len(segs) == 4 && strings.EqualFold(segs[1], "Microsoft.Management") && strings.EqualFold(segs[2], "managementGroups") {
			return ResourceTypeManagementGroup, true
		}
		if len(segs) >= 2 {
			return segs[1], false
		}
		return "root", false
	}

	if !strings.EqualFold(segs[0], "subscriptions") || len(segs) < 2 {
		return strings.Join(segs, "/"), false
	}

	p := lastIndexFold(segs, "providers")
	if p < 0 {
		switch {
		case len(segs) == 2:
			return ResourceTypeSubscription, true
		case len(segs) == 4 && strings.EqualFold(segs[2], "resourceGroups"):
			return ResourceTypeResourceGroup, true
		default:
			return strings.Join(segs[2:], "/"), false
		}
	}

	// providers/<namespace>/<type>/<name>[/<type>/<name>...]
	rest := segs[p+1:]
	if len(rest) < 3 {
		return strings.Join(rest, "/"), false
	}
	parts := []string{rest[0]}
	for i := 1; i < len(rest); i += 2 {
		parts = append(parts, rest[i])
	}
	raw := strings.Join(parts, "/")
	if t, ok := armTypes[strings.ToLower(raw)]; ok {
		return t, true
	}
	return raw, false
}

// roleIDFromPath extracts a role definition GUID from a resource path,
// preferring the segment after roleDefinitions/ and falling back to the
// last GUID-shaped substring.
func roleIDFromPath(path string) string {
	lower := strings.ToLower(path)
	if i := strings.Index(lower, roleDefinitionsSegment); i >= 0 {
		if id := guidPattern.FindString(path[i+len(roleDefinitionsSegment):]); id != "" {
			return id
		}
	}
	matches := guidPattern.FindAllString(path, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// assignmentScope returns the scope an assignment was made at when v is an
// assignment resource id, and v unchanged otherwise.
func assignmentScope(v string) string {
	if s := scopeFromAssignmentID(v); s != "" {
		return s
	}
	return v
}

// scopeFromAssignmentID strips the roleAssignments suffix from an assignment
// resource id, leaving the scope the assignment was made at.
func scopeFromAssignmentID(id string) string {
	i := strings.Index(strings.ToLower(id), roleAssignmentsSegment)
	if i < 0 {
		return ""
	}
	if i == 0 {
		return "/"
	}
	return id[:i]
}

func splitPath(p string) []string {
	raw := strings.Split(strings.Trim(strings.TrimSpace(p), "/"), "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func lastIndexFold(segs []string, want string) int {
	for i := len(segs) - 1; i >= 0; i-- {
		if strings.EqualFold(segs[i], want) {
			return i
		}
	}
	return -1
}
