package normalization

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope schema identifiers.
const (
	SchemaCommonAlert = "azureMonitorCommonAlertSchema"
	SchemaActivityLog = "Microsoft.Insights/activityLogs"
)

const roleAssignmentOperation = "microsoft.authorization/roleassignments/"

// alertEnvelope covers both the common alert schema (data.alertContext) and
// the legacy activity log alert schema (data.context.activityLog).
type alertEnvelope struct {
	SchemaID string `json:"schemaId"`
	Data     struct {
		AlertContext *activityLogEntry `json:"alertContext"`
		Context      *struct {
			ActivityLog *activityLogEntry `json:"activityLog"`
		} `json:"context"`
	} `json:"data"`
}

type activityLogEntry struct {
	Authorization *struct {
		Action string `json:"action"`
		Scope  string `json:"scope"`
	} `json:"authorization"`
	Caller         string         `json:"caller"`
	CorrelationID  string         `json:"correlationId"`
	EventTimestamp string         `json:"eventTimestamp"`
	OperationName  string         `json:"operationName"`
	ResourceID     string         `json:"resourceId"`
	Status         string         `json:"status"`
	Properties     map[string]any `json:"properties"`
}

// assignmentBody is the role assignment document carried, JSON-encoded, in
// the requestbody and responseBody properties.
type assignmentBody struct {
	ID         string `json:"id"`
	Properties struct {
		PrincipalID      string `json:"principalId"`
		RoleDefinitionID string `json:"roleDefinitionId"`
		Scope            string `json:"scope"`
	} `json:"properties"`
}

// Normalizer turns Azure Monitor activity log alert payloads into
// RoleChangeEvents. It holds no configuration and performs no I/O.
type Normalizer struct {
	newID func() string
}

// NewNormalizer creates a new normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{newID: uuid.NewString}
}

// Normalize converts one raw notification. Any returned error is a *Rejection.
func (n *Normalizer) Normalize(raw []byte) (RoleChangeEvent, error) {
	var env alertEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RoleChangeEvent{}, reject(RejectMalformedPayload, "%v", err)
	}

	entry, source := env.entry()
	if entry == nil {
		return RoleChangeEvent{}, reject(RejectNotApplicable, "unrecognized envelope schema %q", env.SchemaID)
	}
	if entry.Status != "" && !strings.EqualFold(entry.Status, "Succeeded") {
		return RoleChangeEvent{}, reject(RejectNotApplicable, "operation status %q", entry.Status)
	}

	op := strings.TrimSpace(entry.OperationName)
	if op == "" {
		return RoleChangeEvent{}, reject(RejectMissingOperation, "operationName is empty")
	}
	if !strings.Contains(strings.ToLower(op), roleAssignmentOperation) {
		return RoleChangeEvent{}, reject(RejectNotApplicable, "operation %q is not a role assignment change", op)
	}

	kind, ok := changeKindOf(op)
	if !ok {
		return RoleChangeEvent{}, reject(RejectUnsupportedOperation, "operation %q", op)
	}

	request := decodeAssignment(entry.Properties["requestbody"])
	response := decodeAssignment(entry.Properties["responseBody"])
	resourcePath := firstNonEmpty(stringProp(entry.Properties, "entity"), entry.ResourceID)

	roleID := firstNonEmpty(request.Properties.RoleDefinitionID, response.Properties.RoleDefinitionID)
	if roleID == "" {
		roleID = roleIDFromPath(resourcePath)
	}
	if roleID == "" {
		return RoleChangeEvent{}, reject(RejectMissingRoleID, "no role definition in request body or resource path")
	}

	var authScope string
	if entry.Authorization != nil {
		authScope = assignmentScope(entry.Authorization.Scope)
	}
	scope := firstNonEmpty(
		request.Properties.Scope,
		response.Properties.Scope,
		authScope,
		scopeFromAssignmentID(resourcePath),
	)
	if scope == "" {
		return RoleChangeEvent{}, reject(RejectMissingScope, "no scope in request body, authorization or resource path")
	}

	principal := firstNonEmpty(request.Properties.PrincipalID, response.Properties.PrincipalID)
	if principal == "" {
		if kind == ChangeGranted {
			return RoleChangeEvent{}, reject(RejectMissingPrincipal, "grant without principalId")
		}
		principal = UnknownPrincipal
	}

	correlationID := entry.CorrelationID
	if correlationID == "" {
		correlationID = n.newID()
	}

	resourceType, known := ClassifyScope(scope)

	event := RoleChangeEvent{
		RoleID:            roleID,
		ChangeKind:        kind,
		Scope:             scope,
		PrincipalID:       principal,
		CorrelationID:     correlationID,
		ResourceType:      resourceType,
		ResourceTypeKnown: known,
		Caller:            entry.Caller,
		Source:            source,
	}
	if ts, err := time.Parse(time.RFC3339Nano, entry.EventTimestamp); err == nil {
		event.OccurredAt = ts
	}

	return event, nil
}

func (e *alertEnvelope) entry() (*activityLogEntry, string) {
	switch {
	case e.SchemaID == SchemaCommonAlert && e.Data.AlertContext != nil:
		return e.Data.AlertContext, SchemaCommonAlert
	case e.Data.Context != nil && e.Data.Context.ActivityLog != nil:
		return e.Data.Context.ActivityLog, SchemaActivityLog
	default:
		return nil, ""
	}
}

func changeKindOf(operation string) (ChangeKind, bool) {
	upper := strings.ToUpper(operation)
	switch {
	case strings.HasSuffix(upper, "WRITE"):
		return ChangeGranted, true
	case strings.HasSuffix(upper, "DELETE"):
		return ChangeRevoked, true
	default:
		return "", false
	}
}

// decodeAssignment performs the second decoding pass over a property that is
// either a JSON-encoded string or an already-decoded object.
func decodeAssignment(v any) assignmentBody {
	var body assignmentBody
	switch t := v.(type) {
	case string:
		if t != "" {
			_ = json.Unmarshal([]byte(t), &body)
		}
	case map[string]any:
		if data, err := json.Marshal(t); err == nil {
			_ = json.Unmarshal(data, &body)
		}
	}
	return body
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
