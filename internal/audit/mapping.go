package audit

import "strings"

// ActionResource holds action and resource derived from a gRPC full method name.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseFullMethod returns action and resource for a gRPC full method (e.g. /hdp.fhir.v1.PatientService/GetPatient).
// Action is a verb: get, list, search, create, update, delete, or a lowercase method name for others.
// Resource is derived from the service name (e.g. PatientService -> patient, grpc.health.v1.Health -> health).
func ParseFullMethod(fullMethod string) ActionResource {
	// fullMethod format: /package.v1.ServiceName/MethodName
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	beforeSlash := fullMethod[:slash]
	dot := strings.LastIndex(beforeSlash, ".")
	if dot < 0 {
		return ActionResource{Action: strings.ToLower(method), Resource: "unknown"}
	}
	serviceName := beforeSlash[dot+1:]
	resource := serviceToResource(serviceName)
	action := methodToAction(method)
	return ActionResource{Action: action, Resource: resource}
}

func serviceToResource(serviceName string) string {
	// PatientService -> patient, MedicationRequestService -> medicationRequest
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(s[0:1]) + s[1:]
}

func methodToAction(method string) string {
	switch {
	case strings.HasPrefix(method, "Get") && method != "Get":
		return "get"
	case strings.HasPrefix(method, "List"):
		return "list"
	case strings.HasPrefix(method, "Search"):
		return "search"
	case strings.HasPrefix(method, "Create"):
		return "create"
	case strings.HasPrefix(method, "Update"), strings.HasPrefix(method, "Patch"):
		return "update"
	case strings.HasPrefix(method, "Delete"):
		return "delete"
	case strings.HasPrefix(method, "Submit"):
		return "submit"
	case strings.HasPrefix(method, "Record"):
		return "record"
	default:
		return strings.ToLower(method)
	}
}

// OperationFor maps an action onto the permission operation it requires: read for
// get/list/search, delete for delete, write for everything else.
func OperationFor(action string) string {
	switch action {
	case "get", "list", "search", "check", "watch":
		return "read"
	case "delete":
		return "delete"
	default:
		return "write"
	}
}
