// Package observability exposes replication and webhook metrics through Prometheus
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrStage      = "stage"
	attrStatus     = "status"
	attrResult     = "result"
	attrEvent      = "event"
	attrRepository = "repository"
	attrMethod     = "method"
	attrPath       = "path"
)

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String(attrResult, result)
}

func eventAttr(event string) attribute.KeyValue {
	return attribute.String(attrEvent, event)
}

func repositoryAttr(repository string) attribute.KeyValue {
	return attribute.String(attrRepository, repository)
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

// httpStatusAttr groups codes into classes: 2xx, 4xx, 5xx
func httpStatusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

// normalizePath keeps route cardinality bounded; unknown paths collapse into "other"
func normalizePath(path string) string {
	switch p := strings.TrimSuffix(path, "/"); p {
	case "/webhook", "/health", "/metrics", "/replicate":
		return p
	case "":
		return "/"
	default:
		return "other"
	}
}

// resultLabel maps success to the result attribute value
func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
