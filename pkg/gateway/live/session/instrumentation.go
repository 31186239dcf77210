package session

import "go.opentelemetry.io/otel"

const scopeName = "github.com/vango-go/vai-live/pkg/gateway/live/session"

var tracer = otel.Tracer(scopeName)
