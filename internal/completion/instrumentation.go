package completion

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/lexiqai/voice-chat/internal/completion"

var tracer = otel.Tracer(scopeName)
