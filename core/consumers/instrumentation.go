package consumers

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-intake/core/consumers"

var logger = otelslog.NewLogger(scopeName)
