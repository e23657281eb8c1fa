package recalc

import (
	"fmt"
	"time"

	"github.com/routerisk/engine/internal/riskmodel"
)

const timestampLayout = "2006-01-02 15:04 UTC"

// customerMessage renders the fixed template: "Atualização: status {status}.
// ETA {eta_utc} (deadline {deadline_utc}). Motivo: {why}. Ação: {suggestion}."
func customerMessage(status riskmodel.Status, eta, deadline time.Time, why, suggestion string) string {
	return fmt.Sprintf("Atualização: status %s. ETA %s (deadline %s). Motivo: %s. Ação: %s",
		status, eta.UTC().Format(timestampLayout), deadline.UTC().Format(timestampLayout), why, suggestion)
}
