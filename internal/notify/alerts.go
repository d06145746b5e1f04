package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/tasks"
)

const dateLayout = "2006-01-02"

// Alerts composes operator messages and sends them in the background.
type Alerts struct {
	notifier Notifier
	exec     *tasks.Executor
}

func NewAlerts(notifier Notifier, exec *tasks.Executor) *Alerts {
	return &Alerts{notifier: notifier, exec: exec}
}

func (a *Alerts) dispatch(subject, body string) {
	a.exec.Go("alert", func(ctx context.Context) error {
		if err := a.notifier.Notify(ctx, subject, body); err != nil {
			return fmt.Errorf("failed to send alert %q: %w", subject, err)
		}
		return nil
	})
}

// CertificateExpiring warns that the certificate of host expires soon.
func (a *Alerts) CertificateExpiring(host string, validUntil time.Time) {
	slog.Info("Sending alert for certificate expiring soon", "host", host)

	subject := fmt.Sprintf("Certificate for %s is expiring soon", host)
	body := fmt.Sprintf("Certificate for %s will expire on %s.", host, validUntil.Format(dateLayout))
	a.dispatch(subject, body)
}

func (a *Alerts) ClientCertificateExpiry(machineID string, validUntil time.Time, expired bool) {
	if !expired {
		a.CertificateExpiring(machineID, validUntil)
		return
	}

	slog.Info("Sending alert for expired certificate", "machine_id", machineID)

	subject := fmt.Sprintf("Certificate for %s has expired", machineID)
	body := fmt.Sprintf("Certificate for %s expired on %s. Issue a new certificate to restore access.",
		machineID, validUntil.Format(dateLayout))
	a.dispatch(subject, body)
}

func (a *Alerts) RevokedAccess(record *certificates.Record, endpoint string) {
	slog.Info("Sending alert for revoked certificate access", "fingerprint", record.FingerprintSHA256)

	subject := "Revoked certificate detected"
	body := fmt.Sprintf("Someone attempted to access endpoint %s with a revoked certificate issued for %s.\n\nCertificate fingerprint: %s",
		endpoint, record.MachineID, record.FingerprintSHA256)
	a.dispatch(subject, body)
}
