package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-gate/internal/certificates"
)

const (
	ClientWarningWindow  = 7 * 24 * time.Hour
	ClientExpiredWindow  = 2 * 24 * time.Hour
	DefaultCAWarningDays = 30
)

var ErrAuthorityExpiring = errors.New("CA certificate is about to expire")

type ActiveLister interface {
	FindActive(ctx context.Context) ([]*certificates.Record, error)
}

type ExpiryAlerter interface {
	CertificateExpiring(host string, validUntil time.Time)
	ClientCertificateExpiry(machineID string, validUntil time.Time, expired bool)
}

// AuthorityInfo describes the CA certificate being watched.
type AuthorityInfo struct {
	CommonName string
	ExpiresAt  time.Time
}

type ExpiryWatcher struct {
	records   ActiveLister
	alerts    ExpiryAlerter
	authority AuthorityInfo
	caWindow  time.Duration
	now       func() time.Time
}

func NewExpiryWatcher(records ActiveLister, alerts ExpiryAlerter, authority AuthorityInfo, caWarningDays int) *ExpiryWatcher {
	if caWarningDays <= 0 {
		caWarningDays = DefaultCAWarningDays
	}
	return &ExpiryWatcher{
		records:   records,
		alerts:    alerts,
		authority: authority,
		caWindow:  time.Duration(caWarningDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

func (w *ExpiryWatcher) WithClock(now func() time.Time) *ExpiryWatcher {
	w.now = now
	return w
}

// CheckAuthority fails when the CA certificate expires within the warning
// window. Used at startup in dev mode, where an expiring CA blocks boot.
func (w *ExpiryWatcher) CheckAuthority() error {
	if w.authority.ExpiresAt.Before(w.now().Add(w.caWindow)) {
		return fmt.Errorf("%w: %s expires on %s, rotate it before starting",
			ErrAuthorityExpiring, w.authority.CommonName, w.authority.ExpiresAt.Format(time.DateOnly))
	}
	return nil
}

// Run alerts once per active record expiring within ClientWarningWindow or
// expired within ClientExpiredWindow, then checks the CA itself.
func (w *ExpiryWatcher) Run(ctx context.Context) error {
	now := w.now()

	records, err := w.records.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active certificate records: %w", err)
	}

	upper := now.Add(ClientWarningWindow)
	lower := now.Add(-ClientExpiredWindow)
	alerted := 0
	for _, record := range records {
		if !record.ExpiresAt.Before(upper) || !record.ExpiresAt.After(lower) {
			continue
		}
		w.alerts.ClientCertificateExpiry(record.MachineID, record.ExpiresAt, !record.ExpiresAt.After(now))
		alerted++
	}
	slog.Info("Checked client certificate expiry", "active", len(records), "alerted", alerted)

	if err := w.CheckAuthority(); err != nil {
		slog.Warn("CA certificate expiring soon", "common_name", w.authority.CommonName, "expires_at", w.authority.ExpiresAt)
		w.alerts.CertificateExpiring(w.authority.CommonName, w.authority.ExpiresAt)
	}
	return nil
}
