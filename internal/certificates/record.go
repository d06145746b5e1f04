package certificates

import "time"

const (
	SupersededReason    = "Superseded by new certificate"
	DefaultRevokeReason = "Revoked by request"
)

// Record tracks one issued client certificate. Version is bumped by the
// repository on every successful save.
type Record struct {
	ID                string     `json:"id"`
	FingerprintSHA256 string     `json:"fingerprintSha256"`
	MachineID         string     `json:"machineId"`
	IssuedAt          time.Time  `json:"issuedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	RevokeReason      string     `json:"revokeReason,omitempty"`
	IsDeleted         bool       `json:"isDeleted"`
	Version           int64      `json:"version"`
}

func (r *Record) Revoked() bool {
	return r.RevokedAt != nil
}

// Active reports whether the record is neither revoked nor soft-deleted.
func (r *Record) Active() bool {
	return !r.IsDeleted && r.RevokedAt == nil
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}
