package dto

import "time"

type IssueCertificateRequest struct {
	Token     string `form:"token" binding:"required"`
	DeviceID  string `form:"deviceId" binding:"required"`
	PEMFormat bool   `form:"pemFormat"`
}

type RenewCertificateRequest struct {
	DeviceID  string `json:"deviceId"`
	PEMFormat bool   `json:"pemFormat"`
}

// RevokeCertificateRequest needs one identifier. When several are given the
// record id wins over the fingerprint, and the fingerprint over the device.
type RevokeCertificateRequest struct {
	RecordID          string `json:"mongoId"`
	DeviceID          string `json:"deviceId"`
	FingerprintSHA256 string `json:"fingerprintSha256"`
	RevokeReason      string `json:"revokeReason"`
}

type RevokeCertificateResponse struct {
	Affected int    `json:"affected"`
	Message  string `json:"message"`
}

type CertificateRecordInfo struct {
	ID                string     `json:"id"`
	FingerprintSHA256 string     `json:"fingerprintSha256"`
	MachineID         string     `json:"machineId"`
	IssuedAt          time.Time  `json:"issuedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	RevokeReason      string     `json:"revokeReason,omitempty"`
}

type ListCertificateRecordsResponse struct {
	Records []CertificateRecordInfo `json:"records"`
	Count   int                     `json:"count"`
}
