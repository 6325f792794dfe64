package models

// Trust score weights.
const (
	TrustBase             = 50
	TrustSessionThreshold = 10
	TrustSessionBonus     = 10
	TrustBiometricBonus   = 15
	TrustIntegrityBonus   = 10
	TrustManualBonus      = 15
	TrustMin              = 0
	TrustMax              = 100
)

// TrustBreakdown lists every contribution to a trust score.
type TrustBreakdown struct {
	Base      int `json:"base"`
	Sessions  int `json:"sessions"`
	Biometric int `json:"biometric"`
	Integrity int `json:"integrity"`
	Manual    int `json:"manual"`
	Raw       int `json:"raw"`
	Score     int `json:"score"`
}

// ComputeTrust derives the advisory trust score of d. It is a pure function
// of the record and never consults client input directly.
func ComputeTrust(d *DeviceRecord) TrustBreakdown {
	b := TrustBreakdown{Base: TrustBase}
	if d.SessionCount > TrustSessionThreshold {
		b.Sessions = TrustSessionBonus
	}
	if d.BiometricEnabled {
		b.Biometric = TrustBiometricBonus
	}
	if !d.Jailbroken {
		b.Integrity = TrustIntegrityBonus
	}
	if d.IsTrusted {
		b.Manual = TrustManualBonus
	}
	b.Raw = b.Base + b.Sessions + b.Biometric + b.Integrity + b.Manual
	b.Score = clamp(b.Raw, TrustMin, TrustMax)
	return b
}

// RecomputeTrustScore refreshes d.TrustScore and returns the breakdown.
func (d *DeviceRecord) RecomputeTrustScore() TrustBreakdown {
	b := ComputeTrust(d)
	d.TrustScore = b.Score
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
