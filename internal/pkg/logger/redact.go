package logger

// RedactSecret masks a credential for safe logging, keeping a short prefix
// so operators can tell key generations apart.
// "dev-token-8f3a91cc" → "dev-***"
// Values of 4 characters or fewer are fully masked.
func RedactSecret(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	return v[:3] + "***"
}
