package config

// Sanitize returns a copy of the config with secrets masked, for display.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Engine.AccessToken = maskString(c.Engine.AccessToken)
	c.WhatsApp.AccessToken = maskString(c.WhatsApp.AccessToken)
	c.WhatsApp.VerifyToken = maskString(c.WhatsApp.VerifyToken)
	c.WhatsApp.AppSecret = maskString(c.WhatsApp.AppSecret)
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
