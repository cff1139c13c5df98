// Package whatsapp implements the WhatsApp Business Cloud API channel:
// webhook ingestion of inbound messages and Graph API delivery of outbound
// ones.
package whatsapp

import "fmt"

// Config holds WhatsApp Cloud API credentials and endpoints.
type Config struct {
	// Enabled controls whether the WhatsApp channel is active.
	Enabled bool `yaml:"enabled"`

	// VerifyToken is the webhook subscription verification token.
	VerifyToken string `yaml:"verify_token"`

	// AccessToken authenticates Graph API calls.
	AccessToken string `yaml:"access_token"`

	// PhoneNumberID is the business phone number id used to send messages.
	PhoneNumberID string `yaml:"phone_number_id"`

	// GraphBaseURL is the Graph API endpoint.
	GraphBaseURL string `yaml:"graph_base_url"`

	// APIVersion selects the Graph API version segment.
	APIVersion string `yaml:"api_version"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		GraphBaseURL: "https://graph.facebook.com",
		APIVersion:   "v21.0",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.VerifyToken == "" {
		return fmt.Errorf("whatsapp: verify_token is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("whatsapp: access_token is required")
	}
	if c.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp: phone_number_id is required")
	}
	return nil
}

func (c *Config) apiURL(path string) string {
	base := c.GraphBaseURL
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := c.APIVersion
	if version == "" {
		version = "v21.0"
	}
	return base + "/" + version + "/" + path
}
