package dispatch

import (
	"fmt"
	"time"
)

// Config defines dispatch-related settings.
type Config struct {
	OfferBatchSize  int `json:"offer_batch_size"`
	ExpirySeconds   int `json:"expiry_seconds"`
	OfferTTLSeconds int `json:"offer_ttl_seconds"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.OfferBatchSize == 0 {
		c.OfferBatchSize = 10
	}
	if c.ExpirySeconds == 0 {
		c.ExpirySeconds = 60
	}
	if c.OfferTTLSeconds == 0 {
		c.OfferTTLSeconds = 300
	}
}

func (c Config) Validate() error {
	if c.OfferBatchSize < 1 {
		return fmt.Errorf("dispatch.offer_batch_size must be positive")
	}
	if c.ExpirySeconds < 1 {
		return fmt.Errorf("dispatch.expiry_seconds must be positive")
	}
	if c.OfferTTLSeconds < 1 {
		return fmt.Errorf("dispatch.offer_ttl_seconds must be positive")
	}
	return nil
}

func (c Config) Expiry() time.Duration   { return time.Duration(c.ExpirySeconds) * time.Second }
func (c Config) OfferTTL() time.Duration { return time.Duration(c.OfferTTLSeconds) * time.Second }
