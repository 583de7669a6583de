package main

import "github.com/kelseyhightower/envconfig"

// config is scepctl's environment-driven configuration, replacing the
// hand-rolled getEnv/getEnvBool pattern with envconfig struct tags.
type config struct {
	Endpoint         string `envconfig:"SCEP_ENDPOINT" required:"true"`
	Profile          string `envconfig:"SCEP_PROFILE"`
	IdentityCertFile string `envconfig:"SCEP_IDENTITY_CERT" required:"true"`
	IdentityKeyFile  string `envconfig:"SCEP_IDENTITY_KEY" required:"true"`
	PreferredCipher  string `envconfig:"SCEP_PREFERRED_CIPHER"` // "AES" or "DES3"; empty defers to the CA's capabilities
	Debug            bool   `envconfig:"SCEP_DEBUG"`
}

func loadConfig() (*config, error) {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
