package models

// Host is a machine powered off during an emergency shutdown.
// PrivateKey takes precedence over Password when both are set.
type Host struct {
	Name       string `json:"name" yaml:"name" mapstructure:"name"`
	IPAddress  string `json:"ip_address" yaml:"ip_address" mapstructure:"ip_address"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
	Username   string `json:"username" yaml:"username" mapstructure:"username"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty" mapstructure:"private_key"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
}

// UsesKey reports whether key-based authentication should be used.
func (h Host) UsesKey() bool {
	return h.PrivateKey != ""
}
