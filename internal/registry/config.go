package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/spf13/viper"
)

// LoadRegistries reads registries.conf. Each INI section is one registry:
//
//	[community]
//	url = https://packages.example.org
//	enabled = true
//	priority = 10
//	gpgcheck = true
//	gpgkey = file:///etc/pki/community.gpg
//	trust_level = community
//	type = adcl-v2
//
// A missing file yields an empty list, not an error. Entries are returned
// sorted by priority (lower preferred), then name.
func LoadRegistries(path string) ([]api.RegistryConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logging.Debug("RegistryConfig", "No registries.conf at %s", path)
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var configs []api.RegistryConfig
	for section := range v.AllSettings() {
		if section == "default" {
			continue
		}
		cfg := api.RegistryConfig{
			Name:       section,
			URL:        strings.TrimSpace(v.GetString(section + ".url")),
			Enabled:    true,
			Priority:   100,
			GPGCheck:   v.GetBool(section + ".gpgcheck"),
			GPGKey:     strings.TrimSpace(v.GetString(section + ".gpgkey")),
			TrustLevel: v.GetString(section + ".trust_level"),
			Type:       v.GetString(section + ".type"),
		}
		if v.IsSet(section + ".enabled") {
			cfg.Enabled = v.GetBool(section + ".enabled")
		}
		if v.IsSet(section + ".priority") {
			cfg.Priority = v.GetInt(section + ".priority")
		}

		if cfg.URL == "" {
			logging.Warn("RegistryConfig", "Registry %s has no url, skipping", section)
			continue
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority < configs[j].Priority
		}
		return configs[i].Name < configs[j].Name
	})
	return configs, nil
}

// GPGKeyPath resolves the gpgkey reference of a registry to a filesystem
// path. Only file:// keys are supported.
func GPGKeyPath(cfg api.RegistryConfig) (string, error) {
	if cfg.GPGKey == "" {
		return "", fmt.Errorf("registry %s has gpgcheck enabled but no gpgkey", cfg.Name)
	}
	if !strings.HasPrefix(cfg.GPGKey, "file://") {
		return "", fmt.Errorf("registry %s gpgkey %q is not a file:// reference", cfg.Name, cfg.GPGKey)
	}
	return strings.TrimPrefix(cfg.GPGKey, "file://"), nil
}
