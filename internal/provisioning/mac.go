package provisioning

import "strings"

// NormalizeMAC strips common separators and lowercases a MAC address,
// matching the form provisioned_devices.mac and registered_phones.mac are
// stored under.
func NormalizeMAC(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	return s
}
