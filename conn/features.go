package conn

import "strings"

// DefaultFeatures is the feature set this client advertises in its CNXN
// banner (§4.4 step 2, §6).
var DefaultFeatures = []string{"shell_v2", "cmd", "abb_exec"}

// buildBanner formats the CNXN payload §4.4/§6:
// "host::features=<csv>\0".
func buildBanner(features []string) []byte {
	b := strings.Builder{}
	b.WriteString("host::features=")
	b.WriteString(strings.Join(features, ","))
	b.WriteByte(0)
	return []byte(b.String())
}

// parseBanner extracts the peer's advertised feature set from a CNXN
// payload of the form "banner::key1=value1;key2=value2;...\0" (§4.4 step 3,
// §6).
func parseBanner(payload []byte) map[string]struct{} {
	s := strings.TrimRight(string(payload), "\x00")
	idx := strings.Index(s, "::")
	if idx < 0 {
		return nil
	}
	props := s[idx+2:]
	features := map[string]struct{}{}
	for _, kv := range strings.Split(props, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != "features" {
			continue
		}
		for _, f := range strings.Split(v, ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				features[f] = struct{}{}
			}
		}
	}
	return features
}
