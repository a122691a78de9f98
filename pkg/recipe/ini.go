package recipe

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/ini.v1"

	"github.com/openfroyo/cinderhost/pkg/config"
)

func init() {
	// oslo.config expects an explicit [DEFAULT] header and "key = value".
	ini.DefaultHeader = true
	ini.PrettyFormat = false
	ini.PrettyEqual = true
}

// RenderINI renders cinder.common.settings with sections and keys in a
// stable order.
func RenderINI(common config.Common) (string, error) {
	f := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})
	for _, name := range common.SectionNames() {
		sec, err := f.NewSection(name)
		if err != nil {
			return "", fmt.Errorf("invalid section %q: %w", name, err)
		}

		values := common.Settings[name]
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := sec.NewKey(k, fmt.Sprint(values[k])); err != nil {
				return "", fmt.Errorf("invalid key %s.%s: %w", name, k, err)
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# Managed by cinderhost. Local changes will be overwritten.\n")
	if _, err := f.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", common.ConfigFile, err)
	}
	return buf.String(), nil
}
