package shell

import (
	"os"
	"regexp"
	"strings"
)

var reEnv = regexp.MustCompile(`\${([^}{]+)}`)

// ReplaceEnvVars expands ${NAME} and ${NAME:default}. Unknown names
// without default stay as is.
func ReplaceEnvVars(text string) string {
	return reEnv.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-1]
		name, def, hasDef := strings.Cut(name, ":")

		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDef {
			return def
		}
		return match
	})
}
