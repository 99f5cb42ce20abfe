package loader

import (
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultEnvPrefix is the prefix of environment overrides.
const DefaultEnvPrefix = "LSPCLIENT_"

// EnvLoader builds a tree from prefixed environment variables. After the
// prefix, the first underscore separates the section from the key, so
// LSPCLIENT_LOG_MAX_SIZE_MB sets log.max_size_mb. Mappings added with
// AddMapping win over that rule.
type EnvLoader struct {
	prefix  string
	mapping map[string]string
	environ func() []string
}

// NewEnvLoader returns a loader for variables starting with prefix,
// which should end in an underscore.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		mapping: map[string]string{
			prefix + "LOG":     "log.level",
			prefix + "METRICS": "metrics.address",
		},
		environ: os.Environ,
	}
}

// AddMapping routes the variable name to a dotted config path.
func (l *EnvLoader) AddMapping(name, path string) {
	if l.mapping == nil {
		l.mapping = make(map[string]string)
	}
	l.mapping[name] = path
}

// Load implements Loader. A variable set to the empty string overrides
// with an empty value.
func (l *EnvLoader) Load() (map[string]any, error) {
	tree := make(map[string]any)
	for _, kv := range l.environ() {
		name, raw, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, ok := l.mapping[name]
		if !ok {
			path = l.envToPath(name)
		}
		if path != "" {
			setByPath(tree, path, parseValue(raw))
		}
	}
	return tree, nil
}

func (l *EnvLoader) envToPath(name string) string {
	rest := strings.ToLower(name[len(l.prefix):])
	if section, key, ok := strings.Cut(rest, "_"); ok {
		return section + "." + key
	}
	return rest
}

// parseValue types an environment value: booleans (true/yes/on,
// false/no/off), integers, decimals and JSON arrays or objects. Anything
// else, durations included, stays a string for the decoder.
func parseValue(raw string) any {
	switch strings.ToLower(raw) {
	case "":
		return raw
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if strings.ContainsRune(raw, '.') {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	if (raw[0] == '[' || raw[0] == '{') && gjson.Valid(raw) {
		return gjson.Parse(raw).Value()
	}
	return raw
}

func setByPath(tree map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	last := len(keys) - 1
	node := tree
	for _, k := range keys[:last] {
		child, ok := node[k].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[k] = child
		}
		node = child
	}
	node[keys[last]] = value
}

func getByPath(tree map[string]any, path string) (any, bool) {
	var node any = tree
	for _, k := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[k]; !ok {
			return nil, false
		}
	}
	return node, true
}
