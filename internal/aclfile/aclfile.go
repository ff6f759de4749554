// Package aclfile loads the TOML file restricting which MQTT topic
// prefixes each service principal may publish or subscribe to (§6:
// "ACL file restricts topic prefixes per principal"). It is consulted
// by the wrapper on every publish and subscribe of a service built with
// wrapper.WithACL, whether or not the broker enforces ACLs itself.
package aclfile

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Principal is one service's allowed topic prefixes.
type Principal struct {
	Name      string   `toml:"name"`
	Publish   []string `toml:"publish"`
	Subscribe []string `toml:"subscribe"`
}

// File is the parsed ACL document: a list of principals plus an
// optional default applied to any service absent from the list.
type File struct {
	Principals []Principal `toml:"principal"`
	Default    Principal   `toml:"default"`
}

// Load parses the TOML ACL file at path.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("aclfile: load %s: %w", path, err)
	}
	return &f, nil
}

// principalFor returns the configured Principal for name, falling back
// to the file's Default block (whose Name field is ignored) when name
// is unlisted.
func (f *File) principalFor(name string) Principal {
	for _, p := range f.Principals {
		if p.Name == name {
			return p
		}
	}
	return f.Default
}

// AllowsPublish reports whether principal name may publish to topic,
// per the prefix rules declared for that principal (§7 reason
// "forbidden" is returned by callers when this is false).
func (f *File) AllowsPublish(name, topic string) bool {
	return matchesAny(f.principalFor(name).Publish, topic)
}

// AllowsSubscribe reports whether principal name may subscribe to the
// MQTT filter.
func (f *File) AllowsSubscribe(name, filter string) bool {
	return matchesAny(f.principalFor(name).Subscribe, filter)
}

// matchesAny reports whether topic starts with one of the configured
// prefixes. A prefix ending in "#" matches everything under it
// (MQTT's multi-level wildcard convention); any other prefix must match
// exactly or be a "/"-bounded ancestor of topic.
func matchesAny(prefixes []string, topic string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		root := strings.TrimSuffix(prefix, "#")
		root = strings.TrimSuffix(root, "/")
		if topic == root {
			return true
		}
		if strings.HasSuffix(prefix, "#") && strings.HasPrefix(topic, root+"/") {
			return true
		}
		if !strings.HasSuffix(prefix, "#") && (topic == prefix || strings.HasPrefix(topic, root+"/")) {
			return true
		}
	}
	return false
}
