package proxy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AutoGroupName is the catch-all group synthesized when the operator's
// configuration declares none.
const AutoGroupName = "🚀 节点选择"

// ErrConfigNotFound is a fatal startup error: no node definitions to run with.
var ErrConfigNotFound = errors.New("proxy configuration file not found")

// RuntimeOptions are the bindings forced into the runtime copy.
type RuntimeOptions struct {
	MixedPort int
	APIPort   int
}

// PrepareRuntimeConfig reads the node definitions at src, rewrites the port
// bindings and control plane address, fills in a group and a rule when none
// are declared, and writes the result to dst.
func PrepareRuntimeConfig(src, dst string, opts RuntimeOptions) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, src)
		}
		return fmt.Errorf("failed to read proxy configuration: %w", err)
	}

	out, err := RewriteRuntimeConfig(raw, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, out, 0o600); err != nil {
		return fmt.Errorf("failed to write runtime configuration: %w", err)
	}
	return nil
}

// RewriteRuntimeConfig is the pure transformation behind PrepareRuntimeConfig.
func RewriteRuntimeConfig(raw []byte, opts RuntimeOptions) ([]byte, error) {
	doc := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse proxy configuration: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	// Subscriptions often carry their own port layout; drop it.
	for _, key := range []string{"port", "socks-port", "redir-port", "tproxy-port"} {
		delete(doc, key)
	}
	doc["mixed-port"] = opts.MixedPort
	doc["external-controller"] = fmt.Sprintf("127.0.0.1:%d", opts.APIPort)
	doc["mode"] = "rule"
	doc["log-level"] = "info"

	if groups, _ := doc["proxy-groups"].([]interface{}); len(groups) == 0 {
		if names := proxyNames(doc); len(names) > 0 {
			doc["proxy-groups"] = []interface{}{
				map[string]interface{}{
					"name":    AutoGroupName,
					"type":    "select",
					"proxies": names,
				},
			}
		}
	}
	if rules, _ := doc["rules"].([]interface{}); len(rules) == 0 {
		doc["rules"] = []interface{}{"MATCH," + AutoGroupName}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode runtime configuration: %w", err)
	}
	return out, nil
}

func proxyNames(doc map[string]interface{}) []interface{} {
	proxies, _ := doc["proxies"].([]interface{})
	names := make([]interface{}, 0, len(proxies))
	for _, p := range proxies {
		entry, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := entry["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// WriteInlineConfig stores configuration text handed over through the
// environment at path, so the normal startup path can pick it up.
func WriteInlineConfig(path, content string) error {
	if content == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write inline proxy configuration: %w", err)
	}
	return nil
}
