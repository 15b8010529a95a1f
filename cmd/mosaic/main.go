// Mosaic is a multi-tenant reverse proxy for LLM provider APIs.
//
// It fronts pools of upstream API keys with proxy keys of its own,
// spreading traffic across keys, tracking per-key health, and taking
// failing keys out of rotation until a probe brings them back.
//
// Usage:
//
//	# Start the gateway with default configuration
//	mosaic run
//
//	# Start with a custom configuration file
//	mosaic run --config /etc/mosaic/config.yaml
//
//	# Show version information
//	mosaic version
//
//	# Mask or hash an upstream API key the way the gateway does
//	mosaic keys inspect sk-abcdef0123456789
//
//	# Mint an admin session token
//	mosaic token --subject ops
package main

func main() {
	Execute()
}
