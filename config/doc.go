// Package config loads agentrelay's YAML configuration and turns it into
// the pieces the service is assembled from: the completion backend, the
// agent roster, the logger and the delegation policy settings.
package config
