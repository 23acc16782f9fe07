// Package config loads the daemon configuration from a single YAML file,
// fills policy defaults (timeouts, retry budgets, retention windows) and
// reads secrets from the environment.
package config
