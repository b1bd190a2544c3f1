// Package config loads voicerag settings from an optional YAML file, a
// development .env file and the environment, in that order of precedence
// from lowest to highest.
package config
