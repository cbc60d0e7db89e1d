/*
Package config loads the event bus configuration.

Configuration is layered: compiled-in defaults, then an optional YAML file,
then environment variables. The environment names match the original
deployment (CLOUD_EVENTS_SOURCE, REDIS_HOST, REDIS_DB_NUMBER,
KEEP_ALIVE_PERIOD), so existing container manifests keep working.
*/
package config
