/*
Package log provides structured logging for the event bus using zerolog.

A single global logger is initialized once at process start via Init, then
components derive child loggers carrying stable identifying fields:

	logger := log.WithComponent("listener")
	logger.Info().Int64("sequence_id", seq).Msg("event delivered")

Console output is the default; JSON output is enabled for production with
Config.JSONOutput. Log level is set globally and applies to all child
loggers.
*/
package log
