/*
Package client is a Go client for the event bus HTTP API.

It wraps the subscribe/listen/publish surface with typed methods and bearer
token authentication. Listen long-polls; bound it with a context.
*/
package client
