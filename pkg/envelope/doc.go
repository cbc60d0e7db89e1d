/*
Package envelope builds and parses the CloudEvents envelopes carried on the
wire.

Envelopes are CloudEvents 1.0 structured JSON with the bus type attribute,
the configured source, an optional owner extension, and the payload under
data. Live envelopes additionally carry a top-level _sequence_id integer;
catch-up envelopes are rebuilt from the event log in exactly the same shape
so clients cannot tell the two delivery modes apart.
*/
package envelope
