// Package protocol implements AIS-140 frame extraction and decoding.
// It reassembles '$'...'*' frames from a TCP byte stream, splits them into
// comma-separated fields, and maps PVT and LGN messages to typed records.
package protocol
